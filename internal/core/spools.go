package core

import (
	"sync"

	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/spool"
)

// Spools opens and caches the spool directory of every configured queue.
type Spools struct {
	cfg   *config.Config
	clock clock.PassiveClock
	mu    sync.Mutex
	dirs  map[string]*spool.Dir
}

func NewSpools(cfg *config.Config, clk clock.PassiveClock) *Spools {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Spools{cfg: cfg, clock: clk, dirs: make(map[string]*spool.Dir)}
}

func (s *Spools) Config() *config.Config { return s.cfg }

// Open returns the spool directory and configuration of a queue.
func (s *Spools) Open(printer string) (*spool.Dir, *config.Printer, error) {
	path, p, err := s.cfg.SetupPrinter(printer)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dirs[printer]; ok {
		return d, p, nil
	}
	d, err := spool.Open(path, printer, spool.Options{
		LongNumber: s.cfg.Spool.LongNumber,
		MaxWraps:   s.cfg.Spool.MaxWraps,
		Clock:      s.clock,
	})
	if err != nil {
		return nil, nil, err
	}
	s.dirs[printer] = d
	return d, p, nil
}

func (s *Spools) Names() []string { return s.cfg.PrinterNames() }
