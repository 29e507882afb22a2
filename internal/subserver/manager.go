// Package subserver starts one child per job attempt and reports how each
// child ended. The child side lives in worker.go.
package subserver

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/jobstate"
)

var ErrManagerClosed = errors.New("subserver manager is closed")

// Request is the work of one subserver: one attempt at one job, optionally
// for a single destination.
type Request struct {
	Printer  string
	HoldName string
	// Dest is the destination index, or -1 for the job itself.
	Dest int
}

// Process is a running subserver.
type Process interface {
	Pid() int
	// Wait blocks until the process ended and classifies how.
	Wait() (jobstate.Code, error)
	Signal(sig os.Signal) error
}

// Launcher starts subservers.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Process, error)
}

// Exit reports a finished subserver.
type Exit struct {
	Pid     int
	Request Request
	Code    jobstate.Code
	Err     error
}

// Manager supervises the subservers of one queue. Every child gets a
// goroutine that waits for it and posts the result on Exits, so the owner
// never blocks on a child that has not ended. A child stays registered after
// it ended until its Exit is handed to Reap.
type Manager struct {
	launcher Launcher
	timeout  time.Duration
	clock    clock.Clock
	exits    chan Exit

	mu      sync.Mutex
	running map[int]running
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *log.Entry
}

type running struct {
	req    Request
	proc   Process
	exited bool
}

// NewManager returns a manager whose children are terminated after timeout
// (zero disables the limit).
func NewManager(l Launcher, timeout time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		launcher: l,
		timeout:  timeout,
		clock:    clk,
		exits:    make(chan Exit, 16),
		running:  make(map[int]running),
		stopCh:   make(chan struct{}),
		log:      log.WithField("component", "subserver"),
	}
}

// Exits delivers one value per finished child.
func (m *Manager) Exits() <-chan Exit { return m.exits }

// Start launches a child for req and returns its pid.
func (m *Manager) Start(ctx context.Context, req Request) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrManagerClosed
	}
	proc, err := m.launcher.Launch(ctx, req)
	if err != nil {
		return 0, errors.Wrapf(err, "launch subserver for %s", req.HoldName)
	}
	pid := proc.Pid()
	m.running[pid] = running{req: req, proc: proc}
	m.wg.Add(1)
	go m.supervise(pid, req, proc)
	m.log.WithFields(log.Fields{"printer": req.Printer, "job": req.HoldName, "pid": pid}).Debug("subserver started")
	return pid, nil
}

func (m *Manager) supervise(pid int, req Request, proc Process) {
	defer m.wg.Done()

	done := make(chan struct{})
	timedOut := make(chan struct{})
	if m.timeout > 0 {
		timer := m.clock.NewTimer(m.timeout)
		go func() {
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C():
				close(timedOut)
				m.log.WithFields(log.Fields{"printer": req.Printer, "pid": pid}).Warnf("subserver exceeded %s, terminating", m.timeout)
				_ = proc.Signal(unix.SIGTERM)
			}
		}()
	}

	code, err := proc.Wait()
	close(done)
	select {
	case <-timedOut:
		code = jobstate.Timeout
	default:
	}

	m.mu.Lock()
	if r, ok := m.running[pid]; ok {
		r.exited = true
		m.running[pid] = r
	}
	m.mu.Unlock()

	select {
	case m.exits <- Exit{Pid: pid, Request: req, Code: code, Err: err}:
	case <-m.stopCh:
	}
}

// Reap forgets a child whose Exit was consumed.
func (m *Manager) Reap(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, pid)
}

// Running returns the number of children not yet reaped, including those
// whose Exit is still unread.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Lookup returns the request of a child that has not been reaped.
func (m *Manager) Lookup(pid int) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.running[pid]
	return r.req, ok
}

// Pids lists the children that have not been reaped.
func (m *Manager) Pids() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.running))
	for pid := range m.running {
		pids = append(pids, pid)
	}
	return pids
}

// Signal sends sig to a live child.
func (m *Manager) Signal(pid int, sig os.Signal) error {
	m.mu.Lock()
	r, ok := m.running[pid]
	m.mu.Unlock()
	if !ok || r.exited {
		return errors.Errorf("no subserver with pid %d", pid)
	}
	return r.proc.Signal(sig)
}

// Close terminates every child and waits for the supervisors. Results not yet
// read from Exits are dropped.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for pid, r := range m.running {
		if r.exited {
			continue
		}
		if err := r.proc.Signal(unix.SIGTERM); err != nil {
			m.log.WithError(err).WithField("pid", pid).Debug("cannot terminate subserver")
		}
	}
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
}
