package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/lockfile"
)

// Registry starts queue schedulers on demand inside the server process and
// lets them exit when their queue goes idle.
type Registry struct {
	ctx  context.Context
	opts Options

	mu     sync.Mutex
	queues map[string]*Queue
	done   map[string]chan struct{}
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	r := &Registry{
		ctx:    ctx,
		queues: map[string]*Queue{},
		done:   map[string]chan struct{}{},
	}
	if opts.Kicker == nil {
		opts.Kicker = r
	}
	r.opts = opts
	return r
}

// Kick makes sure the scheduler of printer runs a pass soon.
func (r *Registry) Kick(printer string) error {
	if _, _, err := r.opts.Spools.Open(printer); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[printer]; ok {
		q.Kick()
		return nil
	}
	q, err := NewQueue(printer, r.opts)
	if err != nil {
		return err
	}
	prev := r.done[printer]
	done := make(chan struct{})
	r.queues[printer] = q
	r.done[printer] = done

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		err := q.Run(r.ctx, func() bool { return r.retire(q, false) })
		if err != nil {
			if errors.Is(err, ErrQueueBusy) {
				log.WithField("printer", printer).Debug(err)
			} else {
				log.WithError(err).WithField("printer", printer).Error("scheduler stopped")
			}
		}
		r.retire(q, true)
	}()
	return nil
}

// retire removes q from the registry unless a kick arrived in the meantime.
func (r *Registry) retire(q *Queue, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !force && q.kicked() {
		return false
	}
	if r.queues[q.printer] == q {
		delete(r.queues, q.printer)
	}
	return true
}

// KickAll kicks every configured queue.
func (r *Registry) KickAll() {
	for _, name := range r.opts.Spools.Names() {
		if err := r.Kick(name); err != nil {
			log.WithError(err).WithField("printer", name).Warn("cannot start scheduler")
		}
	}
}

// Active returns the printers with a running scheduler.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// Poll kicks every queue each interval until ctx ends, so jobs left behind by
// a crash or waiting on a timer are picked up.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	for {
		r.KickAll()
		select {
		case <-ctx.Done():
			return
		case <-r.opts.Clock.After(interval):
		}
	}
}

// HandleSignals kicks every queue on SIGUSR1, the signal sent by processes
// that find a queue's lock taken.
func (r *Registry) HandleSignals(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			log.Debug("rescan requested")
			r.KickAll()
		}
	}
}

// Wait blocks until every scheduler started by the registry has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// SignalKicker wakes schedulers running in other processes by sending
// SIGUSR1 to the holder of the queue lock. It is the kicker of a scheduler
// run in the foreground outside the server.
type SignalKicker struct {
	Spools *core.Spools
}

func (k SignalKicker) Kick(printer string) error {
	d, _, err := k.Spools.Open(printer)
	if err != nil {
		return err
	}
	pid := d.QueueLockOwner()
	if pid <= 0 || pid == os.Getpid() {
		return nil
	}
	return lockfile.Signal(pid, unix.SIGUSR1)
}
