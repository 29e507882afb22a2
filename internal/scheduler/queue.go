// Package scheduler runs the dispatcher of each queue: it picks the next
// printable job, hands it to a subserver and applies the subserver's exit
// status to the job record.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
	"github.com/orrn/spoold/internal/lockfile"
	"github.com/orrn/spoold/internal/logging"
	"github.com/orrn/spoold/internal/metrics"
	"github.com/orrn/spoold/internal/spool"
	"github.com/orrn/spoold/internal/subserver"
)

// ErrQueueBusy is returned by Run when another process is the queue's scheduler.
var ErrQueueBusy = errors.New("queue has an active scheduler")

// errorRescan is how long a queue waits after a pass failed before trying again.
const errorRescan = 10 * time.Second

// Notifier is told about every job state change the scheduler makes.
type Notifier interface {
	OnJobStatusChanged(printer string, j *job.Job, state jobstate.State, dest string)
}

// Options are shared by every queue scheduler.
type Options struct {
	Spools   *core.Spools
	Launcher subserver.Launcher
	Notifier Notifier
	// Kicker wakes the schedulers of load balancing backends.
	Kicker core.Kicker
	Clock  clock.Clock
}

// Queue is the scheduler of one queue.
type Queue struct {
	printer  string
	cfg      *config.Config
	p        *config.Printer
	dir      *spool.Dir
	spools   *core.Spools
	machine  *jobstate.Machine
	servers  *subserver.Manager
	notifier Notifier
	kicker   core.Kicker
	clock    clock.Clock
	kick     chan struct{}
	log      *log.Entry
}

func NewQueue(printer string, opts Options) (*Queue, error) {
	d, p, err := opts.Spools.Open(printer)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg := opts.Spools.Config()
	action, err := jobstate.ParseAction(p.ExhaustedAction)
	if err != nil {
		return nil, err
	}
	policy := jobstate.Policy{
		MaxRetries:    p.RetryLimit(cfg.Queue),
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
		SaveWhenDone:  p.SaveWhenDone,
		SaveOnError:   p.SaveOnError,
		StopOnAbort:   p.StopOnAbort,
		Exhausted:     func(*job.Job, jobstate.Code) jobstate.Action { return action },
	}
	return &Queue{
		printer:  printer,
		cfg:      cfg,
		p:        p,
		dir:      d,
		spools:   opts.Spools,
		machine:  jobstate.NewMachine(policy, clk),
		servers:  subserver.NewManager(opts.Launcher, cfg.Queue.SubserverTimeout, clk),
		notifier: opts.Notifier,
		kicker:   opts.Kicker,
		clock:    clk,
		kick:     make(chan struct{}, 1),
		log:      logging.NewStatusLog(d.StatusLogPath(), printer, cfg.Spool.MaxStatusSize),
	}, nil
}

func (q *Queue) Printer() string { return q.printer }

// Kick asks the scheduler for another pass. It never blocks.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// kicked reports whether a pass was requested and not yet started.
func (q *Queue) kicked() bool { return len(q.kick) > 0 }

// Run holds the queue lock and schedules until the queue is idle and idle()
// agrees to stop, or ctx ends. When another process holds the lock it is asked
// to rescan and ErrQueueBusy is returned.
func (q *Queue) Run(ctx context.Context, idle func() bool) error {
	lock, owner, err := q.dir.AcquireQueueLock()
	if err != nil {
		return err
	}
	if lock == nil {
		if owner > 0 && owner != os.Getpid() && lockfile.ProcessAlive(owner) {
			if err := lockfile.Signal(owner, unix.SIGUSR1); err != nil {
				q.log.WithError(err).Debugf("cannot signal scheduler %d", owner)
			}
		}
		return errors.Wrapf(ErrQueueBusy, "%s: pid %d", q.printer, owner)
	}
	defer lock.Close()
	defer q.servers.Close()
	q.log.Debug("scheduler started")

	for {
		wait, err := q.Pass(ctx)
		if err != nil {
			logging.WithStacktrace(q.log, err).Error("scheduler pass failed")
			wait = errorRescan
		}
		if q.servers.Running() == 0 && wait < 0 && (idle == nil || idle()) {
			if err := q.dir.WriteServerPID(0); err != nil {
				q.log.WithError(err).Debug("cannot clear server pid")
			}
			q.log.Debug("scheduler idle, exiting")
			return nil
		}
		var timer <-chan time.Time
		if wait >= 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.kick:
		case e := <-q.servers.Exits():
			q.HandleExit(e)
		case <-timer:
		}
	}
}

// Pass scans the queue once, cleans up, and dispatches at most one job. It
// returns how long to sleep before the next timed pass, or -1 when only a
// kick or a subserver exit can make progress.
func (q *Queue) Pass(ctx context.Context) (time.Duration, error) {
	start := q.clock.Now()
	defer func() { metrics.RecordCycleTime(q.printer, q.clock.Since(start)) }()

	ctl, err := q.dir.LoadControl()
	if err != nil {
		return -1, err
	}
	jobs, broken, err := q.dir.Scan()
	if err != nil {
		return -1, err
	}
	for _, b := range broken {
		q.log.WithError(b.Err).Warnf("removing broken job %s", filepath.Base(b.HoldPath))
		if err := q.dir.RemoveBroken(b); err != nil {
			q.log.WithError(err).Warn("cannot remove broken job")
		}
	}
	if q.cfg.Queue.AbandonedMaxAge > 0 {
		if n, err := q.dir.PurgeAbandoned(q.cfg.Queue.AbandonedMaxAge); err != nil {
			q.log.WithError(err).Warn("cannot purge abandoned transfers")
		} else if n > 0 {
			q.log.Infof("purged %d abandoned transfer(s)", n)
		}
	}

	now := q.clock.Now()
	wait := time.Duration(-1)
	wakeAt := func(t time.Time) {
		if d := t.Sub(now); d >= 0 && (wait < 0 || d < wait) {
			wait = d
		}
	}
	busy := q.servers.Running() > 0
	counts := map[string]int{}
	var candidates []*job.Job
	for _, j := range jobs {
		if q.reclaimStale(j) {
			busy = true
		}
		state := jobstate.Derive(j, now)
		counts[string(state)]++
		switch state {
		case jobstate.Done, jobstate.Removed:
			q.expire(j, state, now, wakeAt)
		case jobstate.RetryWait:
			wakeAt(earliestRetry(j))
		case jobstate.Pending:
			candidates = append(candidates, j)
		}
	}
	metrics.RecordQueueJobs(q.printer, counts)

	if busy || ctl.PrintingDisabled || ctl.Aborted {
		return wait, nil
	}
	for _, j := range candidates {
		if !classAllowed(ctl.Class, j) {
			continue
		}
		toBackend := q.movesToBackend(j, &ctl)
		dispatched, err := q.dispatch(ctx, j, &ctl)
		if err != nil {
			logging.WithStacktrace(q.log.WithField("job", j.ID()), err).Error("dispatch failed")
			continue
		}
		if dispatched {
			if toBackend {
				// The next job may fit another idle backend.
				continue
			}
			break
		}
		if q.p.IsLoadBalanced() {
			// Every backend is busy; nothing tells us when one frees up.
			wakeAt(now.Add(q.backendRescan()))
			break
		}
	}
	// Destinations waiting for retry can make a job pending again.
	for _, j := range candidates {
		wakeAt(earliestRetry(j))
	}
	return wait, nil
}

// reclaimStale clears server marks left by subservers that no longer run. It
// reports whether the job is being printed by a live process this scheduler
// does not own.
func (q *Queue) reclaimStale(j *job.Job) bool {
	self := os.Getpid()
	stale, foreign := false, false
	check := func(pid int) {
		if pid <= 0 {
			return
		}
		if _, ok := q.servers.Lookup(pid); ok {
			return
		}
		if pid != self && lockfile.ProcessAlive(pid) {
			foreign = true
			return
		}
		stale = true
	}
	check(j.Hold.Server)
	for _, d := range j.Hold.Destinations {
		check(d.Server)
	}
	if !stale {
		return foreign
	}

	slot, ok, err := q.dir.LockJob(j)
	if err != nil || !ok {
		return foreign
	}
	defer slot.Release()
	clear := func(p *job.Progress) {
		if p.Server <= 0 {
			return
		}
		if _, ok := q.servers.Lookup(p.Server); ok {
			return
		}
		if p.Server != self && lockfile.ProcessAlive(p.Server) {
			return
		}
		q.log.WithField("job", j.ID()).Warnf("subserver %d vanished, job is printable again", p.Server)
		p.Server = 0
	}
	clear(&j.Hold.Progress)
	for i := range j.Hold.Destinations {
		clear(&j.Hold.Destinations[i].Progress)
	}
	if err := slot.Save(); err != nil {
		q.log.WithError(err).Warn("cannot clear stale server")
	}
	return foreign
}

// expire deletes finished jobs kept by a save policy once they are old enough.
func (q *Queue) expire(j *job.Job, state jobstate.State, now time.Time, wakeAt func(time.Time)) {
	maxAge := q.cfg.Queue.DoneJobsMaxAge
	if maxAge <= 0 {
		return
	}
	finished := j.Hold.DoneTime
	if state == jobstate.Removed {
		finished = j.Hold.RemoveTime
	}
	if now.Sub(finished) < maxAge {
		wakeAt(finished.Add(maxAge))
		return
	}
	slot, ok, err := q.dir.LockJob(j)
	if err != nil || !ok {
		return
	}
	defer slot.Release()
	if err := q.dir.RemoveJobFiles(j); err != nil {
		q.log.WithError(err).Warnf("cannot expire job %s", j.ID())
		return
	}
	q.log.WithField("job", j.ID()).Infof("expired %s job", state)
}

func earliestRetry(j *job.Job) time.Time {
	t := j.Hold.RetryTime
	for _, d := range j.Hold.Destinations {
		if !d.RetryTime.IsZero() && d.DoneTime.IsZero() && d.RemoveTime.IsZero() && (t.IsZero() || d.RetryTime.Before(t)) {
			t = d.RetryTime
		}
	}
	return t
}

// classAllowed applies the queue's class restriction: a comma separated list
// matched against the job class or its priority letter.
func classAllowed(classes string, j *job.Job) bool {
	if classes == "" {
		return true
	}
	for _, c := range strings.Split(classes, ",") {
		c = strings.TrimSpace(c)
		if c == j.Class || c == string(j.Priority()) {
			return true
		}
	}
	return false
}

// movesToBackend reports whether dispatching j hands it to a load balancing
// backend instead of starting a subserver.
func (q *Queue) movesToBackend(j *job.Job, ctl *spool.QueueControl) bool {
	return q.p.IsLoadBalanced() && len(j.Hold.Destinations) == 0 && j.Hold.Redirect == "" && ctl.Redirect == ""
}

// dispatch starts work on j. It reports whether anything was started.
func (q *Queue) dispatch(ctx context.Context, j *job.Job, ctl *spool.QueueControl) (bool, error) {
	if q.movesToBackend(j, ctl) {
		return q.balance(j, ctl)
	}

	slot, err := q.dir.LockJobWait(j)
	if err != nil {
		return false, err
	}
	defer slot.Release()

	now := q.clock.Now()
	dest := -1
	if len(j.Hold.Destinations) > 0 {
		if dest = jobstate.NextDestination(j, now); dest < 0 {
			return false, nil
		}
	} else if jobstate.Derive(j, now) != jobstate.Pending {
		return false, nil
	}

	p := j.ProgressFor(dest)
	p.Server = os.Getpid()
	p.RetryTime = time.Time{}
	if err := slot.Save(); err != nil {
		return false, err
	}
	pid, err := q.servers.Start(ctx, subserver.Request{
		Printer:  q.printer,
		HoldName: filepath.Base(j.HoldPath),
		Dest:     dest,
	})
	if err != nil {
		p.Server = 0
		p.Error = err.Error()
		_ = slot.Save()
		return false, err
	}
	p.Server = pid
	if err := slot.Save(); err != nil {
		q.log.WithError(err).Warn("cannot record subserver pid")
	}
	if err := q.dir.WriteServerPID(pid); err != nil {
		q.log.WithError(err).Debug("cannot write server pid")
	}

	destName := ""
	if dest >= 0 {
		destName = j.Hold.Destinations[dest].Name
	}
	q.log.WithFields(log.Fields{"job": j.ID(), "pid": pid, "dest": destName}).Info("subserver started")
	metrics.RecordSubserverStarted(q.printer)
	metrics.RecordTransition(q.printer, string(jobstate.Printing))
	q.notify(j, jobstate.Printing, destName)
	return true, nil
}

// HandleExit applies a finished subserver's status to its job.
func (q *Queue) HandleExit(e subserver.Exit) {
	q.servers.Reap(e.Pid)
	metrics.RecordSubserverExit(q.printer, e.Code.String())
	logger := q.log.WithFields(log.Fields{"pid": e.Pid, "code": e.Code.String()})
	if q.servers.Running() == 0 {
		_ = q.dir.WriteServerPID(0)
	}

	j, err := q.dir.LoadJob(e.Request.HoldName)
	if err != nil {
		logger.WithError(err).Debug("job of finished subserver is gone")
		return
	}
	slot, err := q.dir.LockJobWait(j)
	if err != nil {
		logger.WithError(err).Warn("cannot lock job of finished subserver")
		return
	}
	defer slot.Release()
	logger = logger.WithField("job", j.ID())

	now := q.clock.Now()
	dest := e.Request.Dest
	p := j.ProgressFor(dest)
	if p.Server != e.Pid {
		logger.Warnf("job records server %d", p.Server)
	}

	// Removed by an operator while printing: the remover left the files to us.
	if jobstate.Derive(j, now) == jobstate.Removed {
		p.Server = 0
		q.finish(slot, j, true, logger)
		return
	}

	errText := p.Error
	if e.Code == jobstate.Success {
		errText = ""
	} else if errText == "" {
		errText = fmt.Sprintf("subserver exited with %s", e.Code)
	}
	out := q.machine.Apply(j, dest, e.Code, errText)
	logger.Infof("attempt finished: %s", out.State)
	metrics.RecordTransition(q.printer, string(out.State))

	q.finish(slot, j, out.DeleteFiles, logger)

	if out.StopQueue {
		msg := fmt.Sprintf("printing aborted: %s", errText)
		if _, err := q.dir.UpdateControl(func(c *spool.QueueControl) error {
			c.Aborted = true
			c.Message = msg
			return nil
		}); err != nil {
			logger.WithError(err).Error("cannot stop queue")
		}
		logger.Error(msg)
	}

	destName := ""
	if dest >= 0 && dest < len(j.Hold.Destinations) {
		destName = j.Hold.Destinations[dest].Name
	}
	if out.Notify || out.State == jobstate.Held || out.State == jobstate.RetryWait ||
		(out.State == jobstate.Pending && e.Code != jobstate.Success) {
		q.notify(j, out.State, destName)
	}
}

func (q *Queue) finish(slot *spool.Slot, j *job.Job, deleteFiles bool, logger *log.Entry) {
	if deleteFiles {
		if err := q.dir.RemoveJobFiles(j); err != nil {
			logger.WithError(err).Warn("cannot remove job files")
		}
		return
	}
	if err := slot.Save(); err != nil {
		logger.WithError(err).Error("cannot save job state")
	}
}

// balance moves j into the least recently used idle backend of a load
// balancing queue and marks the original done.
func (q *Queue) balance(j *job.Job, ctl *spool.QueueControl) (bool, error) {
	backend, err := q.pickBackend(ctl)
	if err != nil || backend == nil {
		return false, err
	}
	bctl, err := backend.dir.LoadControl()
	if err != nil {
		return false, err
	}

	slot, err := q.dir.LockJobWait(j)
	if err != nil {
		return false, err
	}
	defer slot.Release()
	if jobstate.Derive(j, q.clock.Now()) != jobstate.Pending {
		return false, nil
	}
	j.Hold.Server = os.Getpid()
	if err := slot.Save(); err != nil {
		return false, err
	}
	moved, err := backend.dir.Import(j, backend.p.Destinations(), bctl.HoldAll)
	if err != nil {
		j.Hold.Server = 0
		_ = slot.Save()
		return false, err
	}

	out := q.machine.Apply(j, -1, jobstate.Success, "")
	q.finish(slot, j, true, q.log)
	if _, err := q.dir.UpdateControl(func(c *spool.QueueControl) error {
		c.Server(backend.name).DoneTime = q.clock.Now()
		return nil
	}); err != nil {
		q.log.WithError(err).Warn("cannot record backend use")
	}
	q.log.WithFields(log.Fields{"job": j.ID(), "backend": backend.name}).Infof("moved to %s as %s", backend.name, moved.ID())
	metrics.RecordTransition(q.printer, string(out.State))
	if q.kicker != nil {
		if err := q.kicker.Kick(backend.name); err != nil {
			q.log.WithError(err).Warnf("cannot start backend %s", backend.name)
		}
	}
	return true, nil
}

func (q *Queue) backendRescan() time.Duration {
	if q.cfg.Queue.PollInterval > 0 && q.cfg.Queue.PollInterval < errorRescan {
		return q.cfg.Queue.PollInterval
	}
	return errorRescan
}

type backend struct {
	name    string
	p       *config.Printer
	dir     *spool.Dir
	lastUse time.Time
}

// pickBackend returns the least recently used backend that accepts jobs and
// is not already working, or nil when none is free.
func (q *Queue) pickBackend(ctl *spool.QueueControl) (*backend, error) {
	var free []*backend
	for _, name := range q.p.Servers {
		d, p, err := q.spools.Open(name)
		if err != nil {
			return nil, err
		}
		bctl, err := d.LoadControl()
		if err != nil {
			return nil, err
		}
		if bctl.SpoolingDisabled || bctl.PrintingDisabled || bctl.Aborted {
			continue
		}
		if pid := d.ServerPID(); pid > 0 && lockfile.ProcessAlive(pid) {
			continue
		}
		if jobs, _, err := d.Scan(); err == nil && hasWork(jobs, q.clock.Now()) {
			continue
		}
		var last time.Time
		for _, s := range ctl.Servers {
			if s.Name == name {
				last = s.DoneTime
			}
		}
		free = append(free, &backend{name: name, p: p, dir: d, lastUse: last})
	}
	if len(free) == 0 {
		return nil, nil
	}
	sort.SliceStable(free, func(a, b int) bool { return free[a].lastUse.Before(free[b].lastUse) })
	return free[0], nil
}

func hasWork(jobs []*job.Job, now time.Time) bool {
	for _, j := range jobs {
		switch jobstate.Derive(j, now) {
		case jobstate.Pending, jobstate.Printing:
			return true
		}
	}
	return false
}

func (q *Queue) notify(j *job.Job, state jobstate.State, dest string) {
	if q.notifier != nil {
		q.notifier.OnJobStatusChanged(q.printer, j, state, dest)
	}
}
