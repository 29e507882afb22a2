package jobstate

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/job"
)

// ExhaustedFunc decides what happens to a job that used up its retries.
type ExhaustedFunc func(j *job.Job, code Code) Action

// Policy is the per-queue retry and retention configuration.
type Policy struct {
	// MaxRetries bounds failed attempts; zero or less retries forever.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	SaveWhenDone  bool
	SaveOnError   bool
	StopOnAbort   bool
	Exhausted     ExhaustedFunc
}

// Outcome is what the caller must do after Apply mutated the hold info.
type Outcome struct {
	State State
	// Notify is set exactly once per job, on the transition into a terminal state
	// or when the job stops the queue.
	Notify bool
	// DeleteFiles asks the caller to unlink the job.
	DeleteFiles bool
	// StopQueue asks the caller to set the queue-wide aborted flag.
	StopQueue bool
}

// Machine applies subserver exit codes to job records.
type Machine struct {
	policy Policy
	clock  clock.PassiveClock
}

func NewMachine(policy Policy, clk clock.PassiveClock) *Machine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Machine{policy: policy, clock: clk}
}

func (m *Machine) Policy() Policy { return m.policy }

// Apply records the result of one attempt at destination dest (-1 for the job
// itself). The caller holds the job lock and persists j.Hold afterwards.
// Applying a code to a job already done or removed changes nothing.
func (m *Machine) Apply(j *job.Job, dest int, code Code, errText string) Outcome {
	now := m.clock.Now()
	if dest >= len(j.Hold.Destinations) {
		dest = -1
	}
	if st := Derive(j, now); st.Terminal() {
		return Outcome{State: st}
	}
	p := j.ProgressFor(dest)
	if dest >= 0 {
		if st := DeriveProgress(p, now); st.Terminal() {
			return Outcome{State: st}
		}
	}
	p.Server = 0

	switch code {
	case Success:
		return m.succeed(j, dest, now)
	case Hold:
		p.Error = errText
		p.HoldTime = now
		return Outcome{State: Held}
	case Remove:
		p.Error = errText
		return m.remove(j, dest, now)
	case FailNoRetry:
		p.Error = errText
		p.Attempt++
		return m.exhausted(j, dest, code, now)
	case Abort:
		p.Error = errText
		p.Attempt++
		if m.policy.StopOnAbort {
			return Outcome{State: Aborted, Notify: true, StopQueue: true}
		}
		return m.retry(j, dest, code, now)
	default:
		// Fail, Signal, Timeout and anything unclassified.
		p.Error = errText
		p.Attempt++
		return m.retry(j, dest, code, now)
	}
}

func (m *Machine) retry(j *job.Job, dest int, code Code, now time.Time) Outcome {
	p := j.ProgressFor(dest)
	if m.policy.MaxRetries > 0 && p.Attempt > m.policy.MaxRetries {
		return m.exhausted(j, dest, code, now)
	}
	return m.rearm(p, now)
}

func (m *Machine) rearm(p *job.Progress, now time.Time) Outcome {
	delay := Backoff(m.policy.RetryDelay, m.policy.MaxRetryDelay, p.Attempt)
	if delay <= 0 {
		p.RetryTime = time.Time{}
		return Outcome{State: Pending}
	}
	p.RetryTime = now.Add(delay)
	return Outcome{State: RetryWait}
}

func (m *Machine) exhausted(j *job.Job, dest int, code Code, now time.Time) Outcome {
	action := ActionRemove
	if m.policy.Exhausted != nil {
		action = m.policy.Exhausted(j, code)
	}
	p := j.ProgressFor(dest)
	switch action {
	case ActionSuccess:
		return m.succeed(j, dest, now)
	case ActionRetry:
		return m.rearm(p, now)
	case ActionHold:
		p.HoldTime = now
		return Outcome{State: Held, Notify: true}
	case ActionAbort:
		if m.policy.StopOnAbort {
			return Outcome{State: Aborted, Notify: true, StopQueue: true}
		}
		return m.remove(j, dest, now)
	default:
		return m.remove(j, dest, now)
	}
}

func (m *Machine) succeed(j *job.Job, dest int, now time.Time) Outcome {
	if dest >= 0 {
		d := &j.Hold.Destinations[dest]
		d.CopyDone++
		d.RetryTime = time.Time{}
		if d.CopyDone < max(d.Copies, 1) {
			return Outcome{State: Pending}
		}
		d.DoneTime = now
		return m.settle(j, now)
	}
	j.Hold.RetryTime = time.Time{}
	j.Hold.DoneTime = now
	return Outcome{State: Done, Notify: true, DeleteFiles: !m.policy.SaveWhenDone}
}

func (m *Machine) remove(j *job.Job, dest int, now time.Time) Outcome {
	if dest >= 0 {
		j.Hold.Destinations[dest].RemoveTime = now
		return m.settle(j, now)
	}
	j.Hold.RemoveTime = now
	return Outcome{State: Removed, Notify: true, DeleteFiles: !m.policy.SaveOnError}
}

// settle finishes the job once every destination resolved.
func (m *Machine) settle(j *job.Job, now time.Time) Outcome {
	failed := ""
	for _, d := range j.Hold.Destinations {
		if d.DoneTime.IsZero() && d.RemoveTime.IsZero() {
			return Outcome{State: Pending}
		}
		if !d.RemoveTime.IsZero() && failed == "" {
			failed = d.Name + ": " + d.Error
		}
	}
	if failed != "" {
		j.Hold.Error = failed
		j.Hold.RemoveTime = now
		return Outcome{State: Removed, Notify: true, DeleteFiles: !m.policy.SaveOnError}
	}
	j.Hold.DoneTime = now
	return Outcome{State: Done, Notify: true, DeleteFiles: !m.policy.SaveWhenDone}
}

// Backoff is min(base * 2^(attempt-1), limit). A zero limit means uncapped.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
		if d <= 0 {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Derive computes the state of a job from its persisted hold info.
func Derive(j *job.Job, now time.Time) State {
	h := &j.Hold
	switch {
	case !h.RemoveTime.IsZero():
		return Removed
	case !h.DoneTime.IsZero():
		return Done
	case !h.HoldTime.IsZero():
		return Held
	case h.Server > 0:
		return Printing
	}
	if len(h.Destinations) == 0 {
		if h.RetryTime.After(now) {
			return RetryWait
		}
		return Pending
	}
	state := Done
	for i := range h.Destinations {
		switch s := DeriveProgress(&h.Destinations[i].Progress, now); s {
		case Printing:
			return Printing
		case Pending:
			state = Pending
		case RetryWait, Held:
			if state != Pending {
				state = s
			}
		}
	}
	return state
}

// DeriveProgress is Derive for a single destination.
func DeriveProgress(p *job.Progress, now time.Time) State {
	switch {
	case !p.RemoveTime.IsZero():
		return Removed
	case !p.DoneTime.IsZero():
		return Done
	case !p.HoldTime.IsZero():
		return Held
	case p.Server > 0:
		return Printing
	case p.RetryTime.After(now):
		return RetryWait
	}
	return Pending
}

// NextDestination returns the first destination that may be dispatched now, or -1.
func NextDestination(j *job.Job, now time.Time) int {
	for i := range j.Hold.Destinations {
		if DeriveProgress(&j.Hold.Destinations[i].Progress, now) == Pending {
			return i
		}
	}
	return -1
}
