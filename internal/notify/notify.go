// Package notify fans job and device events out to the configured sinks:
// job history, signed webhooks, NATS and mail.
package notify

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
)

type EventType string

const (
	EventJobArrived          EventType = "job_arrived"
	EventJobStarted          EventType = "job_started"
	EventJobCompleted        EventType = "job_completed"
	EventJobFailed           EventType = "job_failed"
	EventJobRetry            EventType = "job_retry"
	EventJobHeld             EventType = "job_held"
	EventJobRemoved          EventType = "job_removed"
	EventJobRequeued         EventType = "job_requeued"
	EventQueueAborted        EventType = "queue_aborted"
	EventDeviceStatusChanged EventType = "device_status_changed"
)

// Terminal reports whether the event ends the job's life in the queue.
func (t EventType) Terminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobRemoved
}

// Event is the payload every sink receives.
type Event struct {
	Type        EventType `json:"event"`
	Printer     string    `json:"printer"`
	JobID       string    `json:"job_id,omitempty"`
	Number      int       `json:"number,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	Host        string    `json:"host,omitempty"`
	JobName     string    `json:"job_name,omitempty"`
	State       string    `json:"state,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Device      string    `json:"device,omitempty"`
	Previous    string    `json:"previous,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// MailTo is the job's M line; only the mail sink reads it.
	MailTo string `json:"-"`
}

// Sink delivers events somewhere. Deliver must not block for long; slow
// transports queue internally.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Notifier is the OnJobArrived / OnJobStatusChanged hook set. A nil
// Notifier drops everything.
type Notifier struct {
	sinks []Sink
	clock clock.PassiveClock
	log   *log.Entry
}

func New(clk clock.PassiveClock, sinks ...Sink) *Notifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Notifier{sinks: sinks, clock: clk, log: log.WithField("component", "notify")}
}

func (n *Notifier) Add(s Sink) {
	n.sinks = append(n.sinks, s)
}

// Publish hands e to every sink and returns the combined delivery errors.
func (n *Notifier) Publish(ctx context.Context, e Event) error {
	if n == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = n.clock.Now()
	}
	var result *multierror.Error
	for _, s := range n.sinks {
		if err := s.Deliver(ctx, e); err != nil {
			n.log.WithError(err).WithField("sink", s.Name()).Warnf("cannot deliver %s", e.Type)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// OnJobArrived is called once a received job is committed to the queue.
func (n *Notifier) OnJobArrived(printer string, j *job.Job) {
	if n == nil {
		return
	}
	e := n.jobEvent(EventJobArrived, printer, j)
	e.State = string(jobstate.Pending)
	_ = n.Publish(context.Background(), e)
}

// OnJobStatusChanged is called after every state machine transition. dest
// names the destination involved, empty for the job itself.
func (n *Notifier) OnJobStatusChanged(printer string, j *job.Job, state jobstate.State, dest string) {
	if n == nil {
		return
	}
	e := n.jobEvent(eventForState(state, j.Hold.Error), printer, j)
	e.State = string(state)
	e.Destination = dest
	_ = n.Publish(context.Background(), e)
}

// OnDeviceStatusChanged reports an output device going online or offline.
func (n *Notifier) OnDeviceStatusChanged(printer, device, previous, current, errText string) {
	if n == nil {
		return
	}
	_ = n.Publish(context.Background(), Event{
		Type:     EventDeviceStatusChanged,
		Printer:  printer,
		Device:   device,
		Previous: previous,
		State:    current,
		Error:    errText,
	})
}

func (n *Notifier) jobEvent(t EventType, printer string, j *job.Job) Event {
	return Event{
		Type:      t,
		Printer:   printer,
		JobID:     j.ID(),
		Number:    j.Number(),
		Owner:     j.Owner(),
		Host:      j.Host,
		JobName:   j.JobName,
		Attempt:   j.Hold.Attempt,
		Size:      j.TotalSize(),
		Error:     j.Hold.Error,
		MailTo:    j.MailTo,
		Timestamp: n.clock.Now(),
	}
}

func eventForState(s jobstate.State, errText string) EventType {
	switch s {
	case jobstate.Printing:
		return EventJobStarted
	case jobstate.Done:
		return EventJobCompleted
	case jobstate.Removed:
		if errText != "" {
			return EventJobFailed
		}
		return EventJobRemoved
	case jobstate.Held:
		return EventJobHeld
	case jobstate.RetryWait:
		return EventJobRetry
	case jobstate.Aborted:
		return EventQueueAborted
	default:
		return EventJobRequeued
	}
}
