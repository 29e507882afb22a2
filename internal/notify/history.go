package notify

import (
	"context"

	"github.com/orrn/spoold/internal/db"
)

// HistorySink records every job event in the database and counts completed
// jobs per printer and day.
type HistorySink struct{}

func (HistorySink) Name() string { return "history" }

func (HistorySink) Deliver(ctx context.Context, e Event) error {
	if e.Type == EventDeviceStatusChanged {
		return nil
	}
	entry := &db.HistoryEntry{
		Printer:     e.Printer,
		JobID:       e.JobID,
		Number:      e.Number,
		Owner:       e.Owner,
		Host:        e.Host,
		JobName:     e.JobName,
		Event:       string(e.Type),
		State:       e.State,
		Attempt:     e.Attempt,
		Size:        e.Size,
		Destination: e.Destination,
		Error:       e.Error,
		CreatedAt:   e.Timestamp,
	}
	if err := db.History.Record(ctx, entry); err != nil {
		return err
	}
	if e.Type == EventJobCompleted && e.Destination == "" {
		return db.Counters.IncrementDailyCounter(ctx, e.Printer, e.Timestamp)
	}
	return nil
}
