package db

import (
	"time"
)

// HistoryEntry is one recorded job event.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	Printer     string    `json:"printer"`
	JobID       string    `json:"job_id"`
	Number      int       `json:"number"`
	Owner       string    `json:"owner"`
	Host        string    `json:"host"`
	JobName     string    `json:"job_name"`
	Event       string    `json:"event"`
	State       string    `json:"state"`
	Attempt     int       `json:"attempt"`
	Size        int64     `json:"size"`
	Destination string    `json:"destination,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type PrintCounter struct {
	ID      int64     `json:"id"`
	Printer string    `json:"printer"`
	Date    time.Time `json:"date"`
	Count   int64     `json:"count"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Printer   string    `json:"printer"`
	JobID     string    `json:"job_id,omitempty"`
	Actor     string    `json:"actor"`
	Details   string    `json:"details,omitempty"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
}

type ArchiveJob struct {
	ID          int64     `json:"id"`
	HistoryID   int64     `json:"history_id"`
	ArchiveFile string    `json:"archive_file"`
	ArchivedAt  time.Time `json:"archived_at"`
}

type HistoryFilter struct {
	Printer  string
	JobID    string
	Event    string
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

type AuditFilter struct {
	Action  string
	Printer string
}
