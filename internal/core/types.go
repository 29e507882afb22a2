package core

import (
	"time"
)

// StatusNotifier receives device status transitions.
type StatusNotifier interface {
	OnDeviceStatusChanged(printer, device, previous, current, errText string)
}

// Kicker wakes a queue's scheduler.
type Kicker interface {
	Kick(printer string) error
}

const (
	DeviceUnknown = "unknown"
	DeviceOnline  = "online"
	DeviceOffline = "offline"
	DeviceRemote  = "remote"
)

type DeviceStatus struct {
	Printer     string    `json:"printer"`
	Device      string    `json:"device"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// JobStatus is one line of a queue listing.
type JobStatus struct {
	Rank         string              `json:"rank"`
	ID           string              `json:"id"`
	Number       int                 `json:"number"`
	Priority     string              `json:"priority"`
	Owner        string              `json:"owner"`
	Host         string              `json:"host"`
	Class        string              `json:"class,omitempty"`
	JobName      string              `json:"job_name,omitempty"`
	Files        []string            `json:"files"`
	Size         int64               `json:"size"`
	State        string              `json:"state"`
	Attempt      int                 `json:"attempt,omitempty"`
	Error        string              `json:"error,omitempty"`
	Server       int                 `json:"server,omitempty"`
	ReceivedTime time.Time           `json:"received_time"`
	Destinations []DestinationStatus `json:"destinations,omitempty"`
}

type DestinationStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Copies   int    `json:"copies"`
	CopyDone int    `json:"copy_done"`
	Error    string `json:"error,omitempty"`
}

// QueueStatus is the state of one queue as shown to operators.
type QueueStatus struct {
	Printer         string       `json:"printer"`
	PrintingEnabled bool         `json:"printing_enabled"`
	SpoolingEnabled bool         `json:"spooling_enabled"`
	Aborted         bool         `json:"aborted"`
	HoldAll         bool         `json:"hold_all"`
	Redirect        string       `json:"redirect,omitempty"`
	Class           string       `json:"class,omitempty"`
	Message         string       `json:"message,omitempty"`
	SchedulerPID    int          `json:"scheduler_pid,omitempty"`
	ServerPID       int          `json:"server_pid,omitempty"`
	Jobs            []*JobStatus `json:"jobs"`
	Stats           QueueStats   `json:"stats"`
}

type QueueStats struct {
	Pending   int `json:"pending"`
	Printing  int `json:"printing"`
	Held      int `json:"held"`
	RetryWait int `json:"retry_wait"`
	Done      int `json:"done"`
	Removed   int `json:"removed"`
	Aborted   int `json:"aborted"`
	Total     int `json:"total"`
}
