// Package job holds the in-memory Job Record and the codecs for its control
// file (submission protocol lines) and hold file (mutable scheduling state).
package job

import (
	"fmt"
	"sort"
	"time"
)

// Line is one capability line of a control file. Key is the leading character.
type Line struct {
	Key   byte
	Value string
}

func (l Line) String() string { return string(l.Key) + l.Value }

// DataFile is one payload of a job.
type DataFile struct {
	// OriginalName is the transfer name the submitter used on the wire.
	OriginalName string
	// TransferName is the name inside this spool directory.
	TransferName string
	// Path is where the bytes are stored.
	Path string
	// SourceName comes from the N line (the file name on the submitting host).
	SourceName string
	Format     byte
	Copies     int
	Size       int64
}

// Progress is the state shared by a job and each of its destinations.
type Progress struct {
	HoldTime   time.Time `yaml:"hold_time,omitempty"`
	DoneTime   time.Time `yaml:"done_time,omitempty"`
	RemoveTime time.Time `yaml:"remove_time,omitempty"`
	RetryTime  time.Time `yaml:"retry_time,omitempty"`
	Attempt    int       `yaml:"attempt,omitempty"`
	Server     int       `yaml:"server,omitempty"`
	Error      string    `yaml:"error,omitempty"`
}

// Destination is one fan-out target of a job.
type Destination struct {
	Progress `yaml:",inline"`
	Name     string `yaml:"name"`
	Copies   int    `yaml:"copies,omitempty"`
	CopyDone int    `yaml:"copy_done,omitempty"`
}

// HoldInfo is the persisted, mutable scheduling metadata of a job.
type HoldInfo struct {
	Progress     `yaml:",inline"`
	ControlName  string        `yaml:"control"`
	ReceivedTime time.Time     `yaml:"received_time,omitempty"`
	PriorityTime time.Time     `yaml:"priority_time,omitempty"`
	Receiver     int           `yaml:"receiver,omitempty"`
	Redirect     string        `yaml:"redirect,omitempty"`
	Destinations []Destination `yaml:"destinations,omitempty"`
}

// Job is the unit of work: parsed control file plus hold info.
type Job struct {
	Name        Name
	ControlPath string
	HoldPath    string

	Host       string // H
	User       string // P
	Identifier string // A
	JobName    string // J
	Class      string // C
	Banner     string // L
	MailTo     string // M
	Title      string // T
	Queue      string // Q
	Date       string // D
	Auth       string // Z, identity established by an authenticated transfer

	// Extra holds passthrough lines with no typed field, in arrival order.
	Extra []Line

	DataFiles []*DataFile
	Hold      HoldInfo
}

func (j *Job) Priority() byte { return j.Name.Seq }
func (j *Job) Number() int    { return j.Name.Number }

// ID is the identifier shown to users and operators.
func (j *Job) ID() string {
	if j.Identifier != "" {
		return j.Identifier
	}
	return fmt.Sprintf("%s@%s+%0*d", j.User, j.Name.Host, j.Name.Digits, j.Name.Number)
}

// TotalSize sums the data file sizes.
func (j *Job) TotalSize() int64 {
	var total int64
	for _, df := range j.DataFiles {
		total += df.Size
	}
	return total
}

// Owner returns the submitting user, falling back to the authenticated identity.
func (j *Job) Owner() string {
	if j.User != "" {
		return j.User
	}
	return j.Auth
}

// ArrivalTime orders jobs of the same priority.
func (j *Job) ArrivalTime() time.Time {
	if !j.Hold.PriorityTime.IsZero() {
		return j.Hold.PriorityTime
	}
	return j.Hold.ReceivedTime
}

// SortByPriority orders jobs by priority letter, then topq/arrival time, then number.
func SortByPriority(jobs []*Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		// topq'd jobs go first regardless of letter.
		pa, pb := !ja.Hold.PriorityTime.IsZero(), !jb.Hold.PriorityTime.IsZero()
		if pa != pb {
			return pa
		}
		if pa && !ja.Hold.PriorityTime.Equal(jb.Hold.PriorityTime) {
			return ja.Hold.PriorityTime.After(jb.Hold.PriorityTime)
		}
		if ja.Priority() != jb.Priority() {
			return ja.Priority() < jb.Priority()
		}
		if !ja.Hold.ReceivedTime.Equal(jb.Hold.ReceivedTime) {
			return ja.Hold.ReceivedTime.Before(jb.Hold.ReceivedTime)
		}
		return ja.Number() < jb.Number()
	})
}

// ActiveDestination returns the index of the destination whose server is pid, or -1.
func (j *Job) ActiveDestination(pid int) int {
	for i := range j.Hold.Destinations {
		if j.Hold.Destinations[i].Server == pid {
			return i
		}
	}
	return -1
}

// ProgressFor returns the progress record for a destination index, or the job's own when idx < 0.
func (j *Job) ProgressFor(idx int) *Progress {
	if idx >= 0 && idx < len(j.Hold.Destinations) {
		return &j.Hold.Destinations[idx].Progress
	}
	return &j.Hold.Progress
}
