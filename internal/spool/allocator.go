package spool

import (
	"os"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lockfile"
)

// ErrQueueFull is returned when every job number is taken after the allowed wraps.
var ErrQueueFull = errors.New("queue full: no free job number")

// Slot is a locked hold file. While the slot is held nobody else may mutate
// the job's hold info or claim its number.
type Slot struct {
	Number int
	Digits int
	Hold   *job.HoldInfo
	lock   *lockfile.File
	dir    *Dir
}

func (s *Slot) HoldPath() string { return s.lock.Path() }

// Save persists the hold info.
func (s *Slot) Save() error {
	data, err := s.Hold.Marshal()
	if err != nil {
		return err
	}
	return errors.Wrapf(s.lock.Rewrite(data), "write %s", s.lock.Path())
}

// Release drops the lock; the hold file stays.
func (s *Slot) Release() error {
	return s.lock.Close()
}

// Discard removes the hold file and every cf/df file of the number, then releases.
func (s *Slot) Discard() error {
	err := s.dir.removeNumberFiles(s.Number)
	if rmErr := os.Remove(s.lock.Path()); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = errors.WithStack(rmErr)
	}
	if cerr := s.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

// Allocate claims the smallest free job number >= start. A number is free when
// its hold file can be locked, no live receiver other than this process is
// recorded in it, and no complete job owns it. On success the slot is locked
// and its receiver field holds this process id.
func (d *Dir) Allocate(start int) (*Slot, error) {
	limit := job.NumberLimit(d.Digits)
	if start < 0 {
		start = 0
	}
	n := start % limit
	wraps := 0
	self := os.Getpid()
	for {
		slot, ok, err := d.claim(n, self)
		if err != nil {
			return nil, err
		}
		if ok {
			return slot, nil
		}
		n++
		if n >= limit {
			n = 0
			wraps++
			if wraps > d.maxWraps {
				return nil, ErrQueueFull
			}
		}
	}
}

func (d *Dir) claim(number, self int) (*Slot, bool, error) {
	l, ok, err := openLocked(d.File(job.HoldFileName(number, d.Digits)))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	data, err := l.ReadAll()
	if err != nil {
		_ = l.Close()
		return nil, false, err
	}
	prev, parseErr := job.ParseHold(data)
	if d.numberInUse(prev, parseErr, self) {
		_ = l.Close()
		return nil, false, nil
	}
	slot := &Slot{Number: number, Digits: d.Digits, Hold: &job.HoldInfo{Receiver: self}, lock: l, dir: d}
	if err := d.removeNumberFiles(number); err != nil {
		d.log.WithError(err).Warnf("cannot clear abandoned files of job %d", number)
	}
	if err := slot.Save(); err != nil {
		_ = l.Close()
		return nil, false, err
	}
	return slot, true, nil
}

func (d *Dir) numberInUse(prev job.HoldInfo, parseErr error, self int) bool {
	if parseErr != nil {
		// Unreadable hold info: only trust it as free when no control file exists.
		return d.anyControlFor(prev.ControlName)
	}
	if prev.Receiver > 0 && prev.Receiver != self && lockfile.ProcessAlive(prev.Receiver) {
		return true
	}
	return prev.ControlName != "" && d.anyControlFor(prev.ControlName)
}

func (d *Dir) anyControlFor(name string) bool {
	if name == "" {
		return false
	}
	_, err := os.Stat(d.File(name))
	return err == nil
}

// LockJob takes the lock on j's hold file without blocking and reloads its
// hold info into j. ok is false when another holder has it.
func (d *Dir) LockJob(j *job.Job) (*Slot, bool, error) {
	l, ok, err := lockExisting(j.HoldPath, false)
	if err != nil || !ok {
		return nil, false, err
	}
	slot, err := d.slotFor(j, l)
	if err != nil {
		return nil, false, err
	}
	return slot, true, nil
}

// LockJobWait is LockJob but blocks until the lock is granted.
func (d *Dir) LockJobWait(j *job.Job) (*Slot, error) {
	l, _, err := lockExisting(j.HoldPath, true)
	if err != nil {
		return nil, err
	}
	return d.slotFor(j, l)
}

func (d *Dir) slotFor(j *job.Job, l *lockfile.File) (*Slot, error) {
	data, err := l.ReadAll()
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	h, err := job.ParseHold(data)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	j.Hold = h
	return &Slot{Number: j.Number(), Digits: d.Digits, Hold: &j.Hold, lock: l, dir: d}, nil
}
