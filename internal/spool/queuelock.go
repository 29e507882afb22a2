package spool

import (
	"os"

	"github.com/orrn/spoold/internal/lockfile"
)

const (
	queueLockPrefix  = "lock."
	serverPIDPrefix  = "unspooler."
	queueStatePrefix = "control."
	statusLogPrefix  = "status."
)

func (d *Dir) QueueLockPath() string   { return d.File(queueLockPrefix + d.Printer) }
func (d *Dir) ServerPIDPath() string   { return d.File(serverPIDPrefix + d.Printer) }
func (d *Dir) ControlFilePath() string { return d.File(queueStatePrefix + d.Printer) }
func (d *Dir) StatusLogPath() string   { return d.File(statusLogPrefix + d.Printer) }

// AcquireQueueLock tries to become the queue's scheduler. On success the lock
// file records this process id and the returned lock must be closed to release
// it. When another holder has it, lock is nil and owner is the pid it recorded.
func (d *Dir) AcquireQueueLock() (lock *lockfile.File, owner int, err error) {
	l, err := lockfile.Open(d.QueueLockPath(), true, filePerm)
	if err != nil {
		return nil, 0, err
	}
	ok, err := l.TryLock()
	if err != nil {
		_ = l.Close()
		return nil, 0, err
	}
	if !ok {
		owner, _ = l.ReadPID()
		_ = l.Close()
		return nil, owner, nil
	}
	if err := l.WritePID(os.Getpid()); err != nil {
		_ = l.Close()
		return nil, 0, err
	}
	return l, 0, nil
}

// QueueLockOwner returns the pid recorded in the queue lock when the lock is
// currently held, or 0.
func (d *Dir) QueueLockOwner() int {
	l, err := lockfile.Open(d.QueueLockPath(), false, 0)
	if err != nil {
		return 0
	}
	defer l.Close()
	ok, err := l.TryLock()
	if err != nil || ok {
		return 0
	}
	pid, _ := l.ReadPID()
	return pid
}

// WriteServerPID records the process currently printing from this queue. Zero clears it.
func (d *Dir) WriteServerPID(pid int) error {
	if pid == 0 {
		if err := os.Remove(d.ServerPIDPath()); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	l, err := lockfile.Open(d.ServerPIDPath(), true, filePerm)
	if err != nil {
		return err
	}
	defer l.Close()
	return l.WritePID(pid)
}

// ServerPID returns the recorded active subserver pid, or 0.
func (d *Dir) ServerPID() int {
	pid, err := lockfile.ReadPID(d.ServerPIDPath())
	if err != nil {
		return 0
	}
	return pid
}
