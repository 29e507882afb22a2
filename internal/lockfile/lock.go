// Package lockfile wraps flock(2) advisory locks on named files.
//
// Locks are attached to the open file description, so two opens of the same
// path conflict even inside one process. That is what lets the allocator, the
// queue lock and per-job locks exclude both other daemons and other goroutines
// of this daemon, and survive restarts without any in-memory state.
package lockfile

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock callers that need an error value.
var ErrLocked = errors.New("file is locked by another process")

// File is an open file plus the advisory lock state held on it.
type File struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	locked bool
}

// Open opens path read/write. When create is set the file is created with
// perm if it does not exist.
func Open(path string, create bool, perm os.FileMode) (*File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &File{f: f, path: path}, nil
}

// OpenExclusive creates path, failing if it already exists.
func OpenExclusive(path string, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &File{f: f, path: path}, nil
}

func (l *File) Path() string { return l.path }

// File exposes the underlying descriptor for reads and writes.
func (l *File) File() *os.File { return l.f }

// TryLock takes an exclusive lock without blocking. It reports false when
// another open file description holds the lock. Locking twice is a no-op.
func (l *File) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return true, nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		l.locked = true
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return false, nil
	}
	return false, errors.Wrapf(err, "flock %s", l.path)
}

// Lock blocks until the exclusive lock is granted.
func (l *File) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return nil
	}
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == nil {
			l.locked = true
			return nil
		}
		if !errors.Is(err, unix.EINTR) {
			return errors.Wrapf(err, "flock %s", l.path)
		}
	}
}

func (l *File) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return nil
	}
	l.locked = false
	return errors.Wrapf(unix.Flock(int(l.f.Fd()), unix.LOCK_UN), "unlock %s", l.path)
}

// Linked reports whether the path still names the open file. A lock won on a
// file that was unlinked or replaced after it was opened excludes nobody.
func (l *File) Linked() (bool, error) {
	var fst, pst unix.Stat_t
	if err := unix.Fstat(int(l.f.Fd()), &fst); err != nil {
		return false, errors.Wrapf(err, "fstat %s", l.path)
	}
	if err := unix.Stat(l.path, &pst); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", l.path)
	}
	return fst.Dev == pst.Dev && fst.Ino == pst.Ino, nil
}

func (l *File) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Close releases the lock (the kernel drops it with the descriptor) and closes the file.
func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	return l.f.Close()
}

// ReadAll returns the whole file content from offset zero.
func (l *File) ReadAll() ([]byte, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	data, err := io.ReadAll(l.f)
	return data, errors.WithStack(err)
}

// Rewrite truncates the file and replaces its content with data.
func (l *File) Rewrite(data []byte) error {
	if err := l.f.Truncate(0); err != nil {
		return errors.WithStack(err)
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(l.f.Sync())
}

// ReadPID parses the first line of the file as a process id. An empty file yields 0.
func (l *File) ReadPID() (int, error) {
	data, err := l.ReadAll()
	if err != nil {
		return 0, err
	}
	line := bytes.TrimSpace(data)
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = bytes.TrimSpace(line[:i])
	}
	if len(line) == 0 {
		return 0, nil
	}
	pid, err := strconv.Atoi(string(line))
	if err != nil {
		return 0, errors.Wrapf(err, "bad pid in %s", l.path)
	}
	return pid, nil
}

func (l *File) WritePID(pid int) error {
	return l.Rewrite([]byte(strconv.Itoa(pid) + "\n"))
}

// ReadPID reads the owner pid recorded in path without locking it.
func ReadPID(path string) (int, error) {
	l, err := Open(path, false, 0)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.ReadPID()
}

// ProcessAlive reports whether pid names a running process. EPERM means the
// process exists but belongs to another user.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal delivers sig to pid.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}
	return errors.WithStack(unix.Kill(pid, sig))
}
