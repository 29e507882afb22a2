// Package spool owns the on-disk layout of one queue's spool directory:
// job number allocation, the queue lock, the queue control file and job scans.
package spool

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lockfile"
)

const (
	filePerm = 0o600
	dirPerm  = 0o700
)

// Options tune a spool directory.
type Options struct {
	LongNumber bool
	MaxWraps   int
	Clock      clock.PassiveClock
}

// Dir is one queue's spool directory.
type Dir struct {
	Path     string
	Printer  string
	Digits   int
	maxWraps int
	clock    clock.PassiveClock
	log      *log.Entry
}

// Open creates the directory if needed.
func Open(path, printer string, opts Options) (*Dir, error) {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "create spool directory %s", path)
	}
	if opts.MaxWraps <= 0 {
		opts.MaxWraps = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Dir{
		Path:     path,
		Printer:  printer,
		Digits:   job.NumberDigits(opts.LongNumber),
		maxWraps: opts.MaxWraps,
		clock:    opts.Clock,
		log:      log.WithField("printer", printer),
	}, nil
}

func (d *Dir) File(name string) string { return filepath.Join(d.Path, name) }

func (d *Dir) Clock() clock.PassiveClock { return d.clock }

// FreeBytes reports the space available to unprivileged writers.
func (d *Dir) FreeBytes() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", d.Path)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// RemoveJobFiles unlinks every file of j. Missing files are not an error.
func (d *Dir) RemoveJobFiles(j *job.Job) error {
	var result *multierror.Error
	remove := func(path string) {
		if path == "" {
			return
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	for _, df := range j.DataFiles {
		remove(df.Path)
	}
	remove(j.ControlPath)
	remove(j.HoldPath)
	return result.ErrorOrNil()
}

// removeNumberFiles unlinks any cf/df file for the given job number. Used for abandoned slots.
func (d *Dir) removeNumberFiles(number int) error {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return errors.WithStack(err)
	}
	var result *multierror.Error
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cf") && !strings.HasPrefix(name, "df") {
			continue
		}
		n, err := job.ParseName(name)
		if err != nil || n.Number != number {
			continue
		}
		if err := os.Remove(d.File(name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// lockAttempts bounds how often openLocked reopens a path whose file was
// unlinked between open and lock.
const lockAttempts = 8

// openLocked opens (creating) a file and takes its lock without blocking. A
// lock won on a file that was unlinked or replaced meanwhile is dropped and
// the path opened again.
func openLocked(path string) (*lockfile.File, bool, error) {
	for i := 0; i < lockAttempts; i++ {
		l, err := lockfile.Open(path, true, filePerm)
		if err != nil {
			return nil, false, err
		}
		l, ok, err := lockOpened(l, false)
		if os.IsNotExist(errors.Cause(err)) {
			continue
		}
		return l, ok, err
	}
	return nil, false, nil
}

// lockExisting locks a file that must already exist. See lockOpened.
func lockExisting(path string, wait bool) (*lockfile.File, bool, error) {
	l, err := lockfile.Open(path, false, 0)
	if err != nil {
		return nil, false, err
	}
	return lockOpened(l, wait)
}

// lockOpened locks l, blocking when wait is set; otherwise ok is false while
// another holder has it. The lock only counts when the path still names the
// opened file afterwards. If not, l is closed and the error's cause is
// os.ErrNotExist. l is closed whenever ok is false.
func lockOpened(l *lockfile.File, wait bool) (*lockfile.File, bool, error) {
	var err error
	if wait {
		err = l.Lock()
	} else {
		var ok bool
		if ok, err = l.TryLock(); err == nil && !ok {
			_ = l.Close()
			return nil, false, nil
		}
	}
	if err != nil {
		_ = l.Close()
		return nil, false, err
	}
	linked, err := l.Linked()
	if err != nil {
		_ = l.Close()
		return nil, false, err
	}
	if !linked {
		_ = l.Close()
		return nil, false, errors.Wrapf(os.ErrNotExist, "%s was removed before it was locked", l.Path())
	}
	return l, true, nil
}
