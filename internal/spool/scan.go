package spool

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lockfile"
)

var (
	// ErrNotReady marks a slot whose transfer has not completed.
	ErrNotReady = errors.New("job transfer in progress")
	// ErrMissingDataFile marks a job whose control file references an absent data file.
	ErrMissingDataFile = errors.New("data file missing")
)

// Broken is a job that cannot be printed and should be removed.
type Broken struct {
	HoldPath string
	Job      *job.Job
	Err      error
}

// LoadJob reads the job owning the given hold file.
func (d *Dir) LoadJob(holdName string) (*job.Job, error) {
	holdPath := d.File(holdName)
	data, err := os.ReadFile(holdPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	h, err := job.ParseHold(data)
	if err != nil {
		return nil, err
	}
	if h.ControlName == "" {
		return nil, ErrNotReady
	}
	name, err := job.ParseName(h.ControlName)
	if err != nil {
		return nil, err
	}
	controlPath := d.File(h.ControlName)
	cf, err := os.ReadFile(controlPath)
	if err != nil {
		return nil, errors.Wrapf(ErrMissingDataFile, "control file %s: %v", h.ControlName, err)
	}
	j, err := job.ParseControl(cf)
	if err != nil {
		return nil, err
	}
	j.Name = name
	j.ControlPath = controlPath
	j.HoldPath = holdPath
	j.Hold = h
	for _, df := range j.DataFiles {
		df.Path = d.File(df.TransferName)
		st, err := os.Stat(df.Path)
		if err != nil {
			return j, errors.Wrapf(ErrMissingDataFile, "%s", df.TransferName)
		}
		df.Size = st.Size()
	}
	return j, nil
}

// Scan loads every complete job, sorted by priority. Jobs whose files are
// inconsistent are returned separately; slots still being received are skipped.
func (d *Dir) Scan() ([]*job.Job, []Broken, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "scan %s", d.Path)
	}
	var (
		jobs   []*job.Job
		broken []Broken
	)
	for _, e := range entries {
		if !isHoldFile(e.Name()) {
			continue
		}
		j, err := d.LoadJob(e.Name())
		switch {
		case err == nil:
			jobs = append(jobs, j)
		case errors.Is(err, ErrNotReady), os.IsNotExist(errors.Cause(err)):
		case errors.Is(err, ErrMissingDataFile), errors.Is(err, job.ErrMalformedControl), errors.Is(err, job.ErrBadName):
			broken = append(broken, Broken{HoldPath: d.File(e.Name()), Job: j, Err: err})
		default:
			d.log.WithError(err).Debugf("skipping %s", e.Name())
		}
	}
	job.SortByPriority(jobs)
	return jobs, broken, nil
}

// RemoveBroken deletes a broken job unless someone holds its slot.
func (d *Dir) RemoveBroken(b Broken) error {
	l, ok, err := lockExisting(b.HoldPath, false)
	if err != nil || !ok {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	defer l.Close()
	if b.Job != nil {
		return d.RemoveJobFiles(b.Job)
	}
	data, _ := l.ReadAll()
	h, _ := job.ParseHold(data)
	if h.ControlName != "" {
		if n, err := job.ParseName(h.ControlName); err == nil {
			_ = d.removeNumberFiles(n.Number)
		}
	}
	return errors.WithStack(os.Remove(b.HoldPath))
}

// PurgeAbandoned removes slots whose receiver died mid transfer and whose
// hold file is older than maxAge. It returns the number of slots removed.
func (d *Dir) PurgeAbandoned(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	now := d.clock.Now()
	self := os.Getpid()
	purged := 0
	for _, e := range entries {
		if !isHoldFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		l, ok, err := lockExisting(d.File(e.Name()), false)
		if err != nil || !ok {
			continue
		}
		data, _ := l.ReadAll()
		h, perr := job.ParseHold(data)
		abandoned := perr == nil && h.ControlName == "" &&
			(h.Receiver == self || !lockfile.ProcessAlive(h.Receiver))
		if abandoned {
			if n, ok := holdNumber(e.Name()); ok {
				_ = d.removeNumberFiles(n)
			}
			if err := os.Remove(l.Path()); err == nil {
				purged++
				d.log.Infof("removed abandoned job slot %s", e.Name())
			}
		}
		_ = l.Close()
	}
	return purged, nil
}

// Numbers lists the job numbers that currently own a hold file, ascending.
func (d *Dir) Numbers() ([]int, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var out []int
	for _, e := range entries {
		if n, ok := holdNumber(e.Name()); ok {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

func isHoldFile(name string) bool {
	_, ok := holdNumber(name)
	return ok
}

func holdNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "hf") || len(name) < 5 {
		return 0, false
	}
	n := 0
	for _, c := range name[2:] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
