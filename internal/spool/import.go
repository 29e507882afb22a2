package spool

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/job"
)

// Import copies a complete job from another spool directory into this one
// under a freshly allocated number. Data files are hard linked when both
// directories share a filesystem. The new job starts pending with the given
// destinations.
func (d *Dir) Import(src *job.Job, routes []job.Destination, hold bool) (*job.Job, error) {
	slot, err := d.Allocate(src.Number())
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = slot.Discard()
		}
	}()

	j := *src
	j.Extra = append([]job.Line(nil), src.Extra...)
	j.Name = src.Name.Renumber(slot.Number, d.Digits)
	j.Queue = d.Printer
	j.DataFiles = make([]*job.DataFile, 0, len(src.DataFiles))
	for _, sdf := range src.DataFiles {
		df := *sdf
		n, err := job.ParseName(sdf.TransferName)
		if err != nil {
			return nil, err
		}
		df.TransferName = n.Renumber(slot.Number, d.Digits).String()
		df.Path = d.File(df.TransferName)
		if err := linkOrCopy(sdf.Path, df.Path); err != nil {
			return nil, err
		}
		j.DataFiles = append(j.DataFiles, &df)
	}
	j.ControlPath = d.File(j.Name.String())
	if err := writeAtomic(j.ControlPath, j.ControlBytes()); err != nil {
		return nil, err
	}

	now := d.clock.Now()
	h := slot.Hold
	*h = job.HoldInfo{
		ControlName:  j.Name.String(),
		ReceivedTime: now,
		Destinations: append([]job.Destination(nil), routes...),
	}
	if hold {
		h.HoldTime = now
	}
	if err := slot.Save(); err != nil {
		return nil, err
	}
	j.HoldPath = slot.HoldPath()
	j.Hold = *h
	committed = true
	return &j, slot.Release()
}

func linkOrCopy(from, to string) error {
	if err := os.Link(from, to); err == nil {
		return nil
	}
	in, err := os.Open(from)
	if err != nil {
		return errors.WithStack(err)
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", from)
	}
	return errors.WithStack(out.Close())
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}
