package spool

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/orrn/spoold/internal/lockfile"
)

// ServerState is the per-backend bookkeeping of a load balancing queue.
type ServerState struct {
	Name     string    `yaml:"name"`
	DoneTime time.Time `yaml:"done_time,omitempty"`
}

// QueueControl is the operator-visible state of a queue, persisted next to its jobs.
type QueueControl struct {
	PrintingDisabled bool          `yaml:"printing_disabled,omitempty"`
	SpoolingDisabled bool          `yaml:"spooling_disabled,omitempty"`
	Aborted          bool          `yaml:"aborted,omitempty"`
	HoldAll          bool          `yaml:"hold_all,omitempty"`
	Redirect         string        `yaml:"redirect,omitempty"`
	Class            string        `yaml:"class,omitempty"`
	Message          string        `yaml:"message,omitempty"`
	Servers          []ServerState `yaml:"servers,omitempty"`
}

// Server returns the state recorded for a backend, adding it when missing.
func (c *QueueControl) Server(name string) *ServerState {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	c.Servers = append(c.Servers, ServerState{Name: name})
	return &c.Servers[len(c.Servers)-1]
}

// LoadControl reads the queue control file. A missing file is the default state.
func (d *Dir) LoadControl() (QueueControl, error) {
	var c QueueControl
	l, err := lockfile.Open(d.ControlFilePath(), true, filePerm)
	if err != nil {
		return c, err
	}
	defer l.Close()
	if err := l.Lock(); err != nil {
		return c, err
	}
	return readControl(l)
}

// UpdateControl applies fn to the queue control state under the control file lock.
func (d *Dir) UpdateControl(fn func(*QueueControl) error) (QueueControl, error) {
	l, err := lockfile.Open(d.ControlFilePath(), true, filePerm)
	if err != nil {
		return QueueControl{}, err
	}
	defer l.Close()
	if err := l.Lock(); err != nil {
		return QueueControl{}, err
	}
	c, err := readControl(l)
	if err != nil {
		return c, err
	}
	if err := fn(&c); err != nil {
		return c, err
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return c, errors.Wrap(err, "encode queue control")
	}
	return c, l.Rewrite(data)
}

func readControl(l *lockfile.File) (QueueControl, error) {
	var c QueueControl
	data, err := l.ReadAll()
	if err != nil || len(data) == 0 {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return QueueControl{}, errors.Wrapf(err, "decode %s", l.Path())
	}
	return c, nil
}
