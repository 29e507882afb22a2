package logging

import (
	"bytes"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StatusHook appends every record to a queue's status file. When the file
// grows past MaxSize it is cut down to its newest half.
type StatusHook struct {
	Path      string
	MaxSize   int64
	Formatter log.Formatter
	mu        sync.Mutex
}

func (h *StatusHook) Levels() []log.Level { return log.AllLevels }

func (h *StatusHook) Fire(entry *log.Entry) error {
	formatter := h.Formatter
	if formatter == nil {
		formatter = &log.TextFormatter{DisableColors: true, FullTimestamp: true}
	}
	line, err := formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = f.Write(line)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.WithStack(err)
	}
	return h.truncate()
}

func (h *StatusHook) truncate() error {
	if h.MaxSize <= 0 {
		return nil
	}
	st, err := os.Stat(h.Path)
	if err != nil || st.Size() <= h.MaxSize {
		return nil
	}
	data, err := os.ReadFile(h.Path)
	if err != nil {
		return errors.WithStack(err)
	}
	keep := data[len(data)/2:]
	// Start on a whole line.
	if i := bytes.IndexByte(keep, '\n'); i >= 0 && i+1 < len(keep) {
		keep = keep[i+1:]
	}
	tmp := h.Path + ".tmp"
	if err := os.WriteFile(tmp, keep, 0o600); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, h.Path))
}

// NewStatusLog returns an entry that logs like the standard logger and also
// writes to the status file at path.
func NewStatusLog(path, printer string, maxSize int64) *log.Entry {
	std := log.StandardLogger()
	l := &log.Logger{
		Out:       std.Out,
		Formatter: std.Formatter,
		Hooks:     make(log.LevelHooks),
		Level:     std.GetLevel(),
		ExitFunc:  os.Exit,
	}
	l.AddHook(&StatusHook{Path: path, MaxSize: maxSize})
	return l.WithField("printer", printer)
}
