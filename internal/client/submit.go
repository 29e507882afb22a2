// Package client submits jobs to a remote queue the way lpr does.
package client

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lpd"
)

var ErrNoFiles = errors.New("nothing to print")

// File is one payload. Name is shown as the source file name, Path is read.
type File struct {
	Path string
	Name string
}

type Options struct {
	// Printer is queue@host[:port].
	Printer  string
	User     string
	Host     string
	JobName  string
	Class    string
	Title    string
	MailTo   string
	Priority byte
	Format   byte
	Copies   int
	// Number is the job number; zero picks one from the process id.
	Number int

	ControlFirst bool
	Block        bool
	AuthMethod   string
	AuthUser     string
	Secret       string

	Retries    uint
	RetryDelay time.Duration
	Timeout    time.Duration
	Dial       lpd.DialFunc
	Log        *log.Entry
}

// sanitizeHost keeps the characters allowed in transfer names.
func sanitizeHost(h string) string {
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	var b strings.Builder
	for _, c := range h {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "localhost"
	}
	return b.String()
}

// BuildJob assembles the control file fields and data file list for files.
func BuildJob(opts Options, files []File) (*job.Job, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if len(files) > 52 {
		return nil, errors.Errorf("at most 52 files per job, got %d", len(files))
	}
	host := sanitizeHost(opts.Host)
	priority := opts.Priority
	if priority == 0 {
		priority = 'A'
	}
	if priority < 'A' || priority > 'Z' {
		return nil, errors.Errorf("priority %q must be A-Z", priority)
	}
	format := opts.Format
	if format == 0 {
		format = 'f'
	}
	if format < 'a' || format > 'z' {
		return nil, errors.Errorf("format %q must be a lower case letter", format)
	}
	copies := opts.Copies
	if copies < 1 {
		copies = 1
	}
	number := opts.Number
	if number <= 0 {
		number = os.Getpid()
	}
	number %= job.NumberLimit(job.NumberDigits(false))

	j := &job.Job{
		Name:    job.Name{Kind: job.KindControl, Seq: priority, Number: number, Digits: job.NumberDigits(false), Host: host},
		Host:    host,
		User:    opts.User,
		JobName: opts.JobName,
		Class:   opts.Class,
		Title:   opts.Title,
		MailTo:  opts.MailTo,
	}
	if j.Class == "" {
		j.Class = host
	}
	for i, f := range files {
		st, err := os.Stat(f.Path)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if !st.Mode().IsRegular() {
			return nil, errors.Errorf("%s is not a regular file", f.Path)
		}
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		j.DataFiles = append(j.DataFiles, &job.DataFile{
			TransferName: job.Name{Kind: job.KindData, Seq: seqLetter(i), Number: number, Digits: j.Name.Digits, Host: host}.String(),
			Path:         f.Path,
			SourceName:   name,
			Format:       format,
			Copies:       copies,
			Size:         st.Size(),
		})
	}
	if j.JobName == "" {
		j.JobName = j.DataFiles[0].SourceName
	}
	return j, nil
}

// seqLetter names the i-th data file: A..Z then a..z.
func seqLetter(i int) byte {
	if i < 26 {
		return byte('A' + i)
	}
	return byte('a' + i - 26)
}

// NewSender builds the transfer client for opts.
func NewSender(opts Options) (*lpd.Sender, error) {
	s := &lpd.Sender{
		Dial:    opts.Dial,
		Timeout: opts.Timeout,
		Retry: lpd.RetryPolicy{
			Attempts:    opts.Retries,
			Interval:    opts.RetryDelay,
			MaxInterval: 30 * time.Second,
		},
		ControlFirst: opts.ControlFirst,
		Block:        opts.Block,
		Log:          opts.Log,
	}
	switch opts.AuthMethod {
	case "":
	case lpd.MethodHMAC:
		if opts.AuthUser == "" || opts.Secret == "" {
			return nil, errors.New("hmac transfer needs a user and a secret")
		}
		s.Auth = lpd.HMACAuth{Secrets: map[string]string{opts.AuthUser: opts.Secret}}
		s.AuthMethod = opts.AuthMethod
		s.AuthUser = opts.AuthUser
	default:
		return nil, errors.Errorf("unknown transfer authentication %q", opts.AuthMethod)
	}
	return s, nil
}

// Submit sends files as one job to opts.Printer.
func Submit(ctx context.Context, opts Options, files []File) (*job.Job, error) {
	queue, addr, err := config.ParseRemote(opts.Printer)
	if err != nil {
		return nil, err
	}
	j, err := BuildJob(opts, files)
	if err != nil {
		return nil, err
	}
	s, err := NewSender(opts)
	if err != nil {
		return nil, err
	}
	if opts.Log != nil {
		opts.Log.Debugf("sending job %s (%d file(s), %d bytes) to %s at %s", j.Name, len(j.DataFiles), j.TotalSize(), queue, addr)
	}
	if err := s.Send(ctx, addr, queue, j); err != nil {
		return j, err
	}
	return j, nil
}
