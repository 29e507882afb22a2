package lpd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
)

// RetryPolicy bounds connection attempts: delay doubles per attempt up to MaxInterval.
type RetryPolicy struct {
	Attempts    uint
	Interval    time.Duration
	MaxInterval time.Duration
	// WaitForPort keeps retrying, without counting attempts, while the local
	// port is still bound by an earlier connection.
	WaitForPort bool
}

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Sender transmits jobs to a remote queue.
type Sender struct {
	Dial    DialFunc
	Timeout time.Duration
	Retry   RetryPolicy
	// ControlFirst sends the control file before the data files.
	ControlFirst bool
	// Block sends the job as one announced block.
	Block bool
	// Auth, when set, signs the block as AuthUser using AuthMethod.
	Auth       Authenticator
	AuthMethod string
	AuthUser   string
	Clock      clock.Clock
	Log        *log.Entry
}

func (s *Sender) logger() *log.Entry {
	if s.Log == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return s.Log
}

// Send delivers j to printer at addr. Only connecting is retried; a failure
// after the first byte was sent is returned so the caller decides.
func (s *Sender) Send(ctx context.Context, addr, printer string, j *job.Job) error {
	nc, err := s.Connect(ctx, addr)
	if err != nil {
		return err
	}
	c := NewConn(nc, s.Timeout)
	defer c.Close()

	switch {
	case s.Auth != nil:
		return s.sendSecure(c, printer, j)
	case s.Block:
		return s.sendBlock(c, printer, j)
	default:
		return s.sendFiles(c, printer, j)
	}
}

// Connect dials addr with capped exponential backoff.
func (s *Sender) Connect(ctx context.Context, addr string) (net.Conn, error) {
	dial := s.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: s.Timeout}
		dial = d.DialContext
	}
	attempts := s.Retry.Attempts
	if attempts == 0 {
		attempts = 1
	}
	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := s.dialWaitingForPort(ctx, dial, addr)
			if err != nil {
				return linkError(err, "connect to %s", addr)
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(s.Retry.Interval),
		retry.MaxDelay(s.Retry.MaxInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger().WithError(err).Debugf("connect attempt %d to %s failed", n+1, addr)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, linkError(ctx.Err(), "connect to %s", addr)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Sender) dialWaitingForPort(ctx context.Context, dial DialFunc, addr string) (net.Conn, error) {
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	for attempt := 1; ; attempt++ {
		c, err := dial(ctx, "tcp", addr)
		if err == nil || !s.Retry.WaitForPort || !errors.Is(err, unix.EADDRINUSE) {
			return c, err
		}
		wait := jobstate.Backoff(s.Retry.Interval, s.Retry.MaxInterval, attempt)
		if wait <= 0 {
			wait = time.Second
		}
		s.logger().Debugf("local port busy, waiting %s before connecting to %s", wait, addr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(wait):
		}
	}
}

type outFile struct {
	sub  byte
	name string
	path string
	data []byte
}

// files lists the job's files in transmission order.
func (s *Sender) files(j *job.Job) []outFile {
	control := outFile{sub: subControl, name: j.Name.String(), data: j.ControlBytes()}
	var data []outFile
	for _, df := range j.DataFiles {
		data = append(data, outFile{sub: subData, name: df.TransferName, path: df.Path})
	}
	if s.ControlFirst {
		return append([]outFile{control}, data...)
	}
	return append(data, control)
}

func (f outFile) open() (io.ReadCloser, int64, error) {
	if f.path == "" {
		return io.NopCloser(bytes.NewReader(f.data)), int64(len(f.data)), nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, errors.WithStack(err)
	}
	return file, st.Size(), nil
}

func (s *Sender) sendFiles(c *Conn, printer string, j *job.Job) error {
	if err := sendRequest(c, ReceiveJobRequest{Printer: printer}.Line()); err != nil {
		return err
	}
	for _, f := range s.files(j) {
		body, size, err := f.open()
		if err != nil {
			abort(c)
			return errors.Wrapf(err, "open %s", f.name)
		}
		err = sendFile(c, f, body, size)
		_ = body.Close()
		if err != nil {
			return err
		}
		s.logger().Debugf("sent %s (%d bytes)", f.name, size)
	}
	return nil
}

func sendFile(c *Conn, f outFile, body io.Reader, size int64) error {
	if _, err := fmt.Fprintf(c, "%c%d %s\n", f.sub, size, f.name); err != nil {
		return linkError(err, "send header of %s", f.name)
	}
	if err := readAck(c.R, "header of "+f.name); err != nil {
		return err
	}
	if _, err := io.CopyN(c, body, size); err != nil {
		return linkError(err, "send %s", f.name)
	}
	if _, err := c.Write([]byte{0}); err != nil {
		return linkError(err, "send terminator of %s", f.name)
	}
	return readAck(c.R, f.name)
}

func sendRequest(c *Conn, line string) error {
	if _, err := io.WriteString(c, line); err != nil {
		return linkError(err, "send request")
	}
	return readAck(c.R, "request")
}

// abort tells the receiver to discard what it got so far.
func abort(c *Conn) {
	_, _ = c.Write([]byte{subAbort, '\n'})
}

// writeBlock renders every file of the job as header plus bytes.
func (s *Sender) writeBlock(w io.Writer, j *job.Job) error {
	bw := bufio.NewWriter(w)
	for _, f := range s.files(j) {
		body, size, err := f.open()
		if err != nil {
			return errors.Wrapf(err, "open %s", f.name)
		}
		_, err = fmt.Fprintf(bw, "%c%d %s\n", f.sub, size, f.name)
		if err == nil {
			_, err = io.CopyN(bw, body, size)
		}
		_ = body.Close()
		if err != nil {
			return errors.Wrapf(err, "copy %s into block", f.name)
		}
	}
	return errors.WithStack(bw.Flush())
}

func (s *Sender) sendBlock(c *Conn, printer string, j *job.Job) error {
	tmp, err := os.CreateTemp("", "spoold-block-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := s.writeBlock(tmp, j); err != nil {
		return err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return errors.WithStack(err)
	}
	if err := sendRequest(c, ReceiveBlockRequest{Printer: printer, Size: size}.Line()); err != nil {
		return err
	}
	return sendPayload(c, tmp, size)
}

func (s *Sender) sendSecure(c *Conn, printer string, j *job.Job) error {
	var block bytes.Buffer
	if err := s.writeBlock(&block, j); err != nil {
		return err
	}
	payload, err := s.Auth.Sign(s.AuthUser, block.Bytes())
	if err != nil {
		return &TransferError{Kind: PermissionDenied, Ack: AckReject, Message: err.Error(), Err: err}
	}
	req := ReceiveSecureRequest{Printer: printer, User: s.AuthUser, Method: s.AuthMethod, Size: int64(len(payload))}
	if err := sendRequest(c, req.Line()); err != nil {
		return err
	}
	return sendPayload(c, bytes.NewReader(payload), int64(len(payload)))
}

func sendPayload(c *Conn, body io.Reader, size int64) error {
	if _, err := io.CopyN(c, body, size); err != nil {
		return linkError(err, "send block")
	}
	if _, err := c.Write([]byte{0}); err != nil {
		return linkError(err, "send block terminator")
	}
	return readAck(c.R, "job block")
}
