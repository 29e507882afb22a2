package lpd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/spool"
)

type fakeQueues map[string]*Queue

func (f fakeQueues) SetupPrinter(name string) (*Queue, error) {
	q, ok := f[name]
	if !ok {
		return nil, errors.Errorf("no printer %s", name)
	}
	return q, nil
}

type arrivals struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (a *arrivals) add(_ *Queue, j *job.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, j)
}

func (a *arrivals) all() []*job.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*job.Job(nil), a.jobs...)
}

func newReceiver(t *testing.T, printer string) (*Receiver, *spool.Dir, *arrivals) {
	t.Helper()
	dir, err := spool.Open(t.TempDir(), printer, spool.Options{})
	require.NoError(t, err)
	got := &arrivals{}
	r := &Receiver{
		Queues:    fakeQueues{printer: {Printer: printer, Dir: dir}},
		Auth:      map[string]Authenticator{MethodHMAC: HMACAuth{Secrets: map[string]string{"bob": "s3cret"}}},
		OnArrival: got.add,
	}
	return r, dir, got
}

// serve handles one connection the way the daemon does.
func serve(r *Receiver, nc net.Conn) error {
	defer nc.Close()
	c := NewConn(nc, 5*time.Second)
	req, err := ReadRequest(c.R)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch req := req.(type) {
	case ReceiveJobRequest:
		return r.ReceiveJob(ctx, c, req)
	case ReceiveBlockRequest:
		return r.ReceiveBlock(ctx, c, req)
	case ReceiveSecureRequest:
		return r.ReceiveSecure(ctx, c, req)
	}
	return errors.Errorf("unexpected request %T", req)
}

func expectAck(t *testing.T, r *bufio.Reader) {
	t.Helper()
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0), b)
}

func TestReceiveJob_RawScenario(t *testing.T) {
	r, dir, got := newReceiver(t, "printerX")
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- serve(r, server) }()

	control := "Hhost\nPalice\nJnotes\nfdfA001host\n"
	data := "hello printer\n"
	br := bufio.NewReader(client)

	_, err := io.WriteString(client, "\x02printerX\n")
	require.NoError(t, err)
	expectAck(t, br)

	_, err = fmt.Fprintf(client, "\x03%d cfA001host\n", len(control))
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(client, control+"\x00")
	require.NoError(t, err)
	expectAck(t, br)

	_, err = fmt.Fprintf(client, "\x04%d dfA001host\n", len(data))
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(client, data+"\x00")
	require.NoError(t, err)
	expectAck(t, br)
	require.NoError(t, client.Close())

	require.NoError(t, <-done)
	jobs, broken, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, broken)
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, 1, j.Number())
	assert.Equal(t, byte('A'), j.Priority())
	assert.Equal(t, "alice", j.User)
	assert.Equal(t, "notes", j.JobName)
	assert.Equal(t, "printerX", j.Queue)
	assert.NotEmpty(t, j.Identifier)
	assert.Zero(t, j.Hold.Receiver)
	require.Len(t, j.DataFiles, 1)
	content, err := os.ReadFile(j.DataFiles[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, string(content))
	assert.Len(t, got.all(), 1)
}

func TestReceiveJob_MissingDataFileRejected(t *testing.T) {
	r, dir, got := newReceiver(t, "lp")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	done := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- serve(r, nc)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	br := bufio.NewReader(conn)
	control := "Hhost\nPalice\nfdfA001host\nfdfB001host\n"
	data := "only A"

	_, err = io.WriteString(conn, "\x02lp\n")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = fmt.Fprintf(conn, "\x02%d cfA001host\n", len(control))
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, control+"\x00")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = fmt.Fprintf(conn, "\x03%d dfA001host\n", len(data))
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, data+"\x00")
	require.NoError(t, err)
	expectAck(t, br)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	code, err := br.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(AckReject), code)
	msg, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, msg, "missing data files dfB001host")

	serveErr := <-done
	assert.True(t, errors.Is(serveErr, ErrIncompleteJob))

	jobs, _, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, jobs)
	entries, err := os.ReadDir(dir.Path)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "df") || strings.HasPrefix(e.Name(), "cf") || strings.HasPrefix(e.Name(), "hf"), "left behind %s", e.Name())
	}
	assert.Empty(t, got.all())
}

// dialReceiver serves one TCP connection with r and returns the client side.
func dialReceiver(t *testing.T, r *Receiver) (*net.TCPConn, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	done := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- serve(r, nc)
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn), done
}

func TestReceiveJob_UnboundedDataFile(t *testing.T) {
	r, dir, got := newReceiver(t, "lp")
	conn, done := dialReceiver(t, r)
	br := bufio.NewReader(conn)
	control := "Hhost\nPalice\nfdfA002host\n"
	data := strings.Repeat("streamed until close\n", 100)

	_, err := io.WriteString(conn, "\x02lp\n")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = fmt.Fprintf(conn, "\x02%d cfA002host\n", len(control))
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, control+"\x00")
	require.NoError(t, err)
	expectAck(t, br)

	// Length 0 announces a data file that ends when the sender closes.
	_, err = io.WriteString(conn, "\x030 dfA002host\n")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, data)
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())
	expectAck(t, br)

	require.NoError(t, <-done)
	jobs, broken, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, broken)
	require.Len(t, jobs, 1)
	require.Len(t, jobs[0].DataFiles, 1)
	assert.Equal(t, int64(len(data)), jobs[0].DataFiles[0].Size)
	content, err := os.ReadFile(jobs[0].DataFiles[0].Path)
	require.NoError(t, err)
	assert.Equal(t, data, string(content))
	assert.Len(t, got.all(), 1)
}

func TestReceiveJob_UnboundedDataFileTooLarge(t *testing.T) {
	r, dir, got := newReceiver(t, "lp")
	r.Queues.(fakeQueues)["lp"].MaxJobBytes = 64
	conn, done := dialReceiver(t, r)
	br := bufio.NewReader(conn)

	_, err := io.WriteString(conn, "\x02lp\n")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, "\x030 dfA003host\n")
	require.NoError(t, err)
	expectAck(t, br)
	// One byte over the limit, so the receiver leaves nothing unread.
	_, err = io.WriteString(conn, strings.Repeat("x", 65))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	code, err := br.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(AckRetry), code)
	msg, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, msg, "exhausted the available spool space")

	te := AsTransferError(<-done)
	require.NotNil(t, te)
	assert.True(t, te.Retryable())
	jobs, _, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, got.all())
}

func TestReceiveJob_SpoolingDisabled(t *testing.T) {
	r, dir, _ := newReceiver(t, "lp")
	_, err := dir.UpdateControl(func(c *spool.QueueControl) error {
		c.SpoolingDisabled = true
		return nil
	})
	require.NoError(t, err)

	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- serve(r, server) }()
	br := bufio.NewReader(client)
	_, err = io.WriteString(client, "\x02lp\n")
	require.NoError(t, err)
	code, err := br.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(AckStop), code)
	_, err = br.ReadString('\n')
	require.NoError(t, err)
	client.Close()

	var te *TransferError
	require.True(t, errors.As(<-done, &te))
	assert.Equal(t, QueueStopped, te.Kind)
	assert.False(t, te.Retryable())
}

func TestReceiveJob_PermissionDenied(t *testing.T) {
	r, dir, _ := newReceiver(t, "lp")
	r.Permit = func(c Check) error {
		if c.User == "mallory" {
			return ErrPermission
		}
		return nil
	}
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- serve(r, server) }()

	s := &Sender{Dial: func(context.Context, string, string) (net.Conn, error) { return client, nil }, ControlFirst: true}
	j := sourceJob(t, "mallory", map[string]string{"dfA007host": "x"})
	err := s.Send(context.Background(), "pipe", "lp", j)
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, PermissionDenied, te.Kind)
	assert.Error(t, <-done)

	jobs, _, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// sourceJob builds a job whose data files live in a scratch directory.
func sourceJob(t *testing.T, user string, files map[string]string) *job.Job {
	t.Helper()
	src := t.TempDir()
	j := &job.Job{Host: "host", User: user, JobName: "report"}
	first := ""
	for name, content := range files {
		n, err := job.ParseName(name)
		require.NoError(t, err)
		path := filepath.Join(src, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		j.DataFiles = append(j.DataFiles, &job.DataFile{OriginalName: name, TransferName: name, Path: path, Format: 'f', Copies: 1})
		if first == "" {
			first = name
			j.Name = n
			j.Name.Kind = job.KindControl
		}
	}
	return j
}

func pipeSender(r *Receiver) (*Sender, <-chan error) {
	errs := make(chan error, 1)
	s := &Sender{Dial: func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() { errs <- serve(r, server) }()
		return client, nil
	}}
	return s, errs
}

func TestSenderRoundTrip(t *testing.T) {
	tests := map[string]func(s *Sender){
		"control first": func(s *Sender) { s.ControlFirst = true },
		"data first":    func(s *Sender) {},
		"block":         func(s *Sender) { s.Block = true },
		"secure": func(s *Sender) {
			s.Auth = HMACAuth{Secrets: map[string]string{"bob": "s3cret"}}
			s.AuthMethod = MethodHMAC
			s.AuthUser = "bob"
		},
	}
	for name, configure := range tests {
		t.Run(name, func(t *testing.T) {
			r, dir, got := newReceiver(t, "lp")
			s, errs := pipeSender(r)
			configure(s)

			j := sourceJob(t, "bob", map[string]string{"dfA042client": "page one\n"})
			require.NoError(t, s.Send(context.Background(), "pipe", "lp", j))
			require.NoError(t, <-errs)

			jobs, broken, err := dir.Scan()
			require.NoError(t, err)
			assert.Empty(t, broken)
			require.Len(t, jobs, 1)
			assert.Equal(t, 42, jobs[0].Number())
			assert.Equal(t, "bob", jobs[0].User)
			assert.Equal(t, "report", jobs[0].JobName)
			require.Len(t, jobs[0].DataFiles, 1)
			content, err := os.ReadFile(jobs[0].DataFiles[0].Path)
			require.NoError(t, err)
			assert.Equal(t, "page one\n", string(content))
			if name == "secure" {
				assert.Equal(t, "bob", jobs[0].Auth)
			}
			assert.Len(t, got.all(), 1)
		})
	}
}

func TestSendSecure_BadSignature(t *testing.T) {
	r, dir, _ := newReceiver(t, "lp")
	s, errs := pipeSender(r)
	s.Auth = HMACAuth{Secrets: map[string]string{"bob": "wrong"}}
	s.AuthMethod = MethodHMAC
	s.AuthUser = "bob"

	err := s.Send(context.Background(), "pipe", "lp", sourceJob(t, "bob", map[string]string{"dfA001h": "x"}))
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, PermissionDenied, te.Kind)
	assert.Error(t, <-errs)

	jobs, _, err := dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReceive_NumberCollisionRenumbers(t *testing.T) {
	r, dir, _ := newReceiver(t, "lp")
	for i := 0; i < 2; i++ {
		s, errs := pipeSender(r)
		s.ControlFirst = i == 0
		require.NoError(t, s.Send(context.Background(), "pipe", "lp", sourceJob(t, "bob", map[string]string{"dfA005host": "x"})))
		require.NoError(t, <-errs)
	}
	jobs, _, err := dir.Scan()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	numbers := []int{jobs[0].Number(), jobs[1].Number()}
	assert.ElementsMatch(t, []int{5, 6}, numbers)
	for _, j := range jobs {
		require.Len(t, j.DataFiles, 1)
		assert.Equal(t, j.Number(), mustParse(t, j.DataFiles[0].TransferName).Number)
	}
}

func mustParse(t *testing.T, name string) job.Name {
	n, err := job.ParseName(name)
	require.NoError(t, err)
	return n
}

func TestConnectRetries(t *testing.T) {
	calls := 0
	s := &Sender{
		Retry: RetryPolicy{Attempts: 3, Interval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Dial: func(context.Context, string, string) (net.Conn, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}
			client, server := net.Pipe()
			server.Close()
			return client, nil
		},
	}
	conn, err := s.Connect(context.Background(), "somewhere:515")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, 3, calls)

	calls = 0
	s.Retry.Attempts = 2
	s.Dial = func(context.Context, string, string) (net.Conn, error) {
		calls++
		return nil, errors.New("connection refused")
	}
	_, err = s.Connect(context.Background(), "somewhere:515")
	var te *TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, LinkFailure, te.Kind)
	assert.True(t, te.Retryable())
	assert.Equal(t, 2, calls)
}

func TestReadRequest(t *testing.T) {
	tests := map[string]struct {
		line    string
		want    Request
		wantErr bool
	}{
		"start":    {line: "\x01lp\n", want: StartRequest{Printer: "lp"}},
		"receive":  {line: "\x02lp\n", want: ReceiveJobRequest{Printer: "lp"}},
		"short":    {line: "\x03lp alice 12\n", want: StatusRequest{Printer: "lp", Selectors: []string{"alice", "12"}}},
		"long":     {line: "\x04lp\n", want: StatusRequest{Printer: "lp", Long: true, Selectors: []string{}}},
		"remove":   {line: "\x05lp alice 12\n", want: RemoveRequest{Printer: "lp", User: "alice", Selectors: []string{"12"}}},
		"control":  {line: "\x06lp root HOLD 12\n", want: ControlRequest{Printer: "lp", User: "root", Command: "hold", Args: []string{"12"}}},
		"block":    {line: "\x07lp 1024\n", want: ReceiveBlockRequest{Printer: "lp", Size: 1024}},
		"secure":   {line: "\x08lp bob hmac 99\n", want: ReceiveSecureRequest{Printer: "lp", User: "bob", Method: "hmac", Size: 99}},
		"unsafe":   {line: "\x02../etc\n", wantErr: true},
		"unknown":  {line: "\x09lp\n", wantErr: true},
		"no size":  {line: "\x07lp\n", wantErr: true},
		"bad size": {line: "\x07lp -1\n", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req, err := ReadRequest(bufio.NewReader(strings.NewReader(tc.line)))
			if tc.wantErr {
				assert.True(t, errors.Is(err, ErrBadRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, req)
		})
	}
}

func TestRequestLineRoundTrip(t *testing.T) {
	reqs := []interface{ Line() string }{
		ControlRequest{Printer: "lp", User: "root", Command: "topq", Args: []string{"7"}},
		ReceiveSecureRequest{Printer: "lp", User: "bob", Method: "hmac", Size: 5},
		RemoveRequest{Printer: "lp", User: "bob", Selectors: []string{"3", "4"}},
	}
	for _, r := range reqs {
		got, err := ReadRequest(bufio.NewReader(strings.NewReader(r.Line())))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
}

func TestReconcile(t *testing.T) {
	referenced := []*job.DataFile{{OriginalName: "dfA001h"}, {OriginalName: "dfB001h"}}
	received := map[string]*incoming{"dfA001h": {}, "dfC001h": {}}
	missing, extra := reconcile(referenced, received)
	assert.Equal(t, []string{"dfB001h"}, missing)
	assert.Equal(t, []string{"dfC001h"}, extra)
}
