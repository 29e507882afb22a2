package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lpd"
)

type fakeKicker struct {
	mu     sync.Mutex
	kicked []string
}

func (k *fakeKicker) Kick(printer string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicked = append(k.kicked, printer)
	return nil
}

func (k *fakeKicker) list() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.kicked...)
}

type arrivals struct {
	mu   sync.Mutex
	jobs []string
}

func (a *arrivals) OnJobArrived(printer string, j *job.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, printer+":"+j.User)
}

type fixture struct {
	addr     string
	kicker   *fakeKicker
	arrivals *arrivals
	spools   *core.Spools
}

func startServer(t *testing.T, edit func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Spool.Root = t.TempDir()
	cfg.Server.StatusCacheTTL = 0
	cfg.Printers = []config.Printer{{Name: "lp", Device: "/dev/null"}}
	cfg.Permissions.Operators = []string{"root@127.0.0.1"}
	if edit != nil {
		edit(cfg)
	}
	f := &fixture{kicker: &fakeKicker{}, arrivals: &arrivals{}, spools: core.NewSpools(cfg, nil)}
	svc := core.NewQueueService(f.spools, f.kicker, nil, nil)
	srv := New(Options{Service: svc, Kicker: f.kicker, Notifier: f.arrivals})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return f
}

// request sends one request line and returns everything the server wrote.
func (f *fixture) request(t *testing.T, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, line)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(out)
}

func expectAck(t *testing.T, r *bufio.Reader) {
	t.Helper()
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0), b)
}

// submit transfers a one file job for user the way a remote client does.
func (f *fixture) submit(t *testing.T, number int, user string) {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	br := bufio.NewReader(conn)

	df := fmt.Sprintf("dfA%03d127.0.0.1", number)
	control := fmt.Sprintf("H127.0.0.1\nP%s\nJreport\nf%s\n", user, df)
	data := "hello printer\n"

	_, err = io.WriteString(conn, "\x02lp\n")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = fmt.Fprintf(conn, "\x03%d cfA%03d127.0.0.1\n", len(control), number)
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, control+"\x00")
	require.NoError(t, err)
	expectAck(t, br)
	_, err = fmt.Fprintf(conn, "\x04%d %s\n", len(data), df)
	require.NoError(t, err)
	expectAck(t, br)
	_, err = io.WriteString(conn, data+"\x00")
	require.NoError(t, err)
	expectAck(t, br)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	_, _ = io.ReadAll(br)
}

func (f *fixture) jobCount(t *testing.T) int {
	t.Helper()
	d, _, err := f.spools.Open("lp")
	require.NoError(t, err)
	jobs, _, err := d.Scan()
	require.NoError(t, err)
	return len(jobs)
}

func TestServer_ReceiveKicksScheduler(t *testing.T) {
	f := startServer(t, nil)
	f.submit(t, 1, "alice")

	require.Eventually(t, func() bool { return len(f.kicker.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"lp"}, f.kicker.list())
	assert.Equal(t, []string{"lp:alice"}, f.arrivals.jobs)
	assert.Equal(t, 1, f.jobCount(t))
}

func TestServer_Start(t *testing.T) {
	f := startServer(t, nil)
	assert.Empty(t, f.request(t, "\x01lp\n"))
	require.Eventually(t, func() bool { return len(f.kicker.list()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Status(t *testing.T) {
	f := startServer(t, nil)
	assert.Contains(t, f.request(t, "\x03lp\n"), "no entries")

	f.submit(t, 1, "alice")
	f.submit(t, 2, "bob")
	out := f.request(t, "\x03lp\n")
	assert.Contains(t, out, "2 job(s)")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "bob")

	out = f.request(t, "\x04lp bob\n")
	assert.NotContains(t, out, "alice")
	assert.Contains(t, out, "bob")

	assert.Contains(t, f.request(t, "\x03nope\n"), "not configured")
}

func TestServer_StatusCache(t *testing.T) {
	f := startServer(t, func(c *config.Config) { c.Server.StatusCacheTTL = time.Hour })
	assert.Contains(t, f.request(t, "\x03lp\n"), "no entries")

	// Arrivals invalidate the cached listing.
	f.submit(t, 1, "alice")
	assert.Contains(t, f.request(t, "\x03lp\n"), "alice")
}

func TestServer_RemoveOwnJob(t *testing.T) {
	f := startServer(t, nil)
	f.submit(t, 1, "alice")
	f.submit(t, 2, "bob")

	out := f.request(t, "\x05lp mallory 1\n")
	assert.Equal(t, 2, f.jobCount(t))
	assert.NotEmpty(t, out)

	out = f.request(t, "\x05lp alice 1\n")
	assert.Contains(t, out, "dequeued")
	assert.Equal(t, 1, f.jobCount(t))

	out = f.request(t, "\x05lp root all\n")
	assert.Contains(t, out, "dequeued")
	assert.Zero(t, f.jobCount(t))
}

func TestServer_Control(t *testing.T) {
	f := startServer(t, nil)

	out := f.request(t, "\x06lp alice stop\n")
	assert.Contains(t, out, "permission denied")

	out = f.request(t, "\x06lp root stop\n")
	assert.Contains(t, out, "printing disabled")
	out = f.request(t, "\x06lp alice status\n")
	assert.Contains(t, out, "printing disabled")
}

func TestServer_DeniedHost(t *testing.T) {
	f := startServer(t, func(c *config.Config) { c.Permissions.AllowHosts = []string{"10.0.0.0/8"} })
	assert.Contains(t, f.request(t, "\x03lp\n"), "not allowed")
}

func TestPermissions(t *testing.T) {
	permit := Permissions(config.PermissionsConfig{
		AllowHosts: []string{"192.168.1.0/24", "printhost"},
		DenyUsers:  []string{"guest"},
	})
	assert.NoError(t, permit(lpd.Check{Op: lpd.OpSpool, User: "alice", RemoteHost: "192.168.1.20"}))
	assert.NoError(t, permit(lpd.Check{Op: lpd.OpSpool, User: "alice", RemoteHost: "PrintHost"}))
	assert.True(t, errors.Is(permit(lpd.Check{Op: lpd.OpSpool, User: "alice", RemoteHost: "10.1.1.1"}), ErrNotAllowed))
	assert.True(t, errors.Is(permit(lpd.Check{Op: lpd.OpSpool, User: "guest", RemoteHost: "printhost"}), ErrNotAllowed))
	assert.True(t, errors.Is(permit(lpd.Check{Op: lpd.OpSpool, User: "x", AuthUser: "guest", RemoteHost: "printhost"}), ErrNotAllowed))

	open := Permissions(config.PermissionsConfig{})
	assert.NoError(t, open(lpd.Check{RemoteHost: "anywhere"}))
}

func TestIsOperator(t *testing.T) {
	cfg := config.PermissionsConfig{Operators: []string{"admin", "root@localhost"}}
	assert.True(t, IsOperator(cfg, "admin", "elsewhere"))
	assert.True(t, IsOperator(cfg, "root", "localhost"))
	assert.False(t, IsOperator(cfg, "root", "elsewhere"))
	assert.False(t, IsOperator(cfg, "alice", "localhost"))
}
