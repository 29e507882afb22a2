package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/lpd"
	"github.com/orrn/spoold/internal/server"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestBuildJob(t *testing.T) {
	a := writeFile(t, "a.txt", "first")
	b := writeFile(t, "b.txt", "second!")
	j, err := BuildJob(Options{User: "alice", Host: "ws1.example.com", Copies: 2, Number: 1042}, []File{{Path: a}, {Path: b}})
	require.NoError(t, err)

	assert.Equal(t, "cfA042ws1", j.Name.String())
	assert.Equal(t, "ws1", j.Host)
	assert.Equal(t, "alice", j.User)
	assert.Equal(t, "a.txt", j.JobName)
	require.Len(t, j.DataFiles, 2)
	assert.Equal(t, "dfA042ws1", j.DataFiles[0].TransferName)
	assert.Equal(t, "dfB042ws1", j.DataFiles[1].TransferName)
	assert.Equal(t, int64(12), j.TotalSize())
	assert.Contains(t, string(j.ControlBytes()), "Nb.txt\nfdfB042ws1\nfdfB042ws1\n")
}

func TestBuildJob_Errors(t *testing.T) {
	_, err := BuildJob(Options{}, nil)
	assert.ErrorIs(t, err, ErrNoFiles)

	_, err = BuildJob(Options{}, []File{{Path: filepath.Join(t.TempDir(), "missing")}})
	assert.Error(t, err)

	_, err = BuildJob(Options{Priority: '1'}, []File{{Path: writeFile(t, "x", "x")}})
	assert.Error(t, err)

	_, err = BuildJob(Options{}, []File{{Path: t.TempDir()}})
	assert.Error(t, err)
}

func TestNewSender_Auth(t *testing.T) {
	_, err := NewSender(Options{AuthMethod: "kerberos"})
	assert.Error(t, err)
	_, err = NewSender(Options{AuthMethod: lpd.MethodHMAC, AuthUser: "bob"})
	assert.Error(t, err)
	s, err := NewSender(Options{AuthMethod: lpd.MethodHMAC, AuthUser: "bob", Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, "bob", s.AuthUser)
}

func startServer(t *testing.T) (string, *core.Spools) {
	t.Helper()
	cfg := config.Default()
	cfg.Spool.Root = t.TempDir()
	cfg.Server.StatusCacheTTL = 0
	cfg.Auth.Secrets = map[string]string{"bob": "s3cret"}
	cfg.Printers = []config.Printer{{Name: "lp", Device: "/dev/null"}}
	spools := core.NewSpools(cfg, nil)
	srv := server.New(server.Options{Service: core.NewQueueService(spools, nil, nil, nil)})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String(), spools
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "data first", opts: Options{}},
		{name: "control first", opts: Options{ControlFirst: true}},
		{name: "block", opts: Options{Block: true}},
		{name: "hmac", opts: Options{AuthMethod: lpd.MethodHMAC, AuthUser: "bob", Secret: "s3cret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, spools := startServer(t)
			opts := tt.opts
			opts.Printer = "lp@" + addr
			opts.User = "alice"
			opts.Host = "client"
			opts.Number = 7

			_, err := Submit(context.Background(), opts, []File{{Path: writeFile(t, "report.txt", "hello printer\n")}})
			require.NoError(t, err)

			d, _, err := spools.Open("lp")
			require.NoError(t, err)
			jobs, _, err := d.Scan()
			require.NoError(t, err)
			require.Len(t, jobs, 1)
			assert.Equal(t, "alice", jobs[0].User)
			assert.Equal(t, "report.txt", jobs[0].JobName)
			assert.Equal(t, int64(14), jobs[0].TotalSize())
		})
	}
}

func TestSubmit_UnknownQueue(t *testing.T) {
	addr, _ := startServer(t)
	_, err := Submit(context.Background(), Options{Printer: "nope@" + addr, User: "alice", Host: "client"},
		[]File{{Path: writeFile(t, "x", "x")}})
	assert.Error(t, err)
}

func TestSubmit_BadPrinter(t *testing.T) {
	_, err := Submit(context.Background(), Options{Printer: "lp"}, []File{{Path: writeFile(t, "x", "x")}})
	assert.Error(t, err)
}
