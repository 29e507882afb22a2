package subserver

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
	"github.com/orrn/spoold/internal/lpd"
	"github.com/orrn/spoold/internal/spool"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcess struct {
	pid    int
	result chan jobstate.Code
	mu     sync.Mutex
	sigs   []os.Signal
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (jobstate.Code, error) { return <-p.result, nil }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.sigs = append(p.sigs, sig)
	p.mu.Unlock()
	if sig == unix.SIGTERM {
		p.result <- jobstate.Signal
	}
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	next  int
	procs []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, _ Request) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	p := &fakeProcess{pid: 1000 + l.next, result: make(chan jobstate.Code, 1)}
	l.procs = append(l.procs, p)
	return p, nil
}

func TestManager_ReportsExits(t *testing.T) {
	l := &fakeLauncher{}
	m := NewManager(l, 0, clocktesting.NewFakeClock(testNow))
	defer m.Close()

	req := Request{Printer: "lp", HoldName: "hf001", Dest: -1}
	pid, err := m.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1001, pid)
	assert.Equal(t, 1, m.Running())
	got, ok := m.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, req, got)

	l.procs[0].result <- jobstate.Hold
	select {
	case e := <-m.Exits():
		assert.Equal(t, pid, e.Pid)
		assert.Equal(t, jobstate.Hold, e.Code)
		assert.Equal(t, req, e.Request)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit reported")
	}
	// Still registered until the exit is handled.
	assert.Equal(t, 1, m.Running())
	_, ok = m.Lookup(pid)
	assert.True(t, ok)
	assert.Error(t, m.Signal(pid, unix.SIGTERM))

	m.Reap(pid)
	assert.Zero(t, m.Running())
	_, ok = m.Lookup(pid)
	assert.False(t, ok)
}

func TestManager_Timeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(testNow)
	l := &fakeLauncher{}
	m := NewManager(l, time.Minute, clk)
	defer m.Close()

	_, err := m.Start(context.Background(), Request{Printer: "lp", HoldName: "hf001", Dest: -1})
	require.NoError(t, err)
	require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
	clk.Step(time.Minute)

	select {
	case e := <-m.Exits():
		assert.Equal(t, jobstate.Timeout, e.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out subserver was not reported")
	}
}

func TestManager_CloseTerminates(t *testing.T) {
	l := &fakeLauncher{}
	m := NewManager(l, 0, nil)
	_, err := m.Start(context.Background(), Request{Printer: "lp", HoldName: "hf001", Dest: -1})
	require.NoError(t, err)
	m.Close()

	assert.Equal(t, []os.Signal{unix.SIGTERM}, l.procs[0].sigs)
	_, err = m.Start(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrManagerClosed))
}

func TestExitCode(t *testing.T) {
	run := func(script string) jobstate.Code {
		return ExitCode(exec.Command("/bin/sh", "-c", script).Run())
	}
	assert.Equal(t, jobstate.Success, run("exit 0"))
	assert.Equal(t, jobstate.Hold, run("exit 6"))
	assert.Equal(t, jobstate.Remove, run("exit 3"))
	assert.Equal(t, jobstate.Abort, run("exit 42"))
	assert.Equal(t, jobstate.Signal, run("kill -9 $$"))
	assert.Equal(t, jobstate.Abort, ExitCode(errors.New("not started")))
}

func TestCommandArgs(t *testing.T) {
	assert.Equal(t, []string{"subserver", "--printer", "lp", "--job", "hf007"},
		CommandArgs(Request{Printer: "lp", HoldName: "hf007", Dest: -1}))
	assert.Equal(t, []string{"subserver", "--printer", "lp", "--job", "hf007", "--dest", "1"},
		CommandArgs(Request{Printer: "lp", HoldName: "hf007", Dest: 1}))
}

func TestTransferCode(t *testing.T) {
	assert.Equal(t, jobstate.Success, TransferCode(nil))
	assert.Equal(t, jobstate.Fail, TransferCode(&lpd.TransferError{Kind: lpd.LinkFailure}))
	assert.Equal(t, jobstate.Fail, TransferCode(&lpd.TransferError{Kind: lpd.QueueStopped}))
	assert.Equal(t, jobstate.FailNoRetry, TransferCode(&lpd.TransferError{Kind: lpd.PermissionDenied}))
	assert.Equal(t, jobstate.Remove, TransferCode(errors.Wrap(&lpd.TransferError{Kind: lpd.Rejected}, "send")))
	assert.Equal(t, jobstate.Fail, TransferCode(errors.New("boom")))
}

type workerFixture struct {
	cfg    *config.Config
	spools *core.Spools
	out    string
}

func newWorkerFixture(t *testing.T, printers ...config.Printer) *workerFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Spool.Root = t.TempDir()
	out := filepath.Join(t.TempDir(), "device")
	for i := range printers {
		if printers[i].Device == "@" {
			printers[i].Device = out
		}
	}
	cfg.Printers = printers
	return &workerFixture{cfg: cfg, spools: core.NewSpools(cfg, nil), out: out}
}

func (f *workerFixture) addJob(t *testing.T, printer, body string, copies int) string {
	t.Helper()
	d, _, err := f.spools.Open(printer)
	require.NoError(t, err)
	slot, err := d.Allocate(1)
	require.NoError(t, err)
	df := job.Name{Kind: job.KindData, Seq: 'A', Number: slot.Number, Digits: d.Digits, Host: "client"}.String()
	cf := job.Name{Kind: job.KindControl, Seq: 'A', Number: slot.Number, Digits: d.Digits, Host: "client"}.String()
	require.NoError(t, os.WriteFile(d.File(df), []byte(body), 0o600))
	control := "Hclient\nPalice\n"
	for i := 0; i < copies; i++ {
		control += "f" + df + "\n"
	}
	require.NoError(t, os.WriteFile(d.File(cf), []byte(control), 0o600))
	slot.Hold.ControlName = cf
	slot.Hold.Receiver = 0
	slot.Hold.ReceivedTime = testNow
	require.NoError(t, slot.Save())
	require.NoError(t, slot.Release())
	return job.HoldFileName(slot.Number, d.Digits)
}

func (f *workerFixture) worker() *Worker {
	return &Worker{Spools: f.spools, Clock: clocktesting.NewFakeClock(testNow)}
}

func TestWorker_PrintsCopies(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Device: "@"})
	hold := f.addJob(t, "lp", "hello\n", 2)

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	require.NoError(t, err)
	assert.Equal(t, jobstate.Success, code)

	data, err := os.ReadFile(f.out)
	require.NoError(t, err)
	assert.Equal(t, "hello\nhello\n", string(data))
}

func TestWorker_Filter(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Device: "@", Filters: map[string]string{"f": "tr a-z A-Z"}})
	hold := f.addJob(t, "lp", "hello\n", 1)

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	require.NoError(t, err)
	assert.Equal(t, jobstate.Success, code)
	data, err := os.ReadFile(f.out)
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", string(data))
}

func TestWorker_FilterExitCodeAndError(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Device: "@", Filters: map[string]string{"*": "exit 6"}})
	hold := f.addJob(t, "lp", "x", 1)

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	require.Error(t, err)
	assert.Equal(t, jobstate.Hold, code)

	d, _, err := f.spools.Open("lp")
	require.NoError(t, err)
	j, err := d.LoadJob(hold)
	require.NoError(t, err)
	assert.Contains(t, j.Hold.Error, "exit 6")
}

func TestWorker_DeviceFailureRetries(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Device: "/nonexistent/dir/device"})
	hold := f.addJob(t, "lp", "x", 1)

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	assert.True(t, errors.Is(err, core.ErrDeviceOffline))
	assert.Equal(t, jobstate.Fail, code)
}

func TestWorker_NoDevice(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp"})
	hold := f.addJob(t, "lp", "x", 1)

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	assert.True(t, errors.Is(err, core.ErrNoDevice))
	assert.Equal(t, jobstate.FailNoRetry, code)
}

func TestWorker_RemovedJob(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Device: "@"})
	hold := f.addJob(t, "lp", "x", 1)
	d, _, err := f.spools.Open("lp")
	require.NoError(t, err)
	j, err := d.LoadJob(hold)
	require.NoError(t, err)
	slot, err := d.LockJobWait(j)
	require.NoError(t, err)
	j.Hold.RemoveTime = testNow
	require.NoError(t, slot.Save())
	require.NoError(t, slot.Release())

	code, err := f.worker().Run(context.Background(), "lp", hold, -1)
	require.NoError(t, err)
	assert.Equal(t, jobstate.Remove, code)
	_, err = os.Stat(f.out)
	assert.True(t, os.IsNotExist(err))
}

func TestWorker_DestinationToLocalQueue(t *testing.T) {
	f := newWorkerFixture(t,
		config.Printer{Name: "front", Routes: []config.Route{{Name: "back", Copies: 1}}},
		config.Printer{Name: "back", Device: "@"},
	)
	hold := f.addJob(t, "front", "payload", 1)
	d, _, err := f.spools.Open("front")
	require.NoError(t, err)
	j, err := d.LoadJob(hold)
	require.NoError(t, err)
	slot, err := d.LockJobWait(j)
	require.NoError(t, err)
	j.Hold.Destinations = []job.Destination{{Name: "back", Copies: 1}}
	require.NoError(t, slot.Save())
	require.NoError(t, slot.Release())

	code, err := f.worker().Run(context.Background(), "front", hold, 0)
	require.NoError(t, err)
	assert.Equal(t, jobstate.Success, code)

	back, _, err := f.spools.Open("back")
	require.NoError(t, err)
	jobs, _, err := back.Scan()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "alice", jobs[0].User)
	assert.Equal(t, "back", jobs[0].Queue)
}

func TestWorker_ForwardsToRemote(t *testing.T) {
	f := newWorkerFixture(t, config.Printer{Name: "lp", Remote: "far@remote.example"})
	hold := f.addJob(t, "lp", "payload", 1)

	farDir, err := spool.Open(t.TempDir(), "far", spool.Options{})
	require.NoError(t, err)
	recv := &lpd.Receiver{Queues: singleQueue{&lpd.Queue{Printer: "far", Dir: farDir}}}

	w := f.worker()
	dial, served := pipeDialer(recv)
	w.Dial = dial
	code, err := w.Run(context.Background(), "lp", hold, -1)
	require.NoError(t, err)
	assert.Equal(t, jobstate.Success, code)
	require.NoError(t, <-served)

	jobs, _, err := farDir.Scan()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.EqualValues(t, 7, jobs[0].TotalSize())
}

type singleQueue struct{ q *lpd.Queue }

func (s singleQueue) SetupPrinter(name string) (*lpd.Queue, error) {
	if name != s.q.Printer {
		return nil, errors.Errorf("unknown printer %s", name)
	}
	return s.q, nil
}

// pipeDialer answers every dial with an in-memory connection served by recv.
func pipeDialer(recv *lpd.Receiver) (lpd.DialFunc, <-chan error) {
	served := make(chan error, 1)
	dial := func(context.Context, string, string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			c := lpd.NewConn(server, 5*time.Second)
			req, err := lpd.ReadRequest(c.R)
			if err != nil {
				served <- err
				return
			}
			rj, ok := req.(lpd.ReceiveJobRequest)
			if !ok {
				served <- errors.Errorf("unexpected request %T", req)
				return
			}
			served <- recv.ReceiveJob(context.Background(), c, rj)
		}()
		return client, nil
	}
	return dial, served
}
