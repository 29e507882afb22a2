package subserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
	"github.com/orrn/spoold/internal/lockfile"
	"github.com/orrn/spoold/internal/lpd"
	"github.com/orrn/spoold/internal/spool"
)

// OpenFunc opens an output device.
type OpenFunc func(ctx context.Context, spec core.DeviceSpec, timeout time.Duration) (io.WriteCloser, error)

// Worker performs one attempt inside a subserver: print the job on the
// queue's device or forward it to another queue.
type Worker struct {
	Spools *core.Spools
	Open   OpenFunc
	Dial   lpd.DialFunc
	Clock  clock.Clock
	Log    *log.Entry
}

// target is where one attempt goes.
type target struct {
	name    string
	printer *config.Printer
	// local is set when the job moves into another queue of this host.
	local *spool.Dir
	// queue and addr are set when the job is forwarded over the network.
	queue string
	addr  string
}

func (w *Worker) clock() clock.Clock {
	if w.Clock == nil {
		return clock.RealClock{}
	}
	return w.Clock
}

func (w *Worker) logger() *log.Entry {
	if w.Log == nil {
		return log.WithField("component", "worker")
	}
	return w.Log
}

// Run performs the attempt and returns the exit code for the scheduler. A
// failure's text is stored on the job record so the scheduler can report it.
func (w *Worker) Run(ctx context.Context, printer, holdName string, dest int) (jobstate.Code, error) {
	d, p, err := w.Spools.Open(printer)
	if err != nil {
		return jobstate.FailNoRetry, err
	}
	j, err := d.LoadJob(holdName)
	switch {
	case err == nil:
	case errors.Is(err, spool.ErrMissingDataFile), errors.Is(err, job.ErrMalformedControl):
		return jobstate.Remove, err
	default:
		return jobstate.Fail, err
	}
	logger := w.logger().WithFields(log.Fields{"printer": printer, "job": j.ID(), "pid": os.Getpid()})

	switch jobstate.DeriveProgress(j.ProgressFor(dest), w.clock().Now()) {
	case jobstate.Removed:
		return jobstate.Remove, nil
	case jobstate.Held:
		return jobstate.Hold, nil
	}

	t, err := w.resolve(d, p, j, dest)
	if err != nil {
		w.recordError(d, j, dest, err)
		return jobstate.FailNoRetry, err
	}
	logger = logger.WithField("target", t.name)

	var code jobstate.Code
	switch {
	case t.local != nil:
		code, err = w.transfer(t, j)
	case t.addr != "":
		code, err = w.forward(ctx, t, j)
	default:
		code, err = w.print(ctx, d, t, j, logger)
	}
	if err != nil {
		logger.WithError(err).Warnf("attempt ended with %s", code)
		w.recordError(d, j, dest, err)
		return code, err
	}
	logger.Info("attempt succeeded")
	return code, nil
}

// resolve picks the target: the destination's name, then a per-job redirect,
// then the queue redirect, then the queue itself.
func (w *Worker) resolve(d *spool.Dir, p *config.Printer, j *job.Job, dest int) (*target, error) {
	name := ""
	switch {
	case dest >= 0 && dest < len(j.Hold.Destinations):
		name = j.Hold.Destinations[dest].Name
	case j.Hold.Redirect != "":
		name = j.Hold.Redirect
	default:
		ctl, err := d.LoadControl()
		if err != nil {
			return nil, err
		}
		name = ctl.Redirect
	}

	if name == "" || name == p.Name {
		return w.direct(p)
	}
	if other, ok := w.Spools.Config().Printer(name); ok {
		od, _, err := w.Spools.Open(other.Name)
		if err != nil {
			return nil, err
		}
		return &target{name: name, printer: other, local: od}, nil
	}
	queue, addr, err := config.ParseRemote(name)
	if err != nil {
		return nil, err
	}
	return &target{name: name, printer: p, queue: queue, addr: addr}, nil
}

func (w *Worker) direct(p *config.Printer) (*target, error) {
	if p.Remote != "" {
		queue, addr, err := p.RemoteQueue()
		if err != nil {
			return nil, err
		}
		return &target{name: p.Remote, printer: p, queue: queue, addr: addr}, nil
	}
	if p.Device == "" {
		return nil, errors.Wrapf(core.ErrNoDevice, "printer %s", p.Name)
	}
	return &target{name: p.Device, printer: p}, nil
}

// transfer moves the job into another local queue and wakes its scheduler.
func (w *Worker) transfer(t *target, j *job.Job) (jobstate.Code, error) {
	ctl, err := t.local.LoadControl()
	if err != nil {
		return jobstate.Fail, err
	}
	if ctl.SpoolingDisabled {
		return jobstate.Fail, errors.Errorf("queue %s is not accepting jobs", t.name)
	}
	if _, err := t.local.Import(j, t.printer.Destinations(), ctl.HoldAll); err != nil {
		return jobstate.Fail, err
	}
	if pid := t.local.QueueLockOwner(); pid > 0 && pid != os.Getpid() {
		_ = lockfile.Signal(pid, unix.SIGUSR1)
	}
	return jobstate.Success, nil
}

// NewSender builds the transfer client for forwarding from printer p.
func NewSender(cfg *config.Config, p *config.Printer, dial lpd.DialFunc, clk clock.Clock) *lpd.Sender {
	s := &lpd.Sender{
		Dial:    dial,
		Timeout: cfg.Server.IOTimeout,
		Retry: lpd.RetryPolicy{
			Attempts:    p.ConnectRetries,
			Interval:    p.ConnectInterval,
			MaxInterval: p.MaxConnectInterval,
			WaitForPort: true,
		},
		ControlFirst: p.SendControlFirst(),
		Block:        p.SendBlock,
		Clock:        clk,
		Log:          log.WithField("printer", p.Name),
	}
	if p.Auth == lpd.MethodHMAC {
		s.Auth = lpd.HMACAuth{Secrets: cfg.Auth.Secrets}
		s.AuthMethod = p.Auth
		s.AuthUser = p.AuthUser
	}
	return s
}

func (w *Worker) forward(ctx context.Context, t *target, j *job.Job) (jobstate.Code, error) {
	s := NewSender(w.Spools.Config(), t.printer, w.Dial, w.clock())
	if err := s.Send(ctx, t.addr, t.queue, j); err != nil {
		return TransferCode(err), err
	}
	return jobstate.Success, nil
}

// TransferCode maps a failed transfer onto an exit code.
func TransferCode(err error) jobstate.Code {
	if err == nil {
		return jobstate.Success
	}
	switch lpd.AsTransferError(err).Kind {
	case lpd.PermissionDenied:
		return jobstate.FailNoRetry
	case lpd.Rejected:
		return jobstate.Remove
	default:
		return jobstate.Fail
	}
}

// print writes every copy of every data file to the device, through the
// printer's filter for the file's format when one is configured.
func (w *Worker) print(ctx context.Context, d *spool.Dir, t *target, j *job.Job, logger *log.Entry) (jobstate.Code, error) {
	spec, err := core.ParseDevice(t.printer.Device)
	if err != nil {
		return jobstate.FailNoRetry, err
	}
	open := w.Open
	if open == nil {
		open = core.OpenDevice
	}
	timeout := w.Spools.Config().Devices.ConnectionTimeout
	out, err := open(ctx, spec, timeout)
	if err != nil {
		return jobstate.Fail, err
	}

	code, err := jobstate.Success, error(nil)
	for _, df := range j.DataFiles {
		for c := 0; c < max(df.Copies, 1) && err == nil; c++ {
			code, err = w.printFile(ctx, out, d, t.printer, j, df, logger)
		}
		if err != nil {
			break
		}
	}
	if cerr := out.Close(); cerr != nil && err == nil {
		return jobstate.Fail, errors.Wrapf(cerr, "close %s", spec)
	}
	return code, err
}

func (w *Worker) printFile(ctx context.Context, out io.Writer, d *spool.Dir, p *config.Printer, j *job.Job, df *job.DataFile, logger *log.Entry) (jobstate.Code, error) {
	in, err := os.Open(df.Path)
	if err != nil {
		return jobstate.Remove, errors.WithStack(err)
	}
	defer in.Close()

	filter := p.Filter(df.Format)
	if filter == "" {
		if _, err := io.Copy(out, in); err != nil {
			return jobstate.Fail, errors.Wrapf(err, "write %s", df.TransferName)
		}
		return jobstate.Success, nil
	}

	stderr := logger.WriterLevel(log.WarnLevel)
	defer stderr.Close()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", filter)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = stderr
	cmd.Dir = d.Path
	cmd.Env = append(os.Environ(),
		"PRINTER="+p.Name,
		"SPOOL_DIR="+d.Path,
		"CONTROL_FILE="+j.ControlPath,
		"DATA_FILE="+df.Path,
		"JOB_ID="+j.ID(),
		"JOB_NAME="+j.JobName,
		"USER="+j.Owner(),
		"HOST="+j.Host,
		"FORMAT="+string(df.Format),
	)
	if err := cmd.Run(); err != nil {
		code := ExitCode(err)
		return code, errors.Wrapf(err, "filter %q exited with %s", filter, code)
	}
	return jobstate.Success, nil
}

// recordError stores the failure text on the job or destination.
func (w *Worker) recordError(d *spool.Dir, j *job.Job, dest int, cause error) {
	slot, err := d.LockJobWait(j)
	if err != nil {
		return
	}
	defer slot.Release()
	j.ProgressFor(dest).Error = fmt.Sprint(cause)
	if err := slot.Save(); err != nil {
		w.logger().WithError(err).Debug("cannot record job error")
	}
}
