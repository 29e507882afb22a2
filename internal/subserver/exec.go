package subserver

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/jobstate"
)

// ExecLauncher runs each subserver as "<Path> <Args...> subserver --printer P
// --job hfNNN [--dest N]", normally the daemon binary itself.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
}

// SelfLauncher re-executes the running binary with the given leading arguments.
func SelfLauncher(args ...string) (*ExecLauncher, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate own executable")
	}
	return &ExecLauncher{Path: path, Args: args}, nil
}

// CommandArgs is the argument list for req after the leading arguments.
func CommandArgs(req Request) []string {
	args := []string{"subserver", "--printer", req.Printer, "--job", req.HoldName}
	if req.Dest >= 0 {
		args = append(args, "--dest", strconv.Itoa(req.Dest))
	}
	return args
}

func (l *ExecLauncher) Launch(_ context.Context, req Request) (Process, error) {
	args := append(append([]string(nil), l.Args...), CommandArgs(req)...)
	cmd := exec.Command(l.Path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so terminal signals to the daemon do not reach children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.WithStack(err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() (jobstate.Code, error) {
	err := p.cmd.Wait()
	if err == nil {
		return jobstate.Success, nil
	}
	return ExitCode(err), err
}

// ExitCode classifies the error of a finished command.
func ExitCode(err error) jobstate.Code {
	if err == nil {
		return jobstate.Success
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return jobstate.Abort
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
		return jobstate.FromExit(ws.ExitStatus(), ws.Signaled())
	}
	return jobstate.FromExit(ee.ExitCode(), false)
}
