package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/db"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
	"github.com/orrn/spoold/internal/lockfile"
	"github.com/orrn/spoold/internal/spool"
)

var (
	ErrUnknownCommand = errors.New("unknown control command")
	ErrNotPermitted   = errors.New("permission denied")
	ErrNoMatchingJobs = errors.New("no matching jobs")
	ErrMissingArgs    = errors.New("missing argument")
)

// Requester identifies who asked for an operation.
type Requester struct {
	User     string
	Host     string
	Operator bool
}

func (r Requester) String() string {
	if r.Host == "" {
		return r.User
	}
	return r.User + "@" + r.Host
}

// owns reports whether r may act on j.
func (r Requester) owns(j *job.Job) bool {
	if r.Operator {
		return true
	}
	if r.User == "" || j.Owner() != r.User {
		return false
	}
	return r.Host == "" || j.Host == "" || j.Host == r.Host
}

// JobNotifier is told about operator driven state changes.
type JobNotifier interface {
	OnJobStatusChanged(printer string, j *job.Job, state jobstate.State, dest string)
}

// QueueService implements the operator controls over queues and their jobs.
type QueueService struct {
	spools   *Spools
	kicker   Kicker
	notifier JobNotifier
	clock    clock.PassiveClock
	log      *log.Entry
}

func NewQueueService(spools *Spools, kicker Kicker, notifier JobNotifier, clk clock.PassiveClock) *QueueService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &QueueService{
		spools:   spools,
		kicker:   kicker,
		notifier: notifier,
		clock:    clk,
		log:      log.WithField("component", "queue"),
	}
}

func (q *QueueService) Spools() *Spools { return q.spools }

func (q *QueueService) notify(printer string, j *job.Job, state jobstate.State, dest string) {
	if q.notifier != nil {
		q.notifier.OnJobStatusChanged(printer, j, state, dest)
	}
}

// Status lists a queue and its jobs in print order.
func (q *QueueService) Status(printer string) (*QueueStatus, error) {
	d, _, err := q.spools.Open(printer)
	if err != nil {
		return nil, err
	}
	ctl, err := d.LoadControl()
	if err != nil {
		return nil, err
	}
	jobs, _, err := d.Scan()
	if err != nil {
		return nil, err
	}

	st := &QueueStatus{
		Printer:         printer,
		PrintingEnabled: !ctl.PrintingDisabled,
		SpoolingEnabled: !ctl.SpoolingDisabled,
		Aborted:         ctl.Aborted,
		HoldAll:         ctl.HoldAll,
		Redirect:        ctl.Redirect,
		Class:           ctl.Class,
		Message:         ctl.Message,
		SchedulerPID:    d.QueueLockOwner(),
		ServerPID:       d.ServerPID(),
		Jobs:            make([]*JobStatus, 0, len(jobs)),
	}

	now := q.clock.Now()
	rank := 0
	for _, j := range jobs {
		state := jobstate.Derive(j, now)
		js := jobView(j, state)
		switch state {
		case jobstate.Printing:
			js.Rank = "active"
			st.Stats.Printing++
		case jobstate.Held:
			js.Rank = "hold"
			st.Stats.Held++
		case jobstate.Done:
			js.Rank = "done"
			st.Stats.Done++
		case jobstate.Removed:
			js.Rank = "error"
			st.Stats.Removed++
		case jobstate.RetryWait:
			js.Rank = "retry"
			st.Stats.RetryWait++
		default:
			rank++
			js.Rank = strconv.Itoa(rank)
			st.Stats.Pending++
		}
		for i := range j.Hold.Destinations {
			dest := &j.Hold.Destinations[i]
			js.Destinations = append(js.Destinations, DestinationStatus{
				Name:     dest.Name,
				State:    string(jobstate.DeriveProgress(&dest.Progress, now)),
				Copies:   max(dest.Copies, 1),
				CopyDone: dest.CopyDone,
				Error:    dest.Error,
			})
		}
		st.Jobs = append(st.Jobs, js)
	}
	if ctl.Aborted {
		st.Stats.Aborted = 1
	}
	st.Stats.Total = len(jobs)
	return st, nil
}

func jobView(j *job.Job, state jobstate.State) *JobStatus {
	js := &JobStatus{
		ID:           j.ID(),
		Number:       j.Number(),
		Priority:     string(j.Priority()),
		Owner:        j.Owner(),
		Host:         j.Host,
		Class:        j.Class,
		JobName:      j.JobName,
		Size:         j.TotalSize(),
		State:        string(state),
		Attempt:      j.Hold.Attempt,
		Error:        j.Hold.Error,
		Server:       j.Hold.Server,
		ReceivedTime: j.Hold.ReceivedTime,
	}
	for _, df := range j.DataFiles {
		name := df.SourceName
		if name == "" {
			name = df.TransferName
		}
		js.Files = append(js.Files, name)
	}
	return js
}

func (q *QueueService) Stats(printer string) (QueueStats, error) {
	st, err := q.Status(printer)
	if err != nil {
		return QueueStats{}, err
	}
	return st.Stats, nil
}

// Control runs one operator command and returns the reply line.
func (q *QueueService) Control(ctx context.Context, printer string, who Requester, command string, args []string) (string, error) {
	command = strings.ToLower(command)
	switch command {
	case "status":
		st, err := q.Status(printer)
		if err != nil {
			return "", err
		}
		return st.Summary(), nil
	case "lpd":
		return fmt.Sprintf("%s: server pid %d", printer, os.Getpid()), nil
	}
	if !who.Operator {
		return "", errors.Wrapf(ErrNotPermitted, "%s may not %s %s", who, command, printer)
	}

	var (
		reply string
		err   error
	)
	switch command {
	case "start":
		reply, err = q.setControl(printer, "printing enabled", func(c *spool.QueueControl) error {
			c.PrintingDisabled, c.Aborted, c.Message = false, false, ""
			return nil
		})
		q.kick(printer)
	case "stop":
		reply, err = q.setControl(printer, "printing disabled", func(c *spool.QueueControl) error {
			c.PrintingDisabled = true
			return nil
		})
	case "enable":
		reply, err = q.setControl(printer, "spooling enabled", func(c *spool.QueueControl) error {
			c.SpoolingDisabled = false
			return nil
		})
	case "disable":
		reply, err = q.setControl(printer, "spooling disabled", func(c *spool.QueueControl) error {
			c.SpoolingDisabled = true
			return nil
		})
	case "up":
		reply, err = q.setControl(printer, "printing and spooling enabled", func(c *spool.QueueControl) error {
			c.PrintingDisabled, c.SpoolingDisabled, c.Aborted, c.Message = false, false, false, ""
			return nil
		})
		q.kick(printer)
	case "down":
		reply, err = q.setControl(printer, "printing and spooling disabled", func(c *spool.QueueControl) error {
			c.PrintingDisabled, c.SpoolingDisabled = true, true
			return nil
		})
	case "abort":
		reply, err = q.Abort(printer)
	case "holdall", "noholdall":
		on := command == "holdall"
		reply, err = q.setControl(printer, "hold all "+onOff(on), func(c *spool.QueueControl) error {
			c.HoldAll = on
			return nil
		})
		if !on {
			q.kick(printer)
		}
	case "redirect":
		reply, err = q.Redirect(printer, args)
	case "class":
		if len(args) == 0 {
			return "", errors.Wrap(ErrMissingArgs, "class")
		}
		class := args[0]
		if class == "off" {
			class = ""
		}
		reply, err = q.setControl(printer, "class "+args[0], func(c *spool.QueueControl) error {
			c.Class = class
			return nil
		})
		q.kick(printer)
	case "hold", "release", "topq":
		var n int
		verb := map[string]string{"hold": "held", "release": "released", "topq": "moved to top"}[command]
		switch command {
		case "hold":
			n, err = q.Hold(printer, who, args)
		case "release":
			n, err = q.Release(printer, who, args)
		default:
			n, err = q.Topq(printer, who, args)
		}
		reply = fmt.Sprintf("%s: %d job(s) %s", printer, n, verb)
	case "kick":
		if err = q.kick(printer); err == nil {
			reply = printer + ": scheduler started"
		}
	default:
		return "", errors.Wrapf(ErrUnknownCommand, "%q", command)
	}
	if err != nil {
		return "", err
	}
	q.audit(ctx, printer, who, command, args)
	return reply, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (q *QueueService) setControl(printer, reply string, fn func(*spool.QueueControl) error) (string, error) {
	d, _, err := q.spools.Open(printer)
	if err != nil {
		return "", err
	}
	if _, err := d.UpdateControl(fn); err != nil {
		return "", err
	}
	return printer + ": " + reply, nil
}

func (q *QueueService) kick(printer string) error {
	if q.kicker == nil {
		return nil
	}
	err := q.kicker.Kick(printer)
	if err != nil {
		q.log.WithError(err).WithField("printer", printer).Warn("cannot start scheduler")
	}
	return err
}

func (q *QueueService) audit(ctx context.Context, printer string, who Requester, action string, args []string) {
	if !db.Enabled() {
		return
	}
	entry := &db.AuditLog{
		Action:    action,
		Printer:   printer,
		Actor:     who.String(),
		Details:   strings.Join(args, " "),
		IPAddress: who.Host,
	}
	if err := db.Audit.CreateAuditLog(ctx, entry); err != nil {
		q.log.WithError(err).Debug("cannot record audit entry")
	}
}

// Abort stops printing and terminates the subservers of active jobs.
func (q *QueueService) Abort(printer string) (string, error) {
	d, _, err := q.spools.Open(printer)
	if err != nil {
		return "", err
	}
	if _, err := d.UpdateControl(func(c *spool.QueueControl) error {
		c.PrintingDisabled = true
		return nil
	}); err != nil {
		return "", err
	}
	jobs, _, err := d.Scan()
	if err != nil {
		return "", err
	}
	killed := 0
	for _, j := range jobs {
		killed += terminateServers(j)
	}
	if pid := d.ServerPID(); pid > 0 && pid != os.Getpid() && lockfile.ProcessAlive(pid) && killed == 0 {
		if lockfile.Signal(pid, unix.SIGTERM) == nil {
			killed++
		}
	}
	return fmt.Sprintf("%s: printing disabled, %d server(s) terminated", printer, killed), nil
}

// Redirect forwards new work to another queue; "off" cancels.
func (q *QueueService) Redirect(printer string, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.Wrap(ErrMissingArgs, "redirect")
	}
	target := args[0]
	if target == "off" {
		target = ""
	}
	reply, err := q.setControl(printer, "redirect "+args[0], func(c *spool.QueueControl) error {
		c.Redirect = target
		return nil
	})
	if err == nil {
		q.kick(printer)
	}
	return reply, err
}

// Hold stops matching jobs from being scheduled until released.
func (q *QueueService) Hold(printer string, who Requester, selectors []string) (int, error) {
	now := q.clock.Now()
	return q.mutateJobs(printer, who, selectors, jobstate.Held, func(j *job.Job) bool {
		if st := jobstate.Derive(j, now); st.Terminal() || st == jobstate.Held {
			return false
		}
		j.Hold.HoldTime = now
		return true
	})
}

// Release makes held or failed jobs eligible again with a fresh retry count.
func (q *QueueService) Release(printer string, who Requester, selectors []string) (int, error) {
	now := q.clock.Now()
	n, err := q.mutateJobs(printer, who, selectors, jobstate.Pending, func(j *job.Job) bool {
		if jobstate.Derive(j, now).Terminal() {
			return false
		}
		changed := release(&j.Hold.Progress)
		for i := range j.Hold.Destinations {
			d := &j.Hold.Destinations[i]
			if d.DoneTime.IsZero() && d.RemoveTime.IsZero() && release(&d.Progress) {
				changed = true
			}
		}
		return changed
	})
	if n > 0 {
		q.kick(printer)
	}
	return n, err
}

func release(p *job.Progress) bool {
	if p.HoldTime.IsZero() && p.RetryTime.IsZero() && p.Attempt == 0 && p.Error == "" {
		return false
	}
	p.HoldTime, p.RetryTime = time.Time{}, time.Time{}
	p.Attempt = 0
	p.Error = ""
	return true
}

// Topq moves matching jobs ahead of everything else and releases them.
func (q *QueueService) Topq(printer string, who Requester, selectors []string) (int, error) {
	now := q.clock.Now()
	n, err := q.mutateJobs(printer, who, selectors, jobstate.Pending, func(j *job.Job) bool {
		if jobstate.Derive(j, now).Terminal() {
			return false
		}
		j.Hold.PriorityTime = now
		j.Hold.HoldTime = time.Time{}
		return true
	})
	if n > 0 {
		q.kick(printer)
	}
	return n, err
}

// mutateJobs applies fn to every matching job under its lock and saves the
// ones fn changed.
func (q *QueueService) mutateJobs(printer string, who Requester, selectors []string, state jobstate.State, fn func(*job.Job) bool) (int, error) {
	d, _, err := q.spools.Open(printer)
	if err != nil {
		return 0, err
	}
	jobs, err := q.selectJobs(d, who, selectors)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, j := range jobs {
		slot, err := d.LockJobWait(j)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return changed, err
		}
		if fn(j) {
			if err := slot.Save(); err != nil {
				slot.Release()
				return changed, err
			}
			changed++
			q.notify(printer, j, state, "")
		}
		slot.Release()
	}
	return changed, nil
}

func (q *QueueService) selectJobs(d *spool.Dir, who Requester, selectors []string) ([]*job.Job, error) {
	jobs, _, err := d.Scan()
	if err != nil {
		return nil, err
	}
	var out []*job.Job
	for _, j := range jobs {
		if !who.owns(j) {
			continue
		}
		if len(selectors) == 0 {
			// Without selectors act on the requester's first job only.
			return []*job.Job{j}, nil
		}
		if MatchJob(j, selectors) {
			out = append(out, j)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMatchingJobs
	}
	return out, nil
}

// MatchJob reports whether any selector names j. A selector is "-" or "all",
// a job number, a user name or a job id.
func MatchJob(j *job.Job, selectors []string) bool {
	for _, s := range selectors {
		switch {
		case s == "-" || s == "all":
			return true
		case isNumber(s):
			if n, _ := strconv.Atoi(s); n == j.Number() {
				return true
			}
		case s == j.Owner() || s == j.ID():
			return true
		}
	}
	return false
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Remove deletes matching jobs. A job that is printing is marked removed and
// its subserver terminated; the scheduler unlinks it when the subserver exits.
func (q *QueueService) Remove(ctx context.Context, printer string, who Requester, selectors []string) ([]string, error) {
	d, _, err := q.spools.Open(printer)
	if err != nil {
		return nil, err
	}
	jobs, err := q.selectJobs(d, who, selectors)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, j := range jobs {
		slot, err := d.LockJobWait(j)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return removed, err
		}
		now := q.clock.Now()
		if jobstate.Derive(j, now) == jobstate.Removed && activeServers(j) == 0 {
			slot.Release()
			continue
		}
		j.Hold.RemoveTime = now
		if terminateServers(j) > 0 {
			err = slot.Save()
		} else {
			err = d.RemoveJobFiles(j)
		}
		slot.Release()
		if err != nil {
			return removed, err
		}
		removed = append(removed, j.ID())
		q.notify(printer, j, jobstate.Removed, "")
		q.log.WithFields(log.Fields{"printer": printer, "job": j.ID()}).Infof("removed by %s", who)
	}
	if len(removed) > 0 {
		q.audit(ctx, printer, who, "remove", removed)
	}
	return removed, nil
}

// serverPIDs lists the live subservers recorded for j, ignoring this process.
func serverPIDs(j *job.Job) []int {
	self := os.Getpid()
	var pids []int
	add := func(pid int) {
		if pid > 0 && pid != self && lockfile.ProcessAlive(pid) {
			pids = append(pids, pid)
		}
	}
	add(j.Hold.Server)
	for _, d := range j.Hold.Destinations {
		add(d.Server)
	}
	return pids
}

func activeServers(j *job.Job) int { return len(serverPIDs(j)) }

func terminateServers(j *job.Job) int {
	n := 0
	for _, pid := range serverPIDs(j) {
		if err := lockfile.Signal(pid, unix.SIGTERM); err == nil {
			n++
		}
	}
	return n
}
