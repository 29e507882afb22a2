package core

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Summary is the one line queue state used by control replies.
func (s *QueueStatus) Summary() string {
	var flags []string
	if !s.PrintingEnabled {
		flags = append(flags, "printing disabled")
	}
	if !s.SpoolingEnabled {
		flags = append(flags, "spooling disabled")
	}
	if s.Aborted {
		flags = append(flags, "aborted")
	}
	if s.HoldAll {
		flags = append(flags, "holdall")
	}
	if s.Redirect != "" {
		flags = append(flags, "redirect "+s.Redirect)
	}
	if s.Class != "" {
		flags = append(flags, "class "+s.Class)
	}
	line := fmt.Sprintf("%s: %d job(s), %d printable", s.Printer, s.Stats.Total, s.Stats.Pending)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	return line
}

// Select drops the jobs no selector names. Stats still describe the whole queue.
func (s *QueueStatus) Select(selectors []string) {
	if len(selectors) == 0 {
		return
	}
	kept := s.Jobs[:0]
	for _, j := range s.Jobs {
		if selectsStatus(j, selectors) {
			kept = append(kept, j)
		}
	}
	s.Jobs = kept
}

func selectsStatus(j *JobStatus, selectors []string) bool {
	for _, sel := range selectors {
		switch {
		case sel == "-" || sel == "all":
			return true
		case isNumber(sel):
			if n, _ := strconv.Atoi(sel); n == j.Number {
				return true
			}
		case sel == j.Owner || sel == j.ID:
			return true
		}
	}
	return false
}

// Format writes the queue listing returned by the status verbs. The long form
// adds one line per data file and per destination.
func (s *QueueStatus) Format(w io.Writer, long bool) error {
	fmt.Fprintf(w, "Printer: %s\n", s.Summary())
	if s.SchedulerPID > 0 {
		fmt.Fprintf(w, " Scheduler: pid %d\n", s.SchedulerPID)
	}
	if s.ServerPID > 0 {
		fmt.Fprintf(w, " Server: pid %d active\n", s.ServerPID)
	}
	if s.Message != "" {
		fmt.Fprintf(w, " Status: %s\n", s.Message)
	}
	if len(s.Jobs) == 0 {
		_, err := fmt.Fprintln(w, " no entries")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintln(tw, " Rank\tOwner/ID\tClass\tJob\tFiles\tSize\tTime")
	for _, j := range s.Jobs {
		class := j.Class
		if class == "" {
			class = j.Priority
		}
		files := strings.Join(j.Files, " ")
		if j.JobName != "" {
			files = j.JobName
		}
		fmt.Fprintf(tw, " %s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			j.Rank, j.ID, class, j.Number, files, j.Size, j.ReceivedTime.Format("15:04:05"))
		if !long {
			continue
		}
		for _, f := range j.Files {
			fmt.Fprintf(tw, " \t\t\t\t%s\t\t\n", f)
		}
		for _, d := range j.Destinations {
			fmt.Fprintf(tw, " \t-> %s\t%s\t\t%d/%d copies\t\t%s\n", d.Name, d.State, d.CopyDone, d.Copies, d.Error)
		}
		if j.Error != "" {
			fmt.Fprintf(tw, " \terror: %s\t\t\t\t\t\n", j.Error)
		}
	}
	return tw.Flush()
}
