// Package jobstate maps subserver exit codes onto job record mutations.
package jobstate

import (
	"fmt"
	"strings"
)

// Code is the exit status a subserver reports for one job.
type Code int

const (
	Success     Code = 0
	Fail        Code = 1
	Abort       Code = 2
	Remove      Code = 3
	Hold        Code = 6
	Signal      Code = 9
	FailNoRetry Code = 10
	Timeout     Code = 12
)

var codeNames = map[Code]string{
	Success:     "success",
	Fail:        "fail",
	Abort:       "abort",
	Remove:      "remove",
	Hold:        "hold",
	Signal:      "signal",
	FailNoRetry: "fail-no-retry",
	Timeout:     "timeout",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// FromExit classifies a process exit. Death by signal is a failure; unknown
// codes count as aborts.
func FromExit(status int, signaled bool) Code {
	if signaled {
		return Signal
	}
	c := Code(status)
	if _, ok := codeNames[c]; !ok {
		return Abort
	}
	return c
}

// Action is what the exhaustion hook decides once a job ran out of retries.
type Action int

const (
	ActionRemove Action = iota
	ActionSuccess
	ActionRetry
	ActionAbort
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionSuccess:
		return "success"
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	case ActionHold:
		return "hold"
	default:
		return "remove"
	}
}

// ParseAction accepts the names printed by Action.String. Empty means remove.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "remove":
		return ActionRemove, nil
	case "success":
		return ActionSuccess, nil
	case "retry":
		return ActionRetry, nil
	case "abort":
		return ActionAbort, nil
	case "hold":
		return ActionHold, nil
	}
	return ActionRemove, fmt.Errorf("unknown exhausted action %q", s)
}

// State is the derived status of a job or destination.
type State string

const (
	Pending   State = "pending"
	Printing  State = "printing"
	Held      State = "held"
	Done      State = "done"
	Removed   State = "removed"
	Aborted   State = "aborted"
	RetryWait State = "retry-wait"
)

// Terminal reports whether no further scheduling happens in this state.
func (s State) Terminal() bool { return s == Done || s == Removed }
