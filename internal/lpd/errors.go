package lpd

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrIncompleteJob = errors.New("incomplete job: missing data files")
	ErrQueueStopped  = errors.New("queue is not accepting jobs")
	ErrPermission    = errors.New("permission denied")
)

// ErrorKind classifies a transfer failure for the retry decision.
type ErrorKind int

const (
	Failure ErrorKind = iota
	LinkFailure
	PermissionDenied
	QueueStopped
	Rejected
)

func (k ErrorKind) String() string {
	switch k {
	case LinkFailure:
		return "link failure"
	case PermissionDenied:
		return "permission denied"
	case QueueStopped:
		return "queue stopped"
	case Rejected:
		return "rejected"
	default:
		return "failure"
	}
}

// TransferError is the most specific failure of a job transfer. Ack is the
// code sent to, or received from, the peer.
type TransferError struct {
	Kind    ErrorKind
	Ack     Ack
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Retryable reports whether resending the job later may succeed.
func (e *TransferError) Retryable() bool {
	return e.Kind == Failure || e.Kind == LinkFailure
}

// AsTransferError extracts a TransferError from err, classifying unknown
// errors as generic failures.
func AsTransferError(err error) *TransferError {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	return &TransferError{Kind: Failure, Ack: AckRetry, Message: err.Error(), Err: err}
}

func linkError(err error, format string, args ...interface{}) error {
	return &TransferError{Kind: LinkFailure, Ack: AckRetry, Message: fmt.Sprintf(format, args...) + ": " + err.Error(), Err: err}
}

func rejectError(err error, msg string) error {
	return &TransferError{Kind: Rejected, Ack: AckReject, Message: msg, Err: err}
}

func retryError(err error, msg string) error {
	return &TransferError{Kind: Failure, Ack: AckRetry, Message: msg, Err: err}
}

// ackError maps an ACK code received from the peer.
func ackError(ack Ack, msg string) error {
	switch ack {
	case AckStop:
		return &TransferError{Kind: QueueStopped, Ack: ack, Message: msg, Err: ErrQueueStopped}
	case AckReject:
		if strings.HasPrefix(msg, PermissionDenied.String()) {
			return &TransferError{Kind: PermissionDenied, Ack: ack, Message: msg, Err: ErrPermission}
		}
		return &TransferError{Kind: Rejected, Ack: ack, Message: msg}
	default:
		return &TransferError{Kind: Failure, Ack: ack, Message: msg}
	}
}
