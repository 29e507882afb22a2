// Package lpd implements the line oriented job transfer protocol: request
// decoding, the per-file header/ACK exchange, the block and authenticated
// variants, and both the receiving and the sending side.
package lpd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/orrn/spoold/internal/job"
)

// Verb is the first byte of a request line.
type Verb byte

const (
	VerbStart         Verb = 0x01
	VerbReceiveJob    Verb = 0x02
	VerbShortStatus   Verb = 0x03
	VerbLongStatus    Verb = 0x04
	VerbRemove        Verb = 0x05
	VerbControl       Verb = 0x06
	VerbReceiveBlock  Verb = 0x07
	VerbReceiveSecure Verb = 0x08
)

// Job sub-commands. Any byte other than subAbort introduces a file; the
// file kind comes from its transfer name.
const (
	subAbort   byte = 0x01
	subControl byte = 0x02
	subData    byte = 0x03
)

// Ack is the single status byte answering a request or a file.
type Ack byte

const (
	AckSuccess Ack = 0
	// AckStop means the queue does not accept jobs; do not retry.
	AckStop Ack = 1
	// AckRetry is a transient failure.
	AckRetry Ack = 2
	// AckReject refuses the job; do not resend it.
	AckReject Ack = 3
)

const (
	maxRequestLine = 4096
	maxHeaderLine  = 1024
)

var ErrBadRequest = errors.New("malformed request")

// Request is one decoded request line. The concrete types are listed below;
// callers switch on them exhaustively.
type Request interface {
	QueueName() string
	isRequest()
}

// StartRequest asks the daemon to start the queue's scheduler.
type StartRequest struct{ Printer string }

// ReceiveJobRequest opens a per-file job transfer.
type ReceiveJobRequest struct{ Printer string }

// StatusRequest asks for a queue listing. Selectors are users or job ids.
type StatusRequest struct {
	Printer   string
	Long      bool
	Selectors []string
}

// RemoveRequest removes the selected jobs on behalf of User.
type RemoveRequest struct {
	Printer   string
	User      string
	Selectors []string
}

// ControlRequest is an operator command.
type ControlRequest struct {
	Printer string
	User    string
	Command string
	Args    []string
}

// ReceiveBlockRequest transfers a whole job as one announced block.
type ReceiveBlockRequest struct {
	Printer string
	Size    int64
}

// ReceiveSecureRequest is a block signed by User with the named method.
type ReceiveSecureRequest struct {
	Printer string
	User    string
	Method  string
	Size    int64
}

func (r StartRequest) QueueName() string         { return r.Printer }
func (r ReceiveJobRequest) QueueName() string    { return r.Printer }
func (r StatusRequest) QueueName() string        { return r.Printer }
func (r RemoveRequest) QueueName() string        { return r.Printer }
func (r ControlRequest) QueueName() string       { return r.Printer }
func (r ReceiveBlockRequest) QueueName() string  { return r.Printer }
func (r ReceiveSecureRequest) QueueName() string { return r.Printer }

func (StartRequest) isRequest()         {}
func (ReceiveJobRequest) isRequest()    {}
func (StatusRequest) isRequest()        {}
func (RemoveRequest) isRequest()        {}
func (ControlRequest) isRequest()       {}
func (ReceiveBlockRequest) isRequest()  {}
func (ReceiveSecureRequest) isRequest() {}

// ReadRequest decodes the request line that opens every connection.
func ReadRequest(r *bufio.Reader) (Request, error) {
	line, err := readLine(r, maxRequestLine)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, errors.Wrap(ErrBadRequest, "empty request")
	}
	verb := Verb(line[0])
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return nil, errors.Wrapf(ErrBadRequest, "verb 0x%02x without printer", byte(verb))
	}
	printer := fields[0]
	if err := job.ValidPrinterName(printer); err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	args := fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return errors.Wrapf(ErrBadRequest, "verb 0x%02x needs %d arguments", byte(verb), n)
		}
		return nil
	}

	switch verb {
	case VerbStart:
		return StartRequest{Printer: printer}, nil
	case VerbReceiveJob:
		return ReceiveJobRequest{Printer: printer}, nil
	case VerbShortStatus, VerbLongStatus:
		return StatusRequest{Printer: printer, Long: verb == VerbLongStatus, Selectors: args}, nil
	case VerbRemove:
		if err := need(1); err != nil {
			return nil, err
		}
		return RemoveRequest{Printer: printer, User: args[0], Selectors: args[1:]}, nil
	case VerbControl:
		if err := need(2); err != nil {
			return nil, err
		}
		return ControlRequest{Printer: printer, User: args[0], Command: strings.ToLower(args[1]), Args: args[2:]}, nil
	case VerbReceiveBlock:
		if err := need(1); err != nil {
			return nil, err
		}
		size, err := parseSize(args[0])
		if err != nil {
			return nil, err
		}
		return ReceiveBlockRequest{Printer: printer, Size: size}, nil
	case VerbReceiveSecure:
		if err := need(3); err != nil {
			return nil, err
		}
		size, err := parseSize(args[2])
		if err != nil {
			return nil, err
		}
		return ReceiveSecureRequest{Printer: printer, User: args[0], Method: args[1], Size: size}, nil
	}
	return nil, errors.Wrapf(ErrBadRequest, "unknown verb 0x%02x", byte(verb))
}

// Line renders a request the way ReadRequest expects it.
func (r StartRequest) Line() string      { return requestLine(VerbStart, r.Printer) }
func (r ReceiveJobRequest) Line() string { return requestLine(VerbReceiveJob, r.Printer) }
func (r StatusRequest) Line() string {
	v := VerbShortStatus
	if r.Long {
		v = VerbLongStatus
	}
	return requestLine(v, r.Printer, r.Selectors...)
}
func (r RemoveRequest) Line() string {
	return requestLine(VerbRemove, r.Printer, append([]string{r.User}, r.Selectors...)...)
}
func (r ControlRequest) Line() string {
	return requestLine(VerbControl, r.Printer, append([]string{r.User, r.Command}, r.Args...)...)
}
func (r ReceiveBlockRequest) Line() string {
	return requestLine(VerbReceiveBlock, r.Printer, strconv.FormatInt(r.Size, 10))
}
func (r ReceiveSecureRequest) Line() string {
	return requestLine(VerbReceiveSecure, r.Printer, r.User, r.Method, strconv.FormatInt(r.Size, 10))
}

func requestLine(v Verb, printer string, args ...string) string {
	var b strings.Builder
	b.WriteByte(byte(v))
	b.WriteString(printer)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteByte('\n')
	return b.String()
}

// FileHeader introduces one file of a job: <sub-command><length> <name>.
// Length zero on a streaming transfer means "until end of input".
type FileHeader struct {
	Sub    byte
	Length int64
	Name   job.Name
}

func (h FileHeader) String() string {
	return fmt.Sprintf("%c%d %s\n", h.Sub, h.Length, h.Name)
}

// parseFileHeader decodes a header line. errAbortJob is returned for the abort sub-command.
func parseFileHeader(line string) (FileHeader, error) {
	if line == "" {
		return FileHeader{}, errors.Wrap(ErrBadRequest, "empty file header")
	}
	sub := line[0]
	if sub == subAbort {
		return FileHeader{Sub: sub}, errAbortJob
	}
	sizeText, name, ok := strings.Cut(line[1:], " ")
	if !ok {
		return FileHeader{}, errors.Wrapf(ErrBadRequest, "file header %q has no name", line)
	}
	size, err := parseSize(sizeText)
	if err != nil {
		return FileHeader{}, err
	}
	n, err := job.ParseName(strings.TrimSpace(name))
	if err != nil {
		return FileHeader{}, err
	}
	return FileHeader{Sub: sub, Length: size, Name: n}, nil
}

var errAbortJob = errors.New("job aborted by sender")

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrBadRequest, "bad length %q", s)
	}
	return n, nil
}

// readLine reads one \n terminated line, without the terminator.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var b strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return "", errors.Wrap(io.ErrUnexpectedEOF, "truncated line")
			}
			return "", err
		}
		if c == '\n' {
			return strings.TrimRight(b.String(), "\r"), nil
		}
		if b.Len() >= limit {
			return "", errors.Wrapf(ErrBadRequest, "line longer than %d bytes", limit)
		}
		b.WriteByte(c)
	}
}

func writeAck(w io.Writer, ack Ack) error {
	_, err := w.Write([]byte{byte(ack)})
	return err
}

// writeAckError sends a non-zero ACK followed by a one line explanation.
func writeAckError(w io.Writer, ack Ack, msg string) error {
	if ack == AckSuccess {
		ack = AckRetry
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	_, err := io.WriteString(w, string([]byte{byte(ack)})+msg+"\n")
	return err
}

// readAck reads one ACK byte. A non-zero code is turned into a TransferError
// carrying the text line the peer sends after it.
func readAck(r *bufio.Reader, what string) error {
	c, err := r.ReadByte()
	if err != nil {
		return linkError(err, "waiting for ACK after %s", what)
	}
	if Ack(c) == AckSuccess {
		return nil
	}
	msg, _ := readLine(r, maxRequestLine)
	if msg == "" {
		msg = fmt.Sprintf("%s refused with ACK %d", what, c)
	}
	return ackError(Ack(c), msg)
}
