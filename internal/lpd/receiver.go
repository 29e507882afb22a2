package lpd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/spool"
)

const maxControlBytes = 1 << 20

// Queue is what the receiver needs to know about a configured printer.
type Queue struct {
	Printer      string
	Dir          *spool.Dir
	MinFreeBytes int64
	// MaxJobBytes bounds a single job; zero is unlimited.
	MaxJobBytes int64
	// Routes become the destinations of every job arriving on the queue.
	Routes []job.Destination
}

// Queues resolves printer names.
type Queues interface {
	SetupPrinter(name string) (*Queue, error)
}

// Receiver accepts jobs into spool directories.
type Receiver struct {
	Queues Queues
	Permit PermissionFunc
	// Auth maps a method name to the authenticator for secure transfers.
	Auth map[string]Authenticator
	// OnArrival runs after a job was committed and its slot released.
	OnArrival func(q *Queue, j *job.Job)
	Clock     clock.PassiveClock
	Log       *log.Entry
}

func (r *Receiver) clock() clock.PassiveClock {
	if r.Clock == nil {
		return clock.RealClock{}
	}
	return r.Clock
}

func (r *Receiver) logger() *log.Entry {
	if r.Log == nil {
		return log.NewEntry(log.StandardLogger())
	}
	return r.Log
}

// ReceiveJob runs the per-file transfer loop until the peer closes its side.
func (r *Receiver) ReceiveJob(ctx context.Context, c *Conn, req ReceiveJobRequest) error {
	q, err := r.openQueue(req.Printer)
	if err != nil {
		return r.fail(c, err)
	}
	if err := writeAck(c, AckSuccess); err != nil {
		return linkError(err, "ACK request")
	}
	t := r.newTransfer(q, c.Peer)
	defer t.close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := readLine(c.R, maxHeaderLine)
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fail(c, linkError(err, "read file header"))
		}
		hdr, err := parseFileHeader(line)
		if errors.Is(err, errAbortJob) {
			t.log.Info("sender aborted the job")
			return nil
		}
		if err != nil {
			return r.fail(c, rejectError(err, err.Error()))
		}
		in, err := t.begin(hdr)
		if err != nil {
			return r.fail(c, err)
		}
		if err := writeAck(c, AckSuccess); err != nil {
			return linkError(err, "ACK header of %s", hdr.Name)
		}
		unbounded := hdr.Length == 0 && in.orig.Kind == job.KindData
		if err := t.write(in, c, hdr.Length, unbounded); err != nil {
			return r.fail(c, err)
		}
		if !unbounded {
			if err := readTerminator(c.R); err != nil {
				return r.fail(c, err)
			}
		}
		if err := t.accept(in); err != nil {
			return r.fail(c, err)
		}
		if unbounded {
			if err := writeAck(c, AckSuccess); err != nil {
				return linkError(err, "ACK %s", hdr.Name)
			}
			break
		}
		if err := writeAck(c, AckSuccess); err != nil {
			return linkError(err, "ACK %s", hdr.Name)
		}
	}
	j, err := t.finish()
	if err != nil {
		return r.fail(c, err)
	}
	if j != nil {
		r.arrived(t, j)
	}
	return nil
}

// ReceiveBlock reads the whole job as one announced block.
func (r *Receiver) ReceiveBlock(ctx context.Context, c *Conn, req ReceiveBlockRequest) error {
	return r.receiveBlock(ctx, c, req.Printer, req.Size, nil)
}

// ReceiveSecure verifies a signed block before accepting the job inside it.
func (r *Receiver) ReceiveSecure(ctx context.Context, c *Conn, req ReceiveSecureRequest) error {
	auth, ok := r.Auth[req.Method]
	if !ok {
		return r.fail(c, rejectError(ErrAuthFailed, fmt.Sprintf("unsupported authentication method %q", req.Method)))
	}
	verify := func(payload []byte) (string, []byte, error) {
		return auth.Verify(req.User, payload)
	}
	return r.receiveBlock(ctx, c, req.Printer, req.Size, verify)
}

type verifyFunc func(payload []byte) (identity string, block []byte, err error)

func (r *Receiver) receiveBlock(ctx context.Context, c *Conn, printer string, size int64, verify verifyFunc) error {
	q, err := r.openQueue(printer)
	if err != nil {
		return r.fail(c, err)
	}
	if q.MaxJobBytes > 0 && size > q.MaxJobBytes {
		return r.fail(c, rejectError(nil, fmt.Sprintf("job of %d bytes exceeds the %d byte limit", size, q.MaxJobBytes)))
	}
	if err := r.checkSpace(q, size); err != nil {
		return r.fail(c, err)
	}
	if err := writeAck(c, AckSuccess); err != nil {
		return linkError(err, "ACK request")
	}

	tmp, err := os.CreateTemp(q.Dir.Path, "tmp-"+uuid.NewString()+"-")
	if err != nil {
		return r.fail(c, retryError(err, "cannot create block file"))
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if _, err := io.CopyN(tmp, c, size); err != nil {
		return r.fail(c, linkError(err, "read %d byte block", size))
	}
	if err := readTerminator(c.R); err != nil {
		return r.fail(c, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return r.fail(c, retryError(err, "rewind block file"))
	}

	t := r.newTransfer(q, c.Peer)
	defer t.close()
	var body io.Reader = tmp
	if verify != nil {
		payload, err := io.ReadAll(tmp)
		if err != nil {
			return r.fail(c, retryError(err, "read block file"))
		}
		identity, block, err := verify(payload)
		if err != nil {
			return r.fail(c, &TransferError{Kind: PermissionDenied, Ack: AckReject, Message: err.Error(), Err: err})
		}
		t.identity = identity
		body = bytes.NewReader(block)
	}
	if err := t.readRecords(bufio.NewReader(body)); err != nil {
		return r.fail(c, err)
	}
	j, err := t.finish()
	if err == nil && j == nil {
		err = rejectError(ErrIncompleteJob, "empty job block")
	}
	if err != nil {
		return r.fail(c, err)
	}
	r.arrived(t, j)
	return writeAck(c, AckSuccess)
}

func (r *Receiver) openQueue(printer string) (*Queue, error) {
	q, err := r.Queues.SetupPrinter(printer)
	if err != nil {
		return nil, rejectError(err, fmt.Sprintf("unknown printer %q", printer))
	}
	ctl, err := q.Dir.LoadControl()
	if err != nil {
		return nil, retryError(err, "cannot read queue state")
	}
	if ctl.SpoolingDisabled {
		return nil, &TransferError{Kind: QueueStopped, Ack: AckStop, Message: fmt.Sprintf("%s: spooling disabled", printer), Err: ErrQueueStopped}
	}
	return q, nil
}

func (r *Receiver) checkSpace(q *Queue, size int64) error {
	free, err := q.Dir.FreeBytes()
	if err != nil {
		return retryError(err, "cannot determine free space")
	}
	if size > free-q.MinFreeBytes {
		return retryError(nil, fmt.Sprintf("insufficient spool space for %d bytes", size))
	}
	return nil
}

func (r *Receiver) fail(c *Conn, err error) error {
	te := AsTransferError(err)
	if te.Kind != LinkFailure {
		_ = writeAckError(c, te.Ack, te.Error())
	}
	return err
}

func (r *Receiver) arrived(t *transfer, j *job.Job) {
	t.log.WithField("job", j.ID()).Infof("received job %s (%d bytes)", j.Name, j.TotalSize())
	if r.OnArrival != nil {
		r.OnArrival(t.q, j)
	}
}

func readTerminator(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return linkError(err, "read file terminator")
	}
	if b != 0 {
		return rejectError(ErrBadRequest, fmt.Sprintf("expected NUL after file, got 0x%02x", b))
	}
	return nil
}

// transfer owns the job being received. Until it is committed every file it
// created is removed when it closes.
type transfer struct {
	r         *Receiver
	q         *Queue
	peer      string
	log       *log.Entry
	slot      *spool.Slot
	first     job.Name
	control   *incoming
	job       *job.Job
	data      map[string]*incoming
	total     int64
	identity  string
	committed bool
}

type incoming struct {
	orig  job.Name
	final job.Name
	path  string
	size  int64
	// control holds the bytes of a control file until it is accepted.
	control []byte
}

func (r *Receiver) newTransfer(q *Queue, peer string) *transfer {
	return &transfer{
		r:    r,
		q:    q,
		peer: peer,
		log:  r.logger().WithFields(log.Fields{"printer": q.Printer, "peer": peer}),
		data: map[string]*incoming{},
	}
}

// begin validates a header and reserves the file's final name.
func (t *transfer) begin(hdr FileHeader) (*incoming, error) {
	name := hdr.Name
	if t.slot == nil {
		slot, err := t.q.Dir.Allocate(name.Number)
		if errors.Is(err, spool.ErrQueueFull) {
			return nil, retryError(err, fmt.Sprintf("%s: queue full", t.q.Printer))
		}
		if err != nil {
			return nil, retryError(err, "cannot allocate job number")
		}
		t.slot = slot
		t.first = name
		t.log = t.log.WithField("number", slot.Number)
	} else if !name.SameJob(t.first) {
		return nil, rejectError(ErrBadRequest, fmt.Sprintf("%s does not belong to job %s", name, t.first))
	}

	in := &incoming{orig: name, final: name.Renumber(t.slot.Number, t.slot.Digits)}
	in.path = t.q.Dir.File(in.final.String())
	switch name.Kind {
	case job.KindControl:
		if t.control != nil {
			return nil, rejectError(ErrBadRequest, "second control file")
		}
		if hdr.Length > maxControlBytes {
			return nil, rejectError(ErrBadRequest, fmt.Sprintf("control file of %d bytes is too large", hdr.Length))
		}
	default:
		if _, dup := t.data[name.String()]; dup {
			return nil, rejectError(ErrBadRequest, fmt.Sprintf("duplicate data file %s", name))
		}
	}
	if hdr.Length > 0 {
		if t.q.MaxJobBytes > 0 && t.total+hdr.Length > t.q.MaxJobBytes {
			return nil, rejectError(nil, fmt.Sprintf("job exceeds the %d byte limit", t.q.MaxJobBytes))
		}
		if err := t.r.checkSpace(t.q, hdr.Length); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// write stores the body of a file announced by begin.
func (t *transfer) write(in *incoming, body io.Reader, length int64, unbounded bool) error {
	if in.orig.Kind == job.KindControl {
		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, body, length); err != nil {
			return linkError(err, "read control file %s", in.orig)
		}
		in.control = buf.Bytes()
		in.size = int64(len(in.control))
		return nil
	}

	f, err := os.OpenFile(in.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return retryError(err, fmt.Sprintf("cannot create %s", in.final))
	}
	defer f.Close()
	if unbounded {
		free, err := t.q.Dir.FreeBytes()
		if err != nil {
			return retryError(err, "cannot determine free space")
		}
		limit := free - t.q.MinFreeBytes
		if t.q.MaxJobBytes > 0 && t.q.MaxJobBytes-t.total < limit {
			limit = t.q.MaxJobBytes - t.total
		}
		n, err := io.Copy(f, io.LimitReader(body, limit+1))
		if err != nil {
			return linkError(err, "read %s", in.orig)
		}
		if n > limit {
			return retryError(nil, fmt.Sprintf("%s exhausted the available spool space", in.orig))
		}
		in.size = n
	} else {
		n, err := io.CopyN(f, body, length)
		in.size = n
		if err != nil {
			return linkError(err, "read %s (%d of %d bytes)", in.orig, n, length)
		}
	}
	if err := f.Sync(); err != nil {
		return retryError(err, fmt.Sprintf("write %s", in.final))
	}
	return nil
}

// accept registers a completely received file with the job.
func (t *transfer) accept(in *incoming) error {
	t.total += in.size
	if in.orig.Kind != job.KindControl {
		t.data[in.orig.String()] = in
		return nil
	}
	j, err := job.ParseControl(in.control)
	if err != nil {
		return rejectError(err, err.Error())
	}
	check := Check{Op: OpSpool, Printer: t.q.Printer, User: j.User, Host: j.Host, RemoteHost: t.peer, AuthUser: t.identity}
	permit := t.r.Permit
	if permit == nil {
		permit = AllowAll
	}
	if err := permit(check); err != nil {
		return &TransferError{Kind: PermissionDenied, Ack: AckReject, Message: fmt.Sprintf("%s may not spool to %s", j.Owner(), t.q.Printer), Err: err}
	}
	t.control = in
	t.job = j
	return nil
}

// readRecords consumes the files of a block: header line then exactly length bytes.
func (t *transfer) readRecords(br *bufio.Reader) error {
	for {
		line, err := readLine(br, maxHeaderLine)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rejectError(err, "malformed job block")
		}
		hdr, err := parseFileHeader(line)
		if errors.Is(err, errAbortJob) {
			return rejectError(err, "job aborted inside block")
		}
		if err != nil {
			return rejectError(err, err.Error())
		}
		in, err := t.begin(hdr)
		if err != nil {
			return err
		}
		if err := t.write(in, br, hdr.Length, false); err != nil {
			var te *TransferError
			if errors.As(err, &te) && te.Kind == LinkFailure {
				return rejectError(err, "truncated job block")
			}
			return err
		}
		if err := t.accept(in); err != nil {
			return err
		}
	}
}

// finish checks completeness and commits the job. It returns nil, nil when
// the peer sent no files at all.
func (t *transfer) finish() (*job.Job, error) {
	if t.slot == nil {
		return nil, nil
	}
	if t.job == nil {
		return nil, rejectError(ErrIncompleteJob, "no control file received")
	}
	if missing, extra := reconcile(t.job.DataFiles, t.data); len(missing) > 0 || len(extra) > 0 {
		msg := "incomplete job"
		if len(missing) > 0 {
			msg += ": missing data files " + strings.Join(missing, ", ")
		}
		if len(extra) > 0 {
			msg += ": unreferenced data files " + strings.Join(extra, ", ")
		}
		return nil, rejectError(ErrIncompleteJob, msg)
	}

	now := t.r.clock().Now()
	j := t.job
	j.Name = t.control.final
	j.ControlPath = t.control.path
	j.HoldPath = t.slot.HoldPath()
	for _, df := range j.DataFiles {
		in := t.data[df.OriginalName]
		df.TransferName = in.final.String()
		df.Path = in.path
		df.Size = in.size
	}
	if t.identity != "" {
		j.Auth = t.identity
	}
	if j.Host == "" {
		j.Host = t.peer
	}
	if j.Identifier == "" {
		j.Identifier = fmt.Sprintf("%s@%s+%0*d", j.Owner(), j.Name.Host, j.Name.Digits, j.Name.Number)
	}
	if j.Date == "" {
		j.Date = now.UTC().Format(time.RFC3339)
	}
	if j.Queue == "" {
		j.Queue = t.q.Printer
	}
	if err := writeFileAtomic(j.ControlPath, j.ControlBytes()); err != nil {
		return nil, retryError(err, "cannot write control file")
	}

	ctl, err := t.q.Dir.LoadControl()
	if err != nil {
		return nil, retryError(err, "cannot read queue state")
	}
	h := t.slot.Hold
	h.ControlName = j.Name.String()
	h.ReceivedTime = now
	h.Receiver = 0
	h.Destinations = append([]job.Destination(nil), t.q.Routes...)
	if ctl.HoldAll {
		h.HoldTime = now
	}
	if err := t.slot.Save(); err != nil {
		return nil, retryError(err, "cannot write hold file")
	}
	j.Hold = *h
	t.committed = true
	t.close()
	return j, nil
}

func (t *transfer) close() {
	if t.slot == nil {
		return
	}
	var err error
	if t.committed {
		err = t.slot.Release()
	} else {
		err = t.slot.Discard()
		t.log.Debug("discarded incomplete transfer")
	}
	if err != nil {
		t.log.WithError(err).Warn("cleanup after transfer")
	}
	t.slot = nil
}

// reconcile merges the data files the control file references with the ones
// received, both sorted by the sender's name.
func reconcile(referenced []*job.DataFile, received map[string]*incoming) (missing, extra []string) {
	want := make([]string, 0, len(referenced))
	for _, df := range referenced {
		want = append(want, df.OriginalName)
	}
	got := make([]string, 0, len(received))
	for name := range received {
		got = append(got, name)
	}
	sort.Strings(want)
	sort.Strings(got)
	i, k := 0, 0
	for i < len(want) || k < len(got) {
		switch {
		case k >= len(got) || (i < len(want) && want[i] < got[k]):
			missing = append(missing, want[i])
			i++
		case i >= len(want) || got[k] < want[i]:
			extra = append(extra, got[k])
			k++
		default:
			i++
			k++
		}
	}
	return missing, extra
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}
