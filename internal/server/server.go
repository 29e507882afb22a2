// Package server is the spooling daemon's network front: it accepts protocol
// connections and dispatches each request verb.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/core"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/lpd"
	"github.com/orrn/spoold/internal/metrics"
)

// ArrivalNotifier is told about every job accepted into a queue.
type ArrivalNotifier interface {
	OnJobArrived(printer string, j *job.Job)
}

type Options struct {
	Service  *core.QueueService
	Kicker   core.Kicker
	Notifier ArrivalNotifier
	Clock    clock.PassiveClock
}

// Server accepts protocol connections.
type Server struct {
	cfg      *config.Config
	svc      *core.QueueService
	kicker   core.Kicker
	notifier ArrivalNotifier
	receiver *lpd.Receiver
	permit   lpd.PermissionFunc
	status   *cache.Cache

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	cfg := opts.Service.Spools().Config()
	s := &Server{
		cfg:      cfg,
		svc:      opts.Service,
		kicker:   opts.Kicker,
		notifier: opts.Notifier,
		permit:   Permissions(cfg.Permissions),
	}
	if cfg.Server.StatusCacheTTL > 0 {
		s.status = cache.New(cfg.Server.StatusCacheTTL, 2*cfg.Server.StatusCacheTTL)
	}
	s.receiver = &lpd.Receiver{
		Queues:    queueSource{spools: opts.Service.Spools()},
		Permit:    s.permit,
		Auth:      map[string]lpd.Authenticator{lpd.MethodHMAC: lpd.HMACAuth{Secrets: cfg.Auth.Secrets}},
		OnArrival: s.arrived,
		Clock:     opts.Clock,
	}
	return s
}

// queueSource resolves receivable queues from the configuration.
type queueSource struct {
	spools *core.Spools
}

func (q queueSource) SetupPrinter(name string) (*lpd.Queue, error) {
	d, p, err := q.spools.Open(name)
	if err != nil {
		return nil, err
	}
	cfg := q.spools.Config()
	return &lpd.Queue{
		Printer:      name,
		Dir:          d,
		MinFreeBytes: cfg.Spool.MinFreeKB * 1024,
		MaxJobBytes:  p.MaxJobKB * 1024,
		Routes:       p.Destinations(),
	}, nil
}

func (s *Server) arrived(q *lpd.Queue, j *job.Job) {
	metrics.RecordJobReceived(q.Printer, j.TotalSize())
	s.invalidate()
	if s.notifier != nil {
		s.notifier.OnJobArrived(q.Printer, j)
	}
	if s.kicker != nil {
		if err := s.kicker.Kick(q.Printer); err != nil {
			log.WithError(err).WithField("printer", q.Printer).Warn("cannot start scheduler")
		}
	}
}

// ListenAndServe listens on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Server.Listen)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then waits for the open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Infof("listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer s.wg.Wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.WithError(err).Warn("accept failed")
				continue
			}
			return errors.Wrap(err, "accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(ctx, nc)
		}()
	}
}

// Addr is the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleConn serves the single request of a connection and closes it.
func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	c := lpd.NewConn(nc, s.cfg.Server.IOTimeout)
	logger := log.WithFields(log.Fields{"conn": uuid.NewString(), "peer": c.Peer})

	if s.cfg.Server.ReadTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(s.cfg.Server.ReadTimeout))
	}
	req, err := lpd.ReadRequest(c.R)
	if err != nil {
		logger.WithError(err).Debug("bad request")
		metrics.RecordRequest("invalid", err)
		return
	}
	logger = logger.WithField("printer", req.QueueName())
	verb := verbName(req)
	err = s.dispatch(ctx, c, req)
	metrics.RecordRequest(verb, err)
	if err != nil {
		logger.WithError(err).Infof("%s request failed", verb)
		return
	}
	logger.Debugf("%s request done", verb)
}

func verbName(req lpd.Request) string {
	switch r := req.(type) {
	case lpd.StartRequest:
		return "start"
	case lpd.ReceiveJobRequest:
		return "receive"
	case lpd.StatusRequest:
		if r.Long {
			return "status_long"
		}
		return "status"
	case lpd.RemoveRequest:
		return "remove"
	case lpd.ControlRequest:
		return "control"
	case lpd.ReceiveBlockRequest:
		return "receive_block"
	case lpd.ReceiveSecureRequest:
		return "receive_secure"
	}
	return "unknown"
}

func (s *Server) dispatch(ctx context.Context, c *lpd.Conn, req lpd.Request) error {
	switch req := req.(type) {
	case lpd.StartRequest:
		return s.start(req)
	case lpd.ReceiveJobRequest:
		return s.receiver.ReceiveJob(ctx, c, req)
	case lpd.ReceiveBlockRequest:
		return s.receiver.ReceiveBlock(ctx, c, req)
	case lpd.ReceiveSecureRequest:
		return s.receiver.ReceiveSecure(ctx, c, req)
	case lpd.StatusRequest:
		text, err := s.statusText(req, c.Peer)
		return writeReply(c, text, err)
	case lpd.RemoveRequest:
		text, err := s.remove(ctx, req, c.Peer)
		return writeReply(c, text, err)
	case lpd.ControlRequest:
		text, err := s.control(ctx, req, c.Peer)
		return writeReply(c, text, err)
	}
	return errors.Errorf("unexpected request %T", req)
}

// start needs no reply; the connection is simply closed.
func (s *Server) start(req lpd.StartRequest) error {
	if _, _, err := s.svc.Spools().Open(req.Printer); err != nil {
		return err
	}
	if s.kicker == nil {
		return nil
	}
	return s.kicker.Kick(req.Printer)
}

// writeReply sends the text answer of status, remove and control requests.
// Errors are reported to the peer as a final line.
func writeReply(w io.Writer, text string, err error) error {
	if err != nil {
		text += fmt.Sprintf("%v\n", err)
	}
	if _, werr := io.WriteString(w, text); werr != nil {
		return werr
	}
	return err
}

func (s *Server) requester(user, host string) core.Requester {
	return core.Requester{User: user, Host: host, Operator: IsOperator(s.cfg.Permissions, user, host)}
}

func (s *Server) statusText(req lpd.StatusRequest, peer string) (string, error) {
	if err := s.permit(lpd.Check{Op: lpd.OpStatus, Printer: req.Printer, RemoteHost: peer}); err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s|%t|%s", req.Printer, req.Long, strings.Join(req.Selectors, " "))
	if s.status != nil {
		if text, ok := s.status.Get(key); ok {
			return text.(string), nil
		}
	}
	st, err := s.svc.Status(req.Printer)
	if err != nil {
		return "", err
	}
	st.Select(req.Selectors)
	var buf bytes.Buffer
	if err := st.Format(&buf, req.Long); err != nil {
		return "", err
	}
	if s.status != nil {
		s.status.SetDefault(key, buf.String())
	}
	return buf.String(), nil
}

func (s *Server) remove(ctx context.Context, req lpd.RemoveRequest, peer string) (string, error) {
	check := lpd.Check{Op: lpd.OpRemove, Printer: req.Printer, User: req.User, RemoteHost: peer}
	if err := s.permit(check); err != nil {
		return "", err
	}
	defer s.invalidate()
	removed, err := s.svc.Remove(ctx, req.Printer, s.requester(req.User, peer), req.Selectors)
	var b strings.Builder
	for _, id := range removed {
		fmt.Fprintf(&b, "%s: %s dequeued\n", req.Printer, id)
	}
	return b.String(), err
}

func (s *Server) control(ctx context.Context, req lpd.ControlRequest, peer string) (string, error) {
	check := lpd.Check{Op: lpd.OpControl, Printer: req.Printer, User: req.User, RemoteHost: peer}
	if err := s.permit(check); err != nil {
		return "", err
	}
	defer s.invalidate()
	reply, err := s.svc.Control(ctx, req.Printer, s.requester(req.User, peer), req.Command, req.Args)
	if reply != "" && !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	return reply, err
}

func (s *Server) invalidate() {
	if s.status != nil {
		s.status.Flush()
	}
}
