package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// Publisher is the part of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <subject>.<printer>.<event>.
type NATSSink struct {
	pub     Publisher
	nc      *nats.Conn
	subject string
}

func ConnectNATS(url, subject string) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("spoold"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats at %s", url)
	}
	s := NewNATSSink(nc, subject)
	s.nc = nc
	return s, nil
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = "spoold.jobs"
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(e Event) string {
	return s.subject + "." + e.Printer + "." + string(e.Type)
}

func (s *NATSSink) Deliver(_ context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return errors.Wrap(s.pub.Publish(s.Subject(e), b), "nats publish")
}

func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}
