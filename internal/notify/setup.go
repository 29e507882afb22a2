package notify

import (
	"k8s.io/utils/clock"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/db"
)

// FromConfig builds a Notifier with every sink the configuration enables and
// starts their workers. The returned stop function drains them.
func FromConfig(cfg config.NotifyConfig, clk clock.PassiveClock) (*Notifier, func(), error) {
	n := New(clk)
	var stops []func()

	if db.Enabled() {
		n.Add(HistorySink{})
	}
	if len(cfg.Webhooks) > 0 {
		ws := NewWebhookSender(cfg.Webhooks, WebhookOptions{WorkerCount: cfg.WebhookWorkers})
		ws.Start()
		n.Add(ws)
		stops = append(stops, ws.Stop)
	}
	if cfg.NATS.URL != "" {
		ns, err := ConnectNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			for _, stop := range stops {
				stop()
			}
			return nil, nil, err
		}
		n.Add(ns)
		stops = append(stops, ns.Close)
	}
	if cfg.Mail.SMTPAddr != "" {
		m := NewMailer(cfg.Mail, nil)
		m.Start()
		n.Add(m)
		stops = append(stops, m.Stop)
	}

	return n, func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}
