package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/spoold/internal/config"
)

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type mailTask struct {
	to  []string
	msg []byte
}

// Mailer tells the job's mail-to user how the job ended. Failures are also
// copied to the operator address.
type Mailer struct {
	cfg      config.MailConfig
	send     SendMailFunc
	queue    chan mailTask
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *log.Entry
}

func NewMailer(cfg config.MailConfig, send SendMailFunc) *Mailer {
	if send == nil {
		send = smtp.SendMail
	}
	if cfg.From == "" {
		cfg.From = "spoold@localhost"
	}
	return &Mailer{
		cfg:    cfg,
		send:   send,
		queue:  make(chan mailTask, 50),
		stopCh: make(chan struct{}),
		log:    log.WithField("sink", "mail"),
	}
}

func (m *Mailer) Name() string { return "mail" }

func (m *Mailer) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop sends what is queued, then returns.
func (m *Mailer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Mailer) Deliver(_ context.Context, e Event) error {
	if !e.Type.Terminal() {
		return nil
	}
	to := m.recipients(e)
	if len(to) == 0 {
		return nil
	}
	select {
	case m.queue <- mailTask{to: to, msg: m.compose(e, to)}:
		return nil
	default:
		return errors.New("mail queue full")
	}
}

func (m *Mailer) recipients(e Event) []string {
	var to []string
	if e.MailTo != "" {
		to = append(to, mailAddress(e.MailTo, e.Host))
	}
	if m.cfg.Operator != "" && e.Type != EventJobCompleted {
		to = append(to, m.cfg.Operator)
	}
	return to
}

// mailAddress qualifies a bare user with the submitting host.
func mailAddress(user, host string) string {
	if strings.Contains(user, "@") || host == "" {
		return user
	}
	return user + "@" + host
}

func (m *Mailer) compose(e Event, to []string) []byte {
	var outcome string
	switch e.Type {
	case EventJobCompleted:
		outcome = "printed successfully"
	case EventJobFailed:
		outcome = "failed"
	default:
		outcome = "was removed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: printer job %s %s\r\n", e.JobID, outcome)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Printer: %s\r\nJob: %s\r\n", e.Printer, e.JobID)
	if e.JobName != "" {
		fmt.Fprintf(&b, "Name: %s\r\n", e.JobName)
	}
	fmt.Fprintf(&b, "Status: %s\r\n", outcome)
	if e.Error != "" {
		fmt.Fprintf(&b, "Error: %s\r\n", e.Error)
	}
	return []byte(b.String())
}

func (m *Mailer) run() {
	defer m.wg.Done()
	for {
		select {
		case t := <-m.queue:
			m.deliver(t)
		case <-m.stopCh:
			for {
				select {
				case t := <-m.queue:
					m.deliver(t)
				default:
					return
				}
			}
		}
	}
}

func (m *Mailer) deliver(t mailTask) {
	if err := m.send(m.cfg.SMTPAddr, nil, m.cfg.From, t.to, t.msg); err != nil {
		m.log.WithError(err).Warnf("cannot mail %s", strings.Join(t.to, ","))
	}
}
