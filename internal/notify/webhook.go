package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/spoold/internal/config"
)

type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      Event     `json:"data"`
	Signature string    `json:"signature,omitempty"`
}

type WebhookOptions struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type webhookTask struct {
	hook    config.WebhookConfig
	payload *WebhookPayload
	attempt int
}

// WebhookSender posts HMAC-signed events to the configured endpoints from a
// small worker pool. Client errors (4xx) are not retried.
type WebhookSender struct {
	hooks      []config.WebhookConfig
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *webhookTask
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	log        *log.Entry
}

func NewWebhookSender(hooks []config.WebhookConfig, opts WebhookOptions) *WebhookSender {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	return &WebhookSender{
		hooks:      hooks,
		httpClient: &http.Client{Timeout: opts.Timeout},
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		workers:    opts.WorkerCount,
		queue:      make(chan *webhookTask, opts.QueueSize),
		stopCh:     make(chan struct{}),
		log:        log.WithField("sink", "webhook"),
	}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Deliver queues e for every hook subscribed to its type. A full queue drops
// the event.
func (s *WebhookSender) Deliver(_ context.Context, e Event) error {
	var dropped int
	for _, hook := range s.hooks {
		if !subscribed(hook, e.Type) {
			continue
		}
		task := &webhookTask{
			hook: hook,
			payload: &WebhookPayload{
				Event:     string(e.Type),
				Timestamp: e.Timestamp,
				Data:      e,
			},
		}
		select {
		case s.queue <- task:
		default:
			dropped++
			s.log.Warnf("queue full, dropping %s for %s", e.Type, hook.URL)
		}
	}
	if dropped > 0 {
		return errors.Errorf("webhook queue full: dropped %d deliveries", dropped)
	}
	return nil
}

func subscribed(hook config.WebhookConfig, t EventType) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, ev := range hook.Events {
		if ev == string(t) || ev == "*" {
			return true
		}
	}
	return false
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.log.WithError(err).WithField("worker", id).
					Warnf("giving up on %s for %s after %d attempts", task.payload.Event, task.hook.URL, task.attempt)
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.hook, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.log.Debugf("retry %d/%d for %s in %v: %v", task.attempt, s.retryCount, task.hook.URL, backoff, err)

			select {
			case <-s.stopCh:
				return errors.New("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return errors.Wrap(lastErr, "max retries exceeded")
}

type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http error: %d", e.code) }

func (s *WebhookSender) sendRequest(hook config.WebhookConfig, payload *WebhookPayload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return errors.Wrap(err, "marshal data")
	}

	if hook.Secret != "" {
		payload.Signature = signPayload(dataBytes, hook.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

// signPayload is the hex HMAC-SHA256 of the event data under secret.
func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}
