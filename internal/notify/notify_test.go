package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/orrn/spoold/internal/config"
	"github.com/orrn/spoold/internal/db"
	"github.com/orrn/spoold/internal/job"
	"github.com/orrn/spoold/internal/jobstate"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Deliver(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func sampleJob() *job.Job {
	return &job.Job{
		Name:      job.Name{Kind: 'c', Seq: 'A', Number: 7, Digits: 3, Host: "client"},
		Host:      "client",
		User:      "alice",
		JobName:   "report.txt",
		MailTo:    "alice",
		DataFiles: []*job.DataFile{{Size: 100}, {Size: 23}},
	}
}

func TestNotifier_JobEvents(t *testing.T) {
	rec := &recordingSink{}
	n := New(clocktesting.NewFakePassiveClock(testNow), rec)
	j := sampleJob()

	n.OnJobArrived("lp", j)
	n.OnJobStatusChanged("lp", j, jobstate.Printing, "")
	n.OnJobStatusChanged("lp", j, jobstate.Done, "")
	j.Hold.Error = "device offline"
	n.OnJobStatusChanged("lp", j, jobstate.Removed, "")
	n.OnJobStatusChanged("lp", j, jobstate.RetryWait, "lp@remote")

	require.Len(t, rec.events, 5)
	types := make([]EventType, len(rec.events))
	for i, e := range rec.events {
		types[i] = e.Type
	}
	assert.Equal(t, []EventType{EventJobArrived, EventJobStarted, EventJobCompleted, EventJobFailed, EventJobRetry}, types)

	first := rec.events[0]
	assert.Equal(t, "alice@client+007", first.JobID)
	assert.Equal(t, int64(123), first.Size)
	assert.Equal(t, "pending", first.State)
	assert.Equal(t, testNow, first.Timestamp)
	assert.Equal(t, "lp@remote", rec.events[4].Destination)
}

func TestNotifier_NilIsNoop(t *testing.T) {
	var n *Notifier
	n.OnJobArrived("lp", sampleJob())
	assert.NoError(t, n.Publish(context.Background(), Event{Type: EventJobArrived}))
}

func TestWebhook_SignsAndFilters(t *testing.T) {
	var mu sync.Mutex
	var got []*http.Request
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws := NewWebhookSender([]config.WebhookConfig{
		{URL: srv.URL, Secret: "s3cret", Events: []string{"job_completed"}},
	}, WebhookOptions{RetryDelay: time.Millisecond})
	ws.Start()
	defer ws.Stop()

	e := Event{Type: EventJobCompleted, Printer: "lp", JobID: "alice@client+007", Timestamp: testNow}
	require.NoError(t, ws.Deliver(context.Background(), Event{Type: EventJobArrived, Printer: "lp"}))
	require.NoError(t, ws.Deliver(context.Background(), e))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job_completed", got[0].Header.Get("X-Webhook-Event"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	data, err := json.Marshal(payload.Data)
	require.NoError(t, err)
	assert.Equal(t, signPayload(data, "s3cret"), got[0].Header.Get("X-Webhook-Signature"))
	assert.Equal(t, payload.Signature, got[0].Header.Get("X-Webhook-Signature"))
	assert.Equal(t, "alice@client+007", payload.Data.JobID)
}

func TestWebhook_RetriesServerErrorsOnly(t *testing.T) {
	var calls int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer failing.Close()

	ws := NewWebhookSender(nil, WebhookOptions{RetryCount: 3, RetryDelay: time.Millisecond})
	task := &webhookTask{hook: config.WebhookConfig{URL: failing.URL}, payload: &WebhookPayload{Event: "job_failed"}}
	require.NoError(t, ws.sendWithRetry(task))
	assert.Equal(t, 3, task.attempt)

	var rejected int32
	client := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&rejected, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer client.Close()

	task = &webhookTask{hook: config.WebhookConfig{URL: client.URL}, payload: &WebhookPayload{Event: "job_failed"}}
	err := ws.sendWithRetry(task)
	require.Error(t, err)
	assert.True(t, isClientError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&rejected))
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSink_Subject(t *testing.T) {
	pub := &fakePublisher{}
	s := NewNATSSink(pub, "")
	require.NoError(t, s.Deliver(context.Background(), Event{Type: EventJobHeld, Printer: "lp", JobID: "x"}))
	assert.Equal(t, []string{"spoold.jobs.lp.job_held"}, pub.subjects)

	var e Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &e))
	assert.Equal(t, EventJobHeld, e.Type)
}

func TestMailer_TerminalEventsOnly(t *testing.T) {
	type sent struct {
		to  []string
		msg string
	}
	var mu sync.Mutex
	var mails []sent
	m := NewMailer(config.MailConfig{SMTPAddr: "mail:25", Operator: "ops@example.com"},
		func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			mu.Lock()
			defer mu.Unlock()
			mails = append(mails, sent{to: to, msg: string(msg)})
			return nil
		})
	m.Start()

	require.NoError(t, m.Deliver(context.Background(), Event{Type: EventJobStarted, MailTo: "alice", Host: "client"}))
	require.NoError(t, m.Deliver(context.Background(), Event{Type: EventJobCompleted, MailTo: "alice", Host: "client", JobID: "j1"}))
	require.NoError(t, m.Deliver(context.Background(), Event{Type: EventJobFailed, MailTo: "bob@example.com", JobID: "j2", Error: "device offline"}))
	require.NoError(t, m.Deliver(context.Background(), Event{Type: EventJobRemoved}))
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, mails, 3)
	assert.Equal(t, []string{"alice@client"}, mails[0].to)
	assert.Contains(t, mails[0].msg, "printed successfully")
	assert.Equal(t, []string{"bob@example.com", "ops@example.com"}, mails[1].to)
	assert.Contains(t, mails[1].msg, "Error: device offline")
	assert.Equal(t, []string{"ops@example.com"}, mails[2].to)
}

func TestHistorySink(t *testing.T) {
	require.NoError(t, db.Init(db.Config{Path: filepath.Join(t.TempDir(), "h.db")}))
	defer db.Close()

	n := New(clocktesting.NewFakePassiveClock(testNow), HistorySink{})
	j := sampleJob()
	n.OnJobArrived("lp", j)
	n.OnJobStatusChanged("lp", j, jobstate.Done, "")
	n.OnDeviceStatusChanged("lp", "/dev/lp0", "online", "offline", "no paper")

	entries, err := db.History.List(context.Background(), db.HistoryFilter{Printer: "lp"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	counters, err := db.Counters.GetCounters(context.Background(), "lp", testNow, testNow)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, int64(1), counters[0].Count)
}
