package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) all() []StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]StatusEvent(nil), n.events...)
}

// webhookSink is a subscriber endpoint that checks signatures and keeps the
// events it accepted.
type webhookSink struct {
	t      *testing.T
	secret string
	mu     sync.Mutex
	events []StatusEvent
	calls  int
	status []int
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(s.t, err)

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	assert.Equal(s.t, "sha256="+hex.EncodeToString(mac.Sum(nil)), r.Header.Get(SignatureHeader))
	assert.Equal(s.t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(s.t, "QualityControl-Webhook/1.0", r.Header.Get("User-Agent"))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.status) > 0 {
		code := s.status[0]
		s.status = s.status[1:]
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
	}
	var ev StatusEvent
	require.NoError(s.t, json.Unmarshal(body, &ev))
	s.events = append(s.events, ev)
}

func (s *webhookSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *webhookSink) received() []StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StatusEvent(nil), s.events...)
}

func fastWebhook(secret string, urls ...string) *WebhookNotifier {
	w := NewWebhookNotifier(urls, secret)
	w.InitialBackoff = time.Millisecond
	w.MaxBackoff = time.Millisecond
	return w
}

func TestWebhookNotifier_RetriesServerErrors(t *testing.T) {
	sink := &webhookSink{t: t, secret: "s3cret", status: []int{http.StatusServiceUnavailable, http.StatusOK}}
	srv := httptest.NewServer(sink)
	defer srv.Close()

	ev := StatusEvent{Event: EventReportReady, Timestamp: time.Now().UTC(), Data: StatusData{ReportID: "r-1", Status: models.ReportStatusReady}}
	require.NoError(t, fastWebhook("s3cret", srv.URL).Notify(context.Background(), ev))

	assert.Equal(t, 2, sink.callCount())
	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, EventReportReady, got[0].Event)
	assert.Equal(t, "r-1", got[0].Data.ReportID)
}

func TestWebhookNotifier_ClientErrorIsNotRetried(t *testing.T) {
	rejecting := &webhookSink{t: t, secret: "k", status: []int{http.StatusBadRequest, http.StatusOK}}
	bad := httptest.NewServer(rejecting)
	defer bad.Close()
	accepting := &webhookSink{t: t, secret: "k"}
	good := httptest.NewServer(accepting)
	defer good.Close()

	err := fastWebhook("k", bad.URL, good.URL).Notify(context.Background(), StatusEvent{Event: EventReportFailed})
	var we *WebhookError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, http.StatusBadRequest, we.StatusCode)
	assert.Equal(t, 1, rejecting.callCount())
	assert.Len(t, accepting.received(), 1, "one failing subscriber does not stop the others")
}

func TestWebhookNotifier_NoSecretNoSignature(t *testing.T) {
	headers := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Values(SignatureHeader)
	}))
	defer srv.Close()

	require.NoError(t, fastWebhook("", srv.URL).Notify(context.Background(), StatusEvent{Event: EventReportReady}))
	assert.Empty(t, <-headers)
}

func TestPipeline_NotifiesTerminalStatuses(t *testing.T) {
	incomplete := shiftCheck("c2", "B", "ok")
	incomplete.Status = "in_progress"
	h := newHarness(t, shiftCheck("c1", "B", "ok"), incomplete)
	sink := &webhookSink{t: t, secret: "s3cret"}
	srv := httptest.NewServer(sink)
	defer srv.Close()
	h.runner.Notifier = fastWebhook("s3cret", srv.URL)

	ready := generateCheck(t, h, "c1")
	failed := generateCheck(t, h, "c2")

	got := sink.received()
	require.Len(t, got, 2)

	assert.Equal(t, EventReportReady, got[0].Event)
	assert.Equal(t, ready.ReportID, got[0].Data.ReportID)
	assert.Equal(t, models.ReportStatusReady, got[0].Data.Status)
	assert.False(t, got[0].Data.Degraded)
	assert.Equal(t, h.report(t, ready.ReportID).StorageRef, got[0].Data.StorageRef)
	assert.NotEmpty(t, got[0].Data.StorageRef)

	assert.Equal(t, EventReportFailed, got[1].Event)
	assert.Equal(t, failed.ReportID, got[1].Data.ReportID)
	assert.Equal(t, models.ReportStatusFailed, got[1].Data.Status)
	assert.Equal(t, CodeIncompleteCheck, got[1].Data.ErrorCode)
	assert.Empty(t, got[1].Data.StorageRef)
}

func TestPipeline_NotifierFailureKeepsReport(t *testing.T) {
	h := newHarness(t, shiftCheck("c1", "B", "ok"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	h.runner.Notifier = fastWebhook("", srv.URL)

	res := generateCheck(t, h, "c1")
	assert.Equal(t, models.ReportStatusReady, h.report(t, res.ReportID).Status)
}

func TestResyncAlerts_NotifiesRepair(t *testing.T) {
	h := newHarness(t, shiftCheck("c1", "B", "not_ok"))
	notifier := &recordingNotifier{}
	h.runner.Notifier = notifier
	tracker := &switchTracker{StubTracker: h.tracker, down: true}
	h.runner.Dispatcher.Tracker = tracker

	res := generateCheck(t, h, "c1")
	tracker.setDown(false)
	_, err := h.service.ResyncAlerts(context.Background(), res.ReportID)
	require.NoError(t, err)
	// Nothing changes on the second resync, so nothing is sent.
	_, err = h.service.ResyncAlerts(context.Background(), res.ReportID)
	require.NoError(t, err)

	got := notifier.all()
	require.Len(t, got, 2)
	assert.Equal(t, models.ReportStatusReadyDegraded, got[0].Data.Status)
	assert.True(t, got[0].Data.Degraded)
	assert.Equal(t, EventReportReady, got[1].Event)
	assert.Equal(t, models.ReportStatusReady, got[1].Data.Status)
	assert.False(t, got[1].Data.Degraded)
}

func TestCancel_Notifies(t *testing.T) {
	h := newHarness(t, shiftCheck("c1", "B", "ok"))
	notifier := &recordingNotifier{}
	h.runner.Notifier = notifier
	h.service.ExecutionMode = config.ExecutionBackground
	h.service.Pool = NewWorkerPool(1, 4, nil, nil)

	gate := make(chan struct{})
	_, err := h.service.Pool.Submit(func(context.Context) error { <-gate; return nil })
	require.NoError(t, err)

	res := generateCheck(t, h, "c1")
	outcome, err := h.service.Cancel(context.Background(), res.ReportID)
	require.NoError(t, err)
	require.Equal(t, CancelCancelled, outcome)
	close(gate)
	require.NoError(t, h.service.Pool.Stop(context.Background()))

	got := notifier.all()
	require.Len(t, got, 1, "the cancelled run is not reported again by its worker")
	assert.Equal(t, EventReportFailed, got[0].Event)
	assert.Equal(t, res.ReportID, got[0].Data.ReportID)
	assert.Equal(t, CodeCancelled, got[0].Data.ErrorCode)
}

func TestStaleRunSweeper_Notifies(t *testing.T) {
	reports := newMemReports()
	ctx := context.Background()
	require.NoError(t, reports.CreateReport(ctx, &models.Report{ID: "r-stale", SubjectKey: "check:r-stale", Mode: models.ReportModeSingleCheck, CorrelationID: "corr-1"}))
	reports.setUpdatedAt("r-stale", time.Now().Add(-time.Hour))

	notifier := &recordingNotifier{}
	sweeper := NewStaleRunSweeper(reports, NewRegistry(), testSettings(), nil)
	sweeper.Notifier = notifier
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got := notifier.all()
	require.Len(t, got, 1)
	assert.Equal(t, EventReportFailed, got[0].Event)
	assert.Equal(t, CodeAbandoned, got[0].Data.ErrorCode)
	assert.Equal(t, "corr-1", got[0].Data.CorrelationID)
}

func TestNotifiers_JoinsErrors(t *testing.T) {
	first := &recordingNotifier{}
	failing := PubSubNotifier{Publish: func(context.Context, []byte, map[string]string) (string, error) {
		return "", assert.AnError
	}}
	last := &recordingNotifier{}

	err := Notifiers{first, failing, last}.Notify(context.Background(), StatusEvent{Event: EventReportReady})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, first.all(), 1)
	assert.Len(t, last.all(), 1)
}

func TestPubSubNotifier_Attributes(t *testing.T) {
	var (
		data  []byte
		attrs map[string]string
	)
	n := PubSubNotifier{Publish: func(_ context.Context, d []byte, a map[string]string) (string, error) {
		data, attrs = d, a
		return "m-1", nil
	}}
	ev := StatusEvent{Event: EventReportFailed, Data: StatusData{ReportID: "r-9", Status: models.ReportStatusFailed, CorrelationID: "c-9"}}
	require.NoError(t, n.Notify(context.Background(), ev))

	assert.Equal(t, map[string]string{"event": EventReportFailed, "report_id": "r-9", "status": "FAILED", "correlation_id": "c-9"}, attrs)
	var decoded StatusEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.Data, decoded.Data)
}
