package dispatch

import (
	"context"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/sirupsen/logrus"
)

type CallRecord struct {
	Method      string
	Mode        string
	ContentHash string
	Request     any
	Response    string
	Error       string
	Duration    time.Duration
}

type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// RecordingTracker writes every tracker call to a CallRecorder. Recording
// failures are logged and never fail the call.
type RecordingTracker struct {
	Tracker
	Recorder CallRecorder
	Logger   *logrus.Logger
}

func (t *RecordingTracker) CreateTicket(ctx context.Context, p TicketPayload) (string, error) {
	start := time.Now()
	id, err := t.Tracker.CreateTicket(ctx, p)
	t.record(ctx, CallRecord{Method: "create_ticket", ContentHash: p.ContentHash, Request: p, Response: id, Duration: time.Since(start)}, err)
	return id, err
}

func (t *RecordingTracker) FindTicket(ctx context.Context, contentHash string) (string, bool, error) {
	start := time.Now()
	id, ok, err := t.Tracker.FindTicket(ctx, contentHash)
	t.record(ctx, CallRecord{Method: "find_ticket", ContentHash: contentHash, Request: map[string]string{"content_hash": contentHash}, Response: id, Duration: time.Since(start)}, err)
	return id, ok, err
}

func (t *RecordingTracker) record(ctx context.Context, rec CallRecord, callErr error) {
	if t.Recorder == nil {
		return
	}
	rec.Mode = t.Tracker.Mode()
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := t.Recorder.RecordCall(context.WithoutCancel(ctx), rec); err != nil && t.Logger != nil {
		config.LogError(t.Logger, "dispatch", "RecordingTracker.record", "record tracker call", rec.Method, err)
	}
}
