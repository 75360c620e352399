package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/sirupsen/logrus"
)

const (
	EventReportReady  = "report.ready"
	EventReportFailed = "report.failed"
)

// StatusEvent announces that a report reached a terminal status.
type StatusEvent struct {
	Event     string     `json:"event"`
	Timestamp time.Time  `json:"timestamp"`
	Data      StatusData `json:"data"`
}

type StatusData struct {
	ReportID      string              `json:"report_id"`
	SubjectKey    string              `json:"subject_key"`
	Mode          models.ReportMode   `json:"mode"`
	Status        models.ReportStatus `json:"status"`
	Degraded      bool                `json:"degraded"`
	StorageRef    string              `json:"storage_ref,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
}

// Notifier tells subscribers about terminal report statuses. A failed
// notification never changes the report.
type Notifier interface {
	Notify(ctx context.Context, ev StatusEvent) error
}

// Notifiers fans one event out to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev StatusEvent) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewStatusEvent describes a report that has just been moved to status.
func NewStatusEvent(r *models.Report, status models.ReportStatus, code, msg string, at time.Time) StatusEvent {
	event := EventReportReady
	if status == models.ReportStatusFailed {
		event = EventReportFailed
	}
	data := StatusData{
		ReportID:      r.ID,
		SubjectKey:    r.SubjectKey,
		Mode:          r.Mode,
		Status:        status,
		Degraded:      status == models.ReportStatusReadyDegraded,
		ErrorCode:     code,
		ErrorMessage:  msg,
		CorrelationID: r.CorrelationID,
	}
	if status.HasArtifact() {
		data.StorageRef = r.StorageRef
	}
	return StatusEvent{Event: event, Timestamp: at.UTC(), Data: data}
}

// PubSubNotifier publishes status events to the report status topic.
type PubSubNotifier struct {
	Publish func(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

func (p PubSubNotifier) Notify(ctx context.Context, ev StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.Publish(ctx, data, map[string]string{
		"event":          ev.Event,
		"report_id":      ev.Data.ReportID,
		"status":         string(ev.Data.Status),
		"correlation_id": ev.Data.CorrelationID,
	})
	return err
}

// notifyStatus sends the event for a report that this process just moved to
// a terminal status. Errors are logged only.
func notifyStatus(ctx context.Context, n Notifier, logger *logrus.Logger, ev StatusEvent) {
	if n == nil {
		return
	}
	if err := n.Notify(context.WithoutCancel(ctx), ev); err != nil {
		config.LogError(logger, "workflow", "notifyStatus", "notify "+ev.Event, ev.Data.ReportID, err)
		return
	}
	if logger != nil {
		logger.WithFields(config.StageFields(ev.Data.ReportID, string(ev.Data.Status), ev.Data.SubjectKey, ev.Data.CorrelationID)).
			Debug("status notification sent")
	}
}
