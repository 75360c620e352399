package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/Dm1tryAndreev1ch/apperate/workbook"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// PublishFunc queues a run on the message bus.
type PublishFunc func(ctx context.Context, msg config.ReportRunMessage) (string, error)

// Service is the entry point for callers: it registers runs, serves their
// status and artifacts, resyncs alerts and cancels runs.
type Service struct {
	Runner  *Runner
	Reports ReportRepository
	Objects utils.ObjectStore
	Locker  utils.Locker
	Pool    *WorkerPool
	Publish PublishFunc
	Logger  *logrus.Logger
	Metrics *Metrics

	// ExecutionMode is one of config.ExecutionSync, ExecutionBackground or
	// ExecutionPubSub.
	ExecutionMode string
	LockTTL       time.Duration

	group singleflight.Group
}

type GenerateResult struct {
	ReportID string              `json:"report_id"`
	Status   models.ReportStatus `json:"status"`
	Existing bool                `json:"existing"`
}

// GenerateReport starts a run for the request's subject, or returns the run
// already in flight for it. Concurrent callers for one subject share a single
// registration in this process; the subject lock and the unique active key
// extend that across processes.
func (s *Service) GenerateReport(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	run, subjectKey, err := req.Normalize()
	if err != nil {
		return nil, err
	}
	ctx, correlationID := utils.EnsureCorrelationId(ctx)
	if req.CorrelationID == "" {
		req.CorrelationID = correlationID
	}

	v, err, _ := s.group.Do(subjectKey, func() (interface{}, error) {
		return s.register(ctx, run, subjectKey, req)
	})
	if err != nil {
		return nil, err
	}
	reg := v.(*registration)
	if reg.created != nil {
		// Only the caller that created the report launches it.
		reg.launchOnce.Do(func() { reg.launchErr = s.launch(ctx, reg.created) })
		if reg.launchErr != nil {
			return nil, reg.launchErr
		}
	}
	res := reg.result
	if current, err := s.Reports.GetReport(ctx, res.ReportID); err == nil {
		res.Status = current.Status
	}
	return &res, nil
}

type registration struct {
	result     GenerateResult
	created    *models.Report
	launchOnce sync.Once
	launchErr  error
}

func (s *Service) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	return time.Minute
}

func (s *Service) register(ctx context.Context, run RunRequest, subjectKey string, req GenerateRequest) (*registration, error) {
	lock, err := s.Locker.Obtain(ctx, "qc:run:"+subjectKey, s.lockTTL())
	if err != nil {
		return nil, fmt.Errorf("lock subject %s: %w", subjectKey, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(s.Logger, "workflow", "Service.register", "release subject lock", subjectKey, err)
		}
	}()

	if active, err := s.Reports.FindActiveReport(ctx, subjectKey); err == nil {
		return existingRegistration(active), nil
	} else if !errors.Is(err, models.ErrReportNotFound) {
		return nil, err
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	report := &models.Report{
		ID:              uuid.NewString(),
		SubjectKey:      subjectKey,
		Mode:            run.Mode,
		Status:          models.ReportStatusPending,
		Request:         payload,
		GeneratorUserID: req.UserID,
		CorrelationID:   req.CorrelationID,
	}
	if err := s.Reports.CreateReport(ctx, report); err != nil {
		if errors.Is(err, models.ErrActiveRunExists) {
			active, ferr := s.Reports.FindActiveReport(ctx, subjectKey)
			if ferr != nil {
				return nil, &DuplicateRunError{SubjectKey: subjectKey}
			}
			return existingRegistration(active), nil
		}
		return nil, err
	}
	s.logger().WithFields(config.StageFields(report.ID, string(report.Status), subjectKey, report.CorrelationID)).Info("report registered")
	return &registration{
		result:  GenerateResult{ReportID: report.ID, Status: report.Status},
		created: report,
	}, nil
}

func existingRegistration(active *models.Report) *registration {
	return &registration{result: GenerateResult{ReportID: active.ID, Status: active.Status, Existing: true}}
}

// launch hands a new report to the configured executor. A report that cannot
// be queued is failed so its subject is free again.
func (s *Service) launch(ctx context.Context, report *models.Report) error {
	var err error
	switch s.ExecutionMode {
	case config.ExecutionSync:
		err = s.Runner.Execute(context.WithoutCancel(ctx), report.ID)
	case config.ExecutionPubSub:
		if s.Publish == nil {
			err = errors.New("pubsub execution selected without a publisher")
			break
		}
		var run RunRequest
		_ = json.Unmarshal(report.Request, &run)
		_, err = s.Publish(ctx, config.ReportRunMessage{
			ReportID:      report.ID,
			SubjectKey:    report.SubjectKey,
			Mode:          string(report.Mode),
			Trigger:       string(run.Trigger),
			CorrelationID: report.CorrelationID,
		})
	default:
		if s.Pool == nil {
			err = errors.New("background execution selected without a worker pool")
			break
		}
		id := report.ID
		_, err = s.Pool.Submit(func(poolCtx context.Context) error {
			return s.Runner.Execute(poolCtx, id)
		})
	}
	if err == nil || s.ExecutionMode == config.ExecutionSync {
		return err
	}
	failCtx := context.WithoutCancel(ctx)
	if ferr := s.Reports.Fail(failCtx, report.ID, models.ReportStatusPending, ErrorCode(err), ErrorMessage(err)); ferr != nil {
		config.LogError(s.Logger, "workflow", "Service.launch", "fail unqueued report", report.ID, ferr)
	} else {
		s.notify(failCtx, NewStatusEvent(report, models.ReportStatusFailed, ErrorCode(err), ErrorMessage(err), s.now()))
	}
	return err
}

func (s *Service) now() time.Time {
	if s.Runner != nil {
		return s.Runner.now()
	}
	return time.Now().UTC()
}

func (s *Service) notify(ctx context.Context, ev StatusEvent) {
	if s.Runner != nil {
		notifyStatus(ctx, s.Runner.Notifier, s.logger(), ev)
	}
}

func (s *Service) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return config.GetLogger()
}

type StatusView struct {
	ReportID        string                         `json:"report_id"`
	SubjectKey      string                         `json:"subject_key"`
	Mode            models.ReportMode              `json:"mode"`
	Status          models.ReportStatus            `json:"status"`
	Degraded        bool                           `json:"degraded"`
	ErrorCode       string                         `json:"error_code,omitempty"`
	ErrorMessage    string                         `json:"error_message,omitempty"`
	CancelRequested bool                           `json:"cancel_requested"`
	Metadata        *ReportMetadata                `json:"metadata,omitempty"`
	Events          []models.ReportGenerationEvent `json:"events"`
	CreatedAt       time.Time                      `json:"created_at"`
	FinishedAt      *time.Time                     `json:"finished_at,omitempty"`
}

func (s *Service) GetReportStatus(ctx context.Context, id string) (*StatusView, error) {
	report, err := s.Reports.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		ReportID:        report.ID,
		SubjectKey:      report.SubjectKey,
		Mode:            report.Mode,
		Status:          report.Status,
		Degraded:        report.Status == models.ReportStatusReadyDegraded,
		ErrorCode:       report.ErrorCode,
		ErrorMessage:    report.ErrorMessage,
		CancelRequested: report.CancelRequested,
		CreatedAt:       report.CreatedAt,
		FinishedAt:      report.FinishedAt,
	}
	if report.Status.HasArtifact() {
		md, err := DecodeMetadata(report.Metadata)
		if err != nil {
			return nil, err
		}
		view.Metadata = md
		// A resync may leave a READY report with alerts still unticketed.
		view.Degraded = view.Degraded || len(md.DispatchFailed) > 0
	}
	events, err := s.Reports.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	view.Events = events
	return view, nil
}

// DownloadReport returns the stored workbook. The storage reference never
// changes once a report is READY, so repeated downloads are byte-identical.
func (s *Service) DownloadReport(ctx context.Context, id string) ([]byte, string, error) {
	report, err := s.Reports.GetReport(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !report.Status.HasArtifact() || report.StorageRef == "" {
		return nil, "", ErrReportNotReady
	}
	data, err := s.Objects.Get(ctx, report.StorageRef)
	if err != nil {
		return nil, "", fmt.Errorf("read workbook of report %s: %w", id, err)
	}
	return data, workbook.ContentType, nil
}

type ResyncResult struct {
	ReportID string              `json:"report_id"`
	Status   models.ReportStatus `json:"status"`
	Tickets  map[string]string   `json:"tickets"`
	Created  []string            `json:"created"`
	Adopted  []string            `json:"adopted"`
	Failed   []string            `json:"failed"`
}

// ResyncAlerts dispatches the alerts of a finished report again from its
// stored snapshot. Tickets the tracker already has are adopted, not
// recreated. A degraded report becomes READY once every alert has a ticket.
func (s *Service) ResyncAlerts(ctx context.Context, id string) (*ResyncResult, error) {
	lock, err := s.Locker.Obtain(ctx, "qc:resync:"+id, s.lockTTL())
	if err != nil {
		return nil, fmt.Errorf("lock report %s: %w", id, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(s.Logger, "workflow", "Service.ResyncAlerts", "release resync lock", id, err)
		}
	}()

	report, err := s.Reports.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if !report.Status.HasArtifact() {
		return nil, ErrReportNotReady
	}
	md, err := DecodeMetadata(report.Metadata)
	if err != nil {
		return nil, err
	}
	if md.AnalyticsSnapshot == nil {
		return nil, fmt.Errorf("report %s has no analytics snapshot", id)
	}

	d := s.Runner.Dispatcher
	if d == nil {
		return nil, ErrDispatchNotConfigured
	}

	ev, err := s.Reports.StartEvent(ctx, id, models.ReportTriggerResync)
	if err != nil {
		config.LogError(s.Logger, "workflow", "Service.ResyncAlerts", "start resync event", id, err)
	}
	res := d.Dispatch(ctx, md.AnalyticsSnapshot.Alerts, md.Tickets, dispatch.Options{ReportID: id, LookupExisting: true})

	to := report.Status
	if !res.Degraded() {
		to = models.ReportStatusReady
	}
	now := s.Runner.now()
	md.Tickets = res.Tickets
	md.DispatchFailed = res.FailedHashes()
	md.DispatchSkipped = false
	md.ResyncedAt = &now
	payload, err := md.Encode()
	if err != nil {
		return nil, err
	}
	if err := s.Reports.ReplaceMetadata(context.WithoutCancel(ctx), id, report.Status, to, payload); err != nil {
		if ev != nil {
			_ = s.Reports.FinishEvent(context.WithoutCancel(ctx), ev, string(report.Status), ErrorCode(err), err.Error())
		}
		return nil, err
	}

	code, msg := "", ""
	if res.Degraded() {
		code, msg = CodeExternalDispatchFailed, fmt.Sprintf("%d alert(s) still without a ticket", len(res.Failed))
	}
	if ev != nil {
		if err := s.Reports.FinishEvent(context.WithoutCancel(ctx), ev, string(to), code, msg); err != nil {
			config.LogError(s.Logger, "workflow", "Service.ResyncAlerts", "finish resync event", id, err)
		}
	}
	if s.Metrics != nil {
		s.Metrics.ResyncsTotal.WithLabelValues(string(to)).Inc()
	}
	if to != report.Status {
		s.notify(ctx, NewStatusEvent(report, to, "", "", now))
	}
	s.logger().WithFields(config.StageFields(id, string(to), report.SubjectKey, report.CorrelationID)).
		WithFields(logrus.Fields{"created": len(res.Created), "adopted": len(res.Adopted), "failed": len(res.Failed)}).
		Info("alerts resynced")

	return &ResyncResult{
		ReportID: id,
		Status:   to,
		Tickets:  res.Tickets,
		Created:  nonNil(res.Created),
		Adopted:  nonNil(res.Adopted),
		Failed:   nonNil(md.DispatchFailed),
	}, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

type CancelResult string

const (
	CancelCancelled CancelResult = "cancelled"
	CancelDeferred  CancelResult = "deferred"
	CancelTerminal  CancelResult = "terminal"
)

// Cancel stops a run that has not started aggregating. Later runs only record
// the request and finish normally.
func (s *Service) Cancel(ctx context.Context, id string) (CancelResult, error) {
	for attempt := 0; attempt < 5; attempt++ {
		report, err := s.Reports.GetReport(ctx, id)
		if err != nil {
			return "", err
		}
		switch {
		case report.Status.IsTerminal():
			return CancelTerminal, nil
		case report.Status.IsCancellable():
			err := s.Reports.Fail(ctx, id, report.Status, CodeCancelled, ErrorMessage(ErrRunCancelled))
			if errors.Is(err, models.ErrStaleTransition) {
				continue
			}
			if err != nil {
				return "", err
			}
			if s.Runner != nil && s.Runner.Registry != nil {
				s.Runner.Registry.Cancel(id, ErrRunCancelled)
			}
			if s.Metrics != nil {
				s.Metrics.observeRun(report.Mode, models.ReportStatusFailed, CodeCancelled)
			}
			s.logger().WithFields(config.StageFields(id, string(report.Status), report.SubjectKey, report.CorrelationID)).Info("report cancelled")
			s.notify(ctx, NewStatusEvent(report, models.ReportStatusFailed, CodeCancelled, ErrorMessage(ErrRunCancelled), s.now()))
			return CancelCancelled, nil
		default:
			if err := s.Reports.RequestCancel(ctx, id); err != nil {
				return "", err
			}
			return CancelDeferred, nil
		}
	}
	return "", models.ErrStaleTransition
}
