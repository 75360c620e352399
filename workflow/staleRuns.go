package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/sirupsen/logrus"
)

const abandonedMessage = "run stopped making progress and was abandoned"

// StaleRunSweeper fails runs whose worker died mid-pipeline, so their
// subjects accept new runs again. Runs owned by this process are skipped.
type StaleRunSweeper struct {
	Reports  ReportRepository
	Registry *Registry
	Logger   *logrus.Logger
	Metrics  *Metrics
	Notifier Notifier

	StaleAfter   time.Duration
	PollInterval time.Duration
	BatchSize    int
	Now          func() time.Time
}

func NewStaleRunSweeper(reports ReportRepository, registry *Registry, settings *config.Settings, logger *logrus.Logger) *StaleRunSweeper {
	staleAfter := 10 * time.Minute
	if settings != nil && settings.Pipeline.RunTimeout > 0 {
		staleAfter = settings.Pipeline.RunTimeout + time.Minute
	}
	return &StaleRunSweeper{
		Reports:      reports,
		Registry:     registry,
		Logger:       logger,
		StaleAfter:   staleAfter,
		PollInterval: 30 * time.Second,
		BatchSize:    50,
	}
}

func (s *StaleRunSweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			config.LogError(s.Logger, "workflow", "StaleRunSweeper.Run", "sweep stale runs", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.PollInterval):
		}
	}
}

// SweepOnce fails one batch of stale runs and returns how many it failed.
func (s *StaleRunSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	stale, err := s.Reports.ListStaleRuns(ctx, now.Add(-s.StaleAfter), s.BatchSize)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, r := range stale {
		if s.Registry != nil && s.Registry.Running(r.ID) {
			continue
		}
		err := s.Reports.Fail(ctx, r.ID, r.Status, CodeAbandoned, abandonedMessage)
		if errors.Is(err, models.ErrStaleTransition) {
			continue
		}
		if err != nil {
			config.LogError(s.Logger, "workflow", "StaleRunSweeper.SweepOnce", "fail stale run", r.ID, err)
			continue
		}
		failed++
		if s.Metrics != nil {
			s.Metrics.StaleRunsFailed.Inc()
			s.Metrics.observeRun(r.Mode, models.ReportStatusFailed, CodeAbandoned)
		}
		if s.Logger != nil {
			s.Logger.WithFields(config.StageFields(r.ID, string(r.Status), r.SubjectKey, r.CorrelationID)).
				WithField("updated_at", r.UpdatedAt).
				Warn("stale run abandoned")
		}
		notifyStatus(ctx, s.Notifier, s.Logger, NewStatusEvent(&r, models.ReportStatusFailed, CodeAbandoned, abandonedMessage, now))
	}
	return failed, nil
}
