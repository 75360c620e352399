package workflow

import (
	"context"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/models"
)

type CheckSource interface {
	GetCheck(ctx context.Context, id string) (analytics.CheckInstance, error)
	ListCompletedChecks(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.CheckInstance, error)
}

type TemplateSource interface {
	GetTemplateSchema(ctx context.Context, templateID string, version int) (analytics.TemplateSchema, error)
}

type ScoreRepository interface {
	analytics.ScoreSource
	ListStaleBrigadeDays(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters, formulaVersion string) ([]analytics.BrigadeDay, error)
	ReplaceDailyScores(ctx context.Context, scores []analytics.BrigadeDailyScore, gone []analytics.BrigadeDay) error
}

type ScheduleSource interface {
	ExpectedBrigadeDays(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.BrigadeDay, error)
}

// ReportRepository is implemented by models.ReportStore.
type ReportRepository interface {
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	FindActiveReport(ctx context.Context, subjectKey string) (*models.Report, error)
	ListStaleRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Report, error)
	Transition(ctx context.Context, id string, from, to models.ReportStatus) error
	Finalize(ctx context.Context, id string, to models.ReportStatus, storageRef string, metadata []byte) error
	Fail(ctx context.Context, id string, from models.ReportStatus, code, message string) error
	ReplaceMetadata(ctx context.Context, id string, from, to models.ReportStatus, metadata []byte) error
	RequestCancel(ctx context.Context, id string) error
	StartEvent(ctx context.Context, reportID string, trigger models.ReportTrigger) (*models.ReportGenerationEvent, error)
	FinishEvent(ctx context.Context, ev *models.ReportGenerationEvent, stage, errorCode, errMsg string) error
	ListEvents(ctx context.Context, reportID string) ([]models.ReportGenerationEvent, error)
}

var (
	_ CheckSource      = (*models.CheckStore)(nil)
	_ TemplateSource   = (*models.TemplateStore)(nil)
	_ ScoreRepository  = (*models.ScoreStore)(nil)
	_ ScheduleSource   = (*models.ScheduleStore)(nil)
	_ ReportRepository = (*models.ReportStore)(nil)
)
