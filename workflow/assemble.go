package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

// Options carries the process-level dependencies of Assemble. Nil fields fall
// back to in-process defaults.
type Options struct {
	Settings  *config.Settings
	Logger    *logrus.Logger
	Objects   utils.ObjectStore
	RedisLock *redislock.Client
	Registry  prometheus.Registerer
	Publish   PublishFunc
	Notifier  Notifier
	// ExecutionMode overrides config.ReportExecutionMode when set.
	ExecutionMode string
}

// Components is the assembled report pipeline of one process.
type Components struct {
	Service  *Service
	Runner   *Runner
	Pool     *WorkerPool
	Sweeper  *StaleRunSweeper
	Consumer *RunConsumer
	Metrics  *Metrics
	Settings *config.Settings
}

// Assemble wires the MySQL stores, tracker, dispatcher and worker pool into a
// Service.
func Assemble(ctx context.Context, db *gorm.DB, opts Options) (*Components, error) {
	if db == nil {
		return nil, fmt.Errorf("assemble: database is not connected")
	}
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}

	objects := opts.Objects
	if objects == nil {
		var err error
		objects, err = utils.NewObjectStore(ctx, settings.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
	}

	var locker utils.Locker = utils.NewLocalLocker()
	if opts.RedisLock != nil {
		locker = utils.NewRedisLocker(opts.RedisLock)
	}

	tracker, err := newTracker(db, logger)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(opts.Registry)

	tickets := models.NewTicketStore(db)
	dispatcher := dispatch.NewDispatcher(tracker, tickets, locker, logger)
	dispatcher.Owners = dispatch.StaticOwners{
		ByBrigade:    settings.Dispatch.OwnersByBrigade,
		ByDepartment: settings.Dispatch.OwnersByDepartment,
	}
	dispatcher.Payload = dispatch.PayloadSettings{
		TitlePrefix:          settings.Dispatch.TitlePrefix,
		DefaultResponsibleID: settings.Dispatch.DefaultResponsibleID,
		PublicBaseURL:        settings.Dispatch.PublicBaseURL,
	}
	dispatcher.Retry = dispatch.RetryPolicy{
		MaxAttempts:    settings.Dispatch.MaxAttempts,
		InitialBackoff: settings.Dispatch.InitialBackoff,
		MaxBackoff:     settings.Dispatch.MaxBackoff,
		CallTimeout:    settings.Dispatch.CallTimeout,
	}
	if settings.Dispatch.LockTTL > 0 {
		dispatcher.LockTTL = settings.Dispatch.LockTTL
	}
	dispatcher.Observe = metrics.ObserveTicket

	reports := models.NewReportStore(db)
	registry := NewRegistry()
	runner := &Runner{
		Reports: reports,
		Calculator: &ScoreCalculator{
			Checks:    models.NewCheckStore(db),
			Templates: models.NewTemplateStore(db),
			Scores:    models.NewScoreStore(db),
			Formula:   settings.ToFormula(),
		},
		Schedules:      models.NewScheduleStore(db),
		Tickets:        tickets,
		Objects:        objects,
		Dispatcher:     dispatcher,
		Settings:       settings,
		Registry:       registry,
		Metrics:        metrics,
		Logger:         logger,
		Tracer:         otel.Tracer(tracerName),
		TrackerEnabled: config.TrackerEnabled(),
		Notifier:       opts.Notifier,
	}
	if runner.Notifier == nil {
		runner.Notifier = statusNotifier()
	}

	pool := NewWorkerPool(settings.Pipeline.Workers, settings.Pipeline.QueueSize, logger, metrics)
	mode := opts.ExecutionMode
	if mode == "" {
		mode = config.ReportExecutionMode()
	}
	publish := opts.Publish
	if publish == nil {
		publish = config.PublishReportRun
	}

	sweeper := NewStaleRunSweeper(reports, registry, settings, logger)
	sweeper.Metrics = metrics
	sweeper.Notifier = runner.Notifier

	return &Components{
		Service: &Service{
			Runner:        runner,
			Reports:       reports,
			Objects:       objects,
			Locker:        locker,
			Pool:          pool,
			Publish:       publish,
			Logger:        logger,
			Metrics:       metrics,
			ExecutionMode: mode,
			LockTTL:       settings.Dispatch.LockTTL,
		},
		Runner:   runner,
		Pool:     pool,
		Sweeper:  sweeper,
		Consumer: &RunConsumer{Runner: runner, Guard: &IdempotencyStore{DB: db}, Logger: logger},
		Metrics:  metrics,
		Settings: settings,
	}, nil
}

// newTracker picks the stub or the live Bitrix tracker from TRACKER_MODE and
// records every call in the tracker call log.
func newTracker(db *gorm.DB, logger *logrus.Logger) (dispatch.Tracker, error) {
	var tracker dispatch.Tracker = dispatch.NewStubTracker()
	if config.TrackerMode() == dispatch.TrackerModeLive {
		live, err := dispatch.NewBitrixClient(os.Getenv("TRACKER_BASE_URL"), os.Getenv("TRACKER_ACCESS_TOKEN"))
		if err != nil {
			return nil, fmt.Errorf("tracker: %w", err)
		}
		tracker = live
	}
	return &dispatch.RecordingTracker{
		Tracker:  tracker,
		Recorder: models.NewCallLogStore(db),
		Logger:   logger,
	}, nil
}

// statusNotifier builds the terminal status notifiers enabled by env, or nil
// when none is.
func statusNotifier() Notifier {
	var ns Notifiers
	if urls := config.ReportWebhookURLs(); len(urls) > 0 {
		ns = append(ns, NewWebhookNotifier(urls, config.ReportWebhookSecret()))
	}
	if config.ReportStatusNotifications() {
		ns = append(ns, PubSubNotifier{Publish: config.PublishReportStatus})
	}
	if len(ns) == 0 {
		return nil
	}
	return ns
}
