package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/Dm1tryAndreev1ch/apperate/workbook"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Dm1tryAndreev1ch/apperate/workflow"

// RenderFunc builds workbook bytes from a DTO.
type RenderFunc func(ctx context.Context, dto *workbook.AnalyticsDTO) ([]byte, error)

// Runner executes one report through every pipeline stage. Each run is owned
// by the goroutine that claimed it with the PENDING -> EXTRACTING transition.
type Runner struct {
	Reports    ReportRepository
	Calculator *ScoreCalculator
	Schedules  ScheduleSource
	Tickets    dispatch.TicketStore
	Objects    utils.ObjectStore
	Dispatcher *dispatch.Dispatcher
	Settings   *config.Settings
	Registry   *Registry
	Metrics    *Metrics
	Logger     *logrus.Logger
	Tracer     trace.Tracer
	Render     RenderFunc

	// Notifier, when set, is told about every terminal status written for a
	// report, here and by the Service and the stale run sweeper.
	Notifier Notifier

	TrackerEnabled bool
	Now            func() time.Time
}

// run is the working state of one execution.
type run struct {
	report  *models.Report
	req     RunRequest
	status  models.ReportStatus
	event   *models.ReportGenerationEvent
	started time.Time

	granularity analytics.Granularity
	bounds      analytics.PeriodBounds
	filters     analytics.Filters

	checks        []analytics.CheckInstance
	facts         []analytics.CheckFact
	templateNames map[string]string
	scores        []analytics.BrigadeDailyScore
	summary       analytics.PeriodSummary
	matrix        analytics.ScoreMatrix
	alerts        []analytics.AlertRecord
	tickets       map[string]string

	dto        *workbook.AnalyticsDTO
	artifact   []byte
	storageRef string

	dispatched     map[string]string
	dispatchFailed []string
	dispatchSkip   bool
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer(tracerName)
}

func (r *Runner) settings() *config.Settings {
	if r.Settings != nil {
		return r.Settings
	}
	return config.DefaultSettings()
}

func (r *Runner) logger() *logrus.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return config.GetLogger()
}

func (r *Runner) log(rn *run) *logrus.Entry {
	return r.logger().WithFields(config.StageFields(rn.report.ID, string(rn.status), rn.report.SubjectKey, rn.report.CorrelationID))
}

// Execute runs the report if it is still PENDING. A report that another
// worker already claimed, or that is terminal, is left alone. Run failures are
// recorded on the report; the returned error only covers failing to load or
// persist it.
func (r *Runner) Execute(ctx context.Context, reportID string) error {
	report, err := r.Reports.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	rn := &run{report: report, status: report.Status, started: time.Now()}
	if report.Status != models.ReportStatusPending {
		r.log(rn).Debug("report already claimed")
		return nil
	}

	ctx = utils.SetReportIdInContext(ctx, report.ID)
	if report.CorrelationID != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, report.CorrelationID)
	}
	registry := r.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	runCtx, release := registry.Register(ctx, report.ID)
	defer release()
	if timeout := r.settings().Pipeline.RunTimeout; timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	if report.CancelRequested {
		return r.fail(ctx, rn, ErrRunCancelled)
	}
	rn.req, err = decodeRunRequest(report)
	if err != nil {
		return r.fail(ctx, rn, err)
	}

	if err := r.advance(runCtx, rn, models.ReportStatusExtracting); err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			return nil
		}
		return err
	}
	if ev, err := r.Reports.StartEvent(ctx, report.ID, rn.req.Trigger); err != nil {
		config.LogError(r.Logger, "workflow", "Runner.Execute", "start generation event", report.ID, err)
	} else {
		rn.event = ev
	}
	if r.Metrics != nil {
		r.Metrics.RunsInFlight.Inc()
		defer r.Metrics.RunsInFlight.Dec()
	}

	if err := r.stages(runCtx, rn); err != nil {
		return r.fail(ctx, rn, runError(runCtx, err))
	}
	return r.finalize(ctx, rn)
}

// runError prefers the cancellation cause over the bare context error.
func runError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrRunCancelled) {
		return &StageError{Stage: stageOf(err), Err: ErrRunCancelled}
	}
	return err
}

func stageOf(err error) models.ReportStatus {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

type stage struct {
	status models.ReportStatus
	fn     func(ctx context.Context, rn *run) error
}

func (r *Runner) stages(ctx context.Context, rn *run) error {
	extract, aggregate := r.extractCheck, r.aggregateCheck
	if rn.req.Mode == models.ReportModePeriodSummary {
		extract, aggregate = r.extractPeriod, r.aggregatePeriod
	}
	steps := []stage{
		{models.ReportStatusExtracting, extract},
		{models.ReportStatusAggregating, aggregate},
		{models.ReportStatusDetecting, r.detect},
		{models.ReportStatusRendering, r.render},
		{models.ReportStatusUploading, r.upload},
		{models.ReportStatusDispatching, r.dispatch},
	}
	for _, step := range steps {
		if rn.status != step.status {
			if err := r.advance(ctx, rn, step.status); err != nil {
				return &StageError{Stage: rn.status, Err: err}
			}
		}
		started := time.Now()
		spanCtx, span := r.tracer().Start(ctx, "report."+strings.ToLower(string(step.status)), trace.WithAttributes(
			attribute.String("report.id", rn.report.ID),
			attribute.String("report.mode", string(rn.req.Mode)),
			attribute.String("report.subject_key", rn.report.SubjectKey),
		))
		err := step.fn(spanCtx, rn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.Metrics.observeStage(step.status, started)
		if err != nil {
			return &StageError{Stage: step.status, Err: err}
		}
	}
	return nil
}

func (r *Runner) advance(ctx context.Context, rn *run, to models.ReportStatus) error {
	if err := r.Reports.Transition(ctx, rn.report.ID, rn.status, to); err != nil {
		return err
	}
	rn.status = to
	r.log(rn).Info("stage started")
	return nil
}

func (r *Runner) extractCheck(ctx context.Context, rn *run) error {
	check, err := r.Calculator.Checks.GetCheck(ctx, rn.req.CheckID)
	if err != nil {
		return fmt.Errorf("load check %s: %w", rn.req.CheckID, err)
	}
	extracted, err := r.Calculator.ExtractChecks(ctx, []analytics.CheckInstance{check})
	if err != nil {
		return err
	}
	rn.checks = []analytics.CheckInstance{check}
	rn.facts = extracted.Facts
	rn.templateNames = extracted.TemplateNames
	rn.granularity = analytics.GranularityDay
	rn.bounds = analytics.PeriodContaining(analytics.GranularityDay, check.Day())
	rn.filters = analytics.Filters{Brigade: check.BrigadeID}
	return nil
}

func (r *Runner) extractPeriod(ctx context.Context, rn *run) error {
	rn.granularity = rn.req.Granularity
	rn.bounds = *rn.req.Bounds
	rn.filters = rn.req.Filters
	if err := analytics.ValidateBounds(rn.granularity, rn.bounds); err != nil {
		return err
	}
	checks, err := r.Calculator.Checks.ListCompletedChecks(ctx, rn.bounds, rn.filters)
	if err != nil {
		return fmt.Errorf("list checks %s: %w", rn.bounds, err)
	}
	extracted, err := r.Calculator.ExtractChecks(ctx, checks)
	if err != nil {
		return err
	}
	rn.checks = checks
	rn.facts = extracted.Facts
	rn.templateNames = extracted.TemplateNames
	return nil
}

// aggregateCheck rescores the brigade-day of the check from every completed
// check of that brigade and day.
func (r *Runner) aggregateCheck(ctx context.Context, rn *run) error {
	res, err := r.Calculator.Recompute(ctx, rn.bounds, rn.filters, nil)
	if err != nil {
		return err
	}
	if len(res.Written) == 0 {
		return &analytics.InsufficientDataError{
			Subject: fmt.Sprintf("brigade %s on %s", rn.filters.Brigade, analytics.FormatDate(rn.bounds.Start)),
			Reason:  "the check has no scoreable answers",
		}
	}
	return r.summarize(ctx, rn)
}

func (r *Runner) aggregatePeriod(ctx context.Context, rn *run) error {
	if _, err := r.Calculator.Recompute(ctx, rn.bounds, rn.filters, nil); err != nil {
		return err
	}
	return r.summarize(ctx, rn)
}

// summarize refreshes stale scores around the period, then builds the period
// summary and the month matrix from stored scores.
func (r *Runner) summarize(ctx context.Context, rn *run) error {
	month := analytics.PeriodContaining(analytics.GranularityMonth, rn.bounds.Start)
	prevMonth := analytics.PreviousPeriod(analytics.GranularityMonth, month)
	for _, b := range []analytics.PeriodBounds{analytics.PreviousPeriod(rn.granularity, rn.bounds), month, prevMonth} {
		if _, err := r.Calculator.RefreshStale(ctx, b, rn.filters); err != nil {
			return err
		}
	}

	scores := r.Calculator.Scores
	summary, err := analytics.SummarizePeriod(ctx, scores, rn.granularity, rn.bounds, rn.filters, r.Calculator.Formula.Version)
	if err != nil {
		return err
	}
	rn.summary = summary

	rows, err := scores.ListDailyScores(ctx, rn.bounds, rn.filters)
	if err != nil {
		return err
	}
	rn.scores = rows

	current, err := scores.ListDailyScores(ctx, month, rn.filters)
	if err != nil {
		return err
	}
	previous, err := scores.ListDailyScores(ctx, prevMonth, rn.filters)
	if err != nil {
		return err
	}
	rn.matrix = analytics.BuildScoreMatrix(rn.bounds.Start, current, previous)
	return nil
}

func (r *Runner) detect(ctx context.Context, rn *run) error {
	var expected []analytics.BrigadeDay
	if r.Schedules != nil && rn.req.Mode == models.ReportModePeriodSummary {
		var err error
		expected, err = r.Schedules.ExpectedBrigadeDays(ctx, rn.bounds, rn.filters)
		if err != nil {
			return fmt.Errorf("load brigade schedule: %w", err)
		}
		if len(expected) == 0 {
			expected = nil
		}
	}
	rn.alerts = analytics.DetectWithCoverage(rn.scores, rn.facts, expected, r.settings().ToThresholds())

	rn.tickets = map[string]string{}
	if r.Tickets != nil && len(rn.alerts) > 0 {
		hashes := make([]string, 0, len(rn.alerts))
		for _, a := range rn.alerts {
			hashes = append(hashes, a.ContentHash)
		}
		known, err := r.Tickets.LookupTickets(ctx, hashes)
		if err != nil {
			return fmt.Errorf("look up tickets: %w", err)
		}
		rn.tickets = known
	}
	r.log(rn).WithField("alerts", len(rn.alerts)).Info("anomalies detected")
	return nil
}

func (r *Runner) buildDTO(rn *run) *workbook.AnalyticsDTO {
	return &workbook.AnalyticsDTO{
		Title:          reportTitle(rn),
		Mode:           string(rn.req.Mode),
		SubjectKey:     rn.report.SubjectKey,
		FormulaVersion: r.Calculator.Formula.Version,
		ScoreFloor:     r.settings().ToThresholds().LowScoreFloor,
		PublicBaseURL:  r.settings().Dispatch.PublicBaseURL,
		Summary:        &rn.summary,
		Matrix:         &rn.matrix,
		DailyScores:    rn.scores,
		Alerts:         rn.alerts,
		Tickets:        rn.tickets,
		Checks:         checkDetails(rn),
	}
}

func reportTitle(rn *run) string {
	if rn.req.Mode == models.ReportModeSingleCheck && len(rn.checks) == 1 {
		c := rn.checks[0]
		name := c.BrigadeName
		if name == "" {
			name = c.BrigadeID
		}
		return fmt.Sprintf("Quality check %s, %s, %s", c.ID, name, analytics.FormatDate(c.Day()))
	}
	return fmt.Sprintf("Quality summary, %s %s", rn.granularity, rn.bounds)
}

func checkDetails(rn *run) []workbook.CheckDetail {
	byCheck := map[string][]analytics.CheckFact{}
	for _, f := range rn.facts {
		byCheck[f.CheckID] = append(byCheck[f.CheckID], f)
	}
	out := make([]workbook.CheckDetail, 0, len(rn.checks))
	for _, c := range rn.checks {
		out = append(out, workbook.CheckDetail{
			CheckID:       c.ID,
			Date:          analytics.FormatDate(c.Day()),
			BrigadeID:     c.BrigadeID,
			BrigadeName:   c.BrigadeName,
			InspectorName: c.InspectorName,
			TemplateName:  rn.templateNames[c.ID],
			Facts:         byCheck[c.ID],
		})
	}
	return out
}

// render runs the renderer under the render timeout. A renderer that ignores
// its context is abandoned once the timeout fires.
func (r *Runner) render(ctx context.Context, rn *run) error {
	dto := r.buildDTO(rn)
	renderFn := r.Render
	if renderFn == nil {
		renderFn = workbook.Render
	}

	renderCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := r.settings().Pipeline.RenderTimeout; timeout > 0 {
		renderCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := renderFn(renderCtx, dto)
		done <- result{data: data, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-renderCtx.Done():
		res.err = renderCtx.Err()
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrRenderTimeout
		}
		return res.err
	}
	rn.dto = dto
	rn.artifact = res.data
	if r.Metrics != nil {
		r.Metrics.WorkbookBytes.Observe(float64(len(res.data)))
	}
	return nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey is where the workbook of a report is stored.
func ObjectKey(prefix, subjectKey, reportID string) string {
	subject := strings.Trim(unsafeKeyChars.ReplaceAllString(subjectKey, "_"), "_")
	return path.Join(prefix, subject, reportID+"."+models.ReportFormatXLSX)
}

func (r *Runner) upload(ctx context.Context, rn *run) error {
	key := ObjectKey(r.settings().Storage.Prefix, rn.report.SubjectKey, rn.report.ID)
	ref, err := r.Objects.Put(ctx, key, rn.artifact, workbook.ContentType)
	if err != nil {
		return fmt.Errorf("store workbook %s: %w", key, err)
	}
	rn.storageRef = ref
	return nil
}

func (r *Runner) dispatch(ctx context.Context, rn *run) error {
	rn.dispatched = map[string]string{}
	for h, id := range rn.tickets {
		rn.dispatched[h] = id
	}
	if !r.TrackerEnabled || r.Dispatcher == nil {
		rn.dispatchSkip = true
		return nil
	}
	res := r.Dispatcher.Dispatch(ctx, rn.alerts, rn.tickets, dispatch.Options{ReportID: rn.report.ID})
	rn.dispatched = res.Tickets
	rn.dispatchFailed = res.FailedHashes()
	r.log(rn).WithFields(logrus.Fields{
		"created": len(res.Created),
		"adopted": len(res.Adopted),
		"skipped": len(res.Skipped),
		"failed":  len(res.Failed),
	}).Info("alerts dispatched")
	return nil
}

// finalize stores the artifact reference and metadata together with the
// terminal status.
func (r *Runner) finalize(ctx context.Context, rn *run) error {
	ctx = context.WithoutCancel(ctx)
	to := models.ReportStatusReady
	if len(rn.dispatchFailed) > 0 {
		to = models.ReportStatusReadyDegraded
	}
	md := &ReportMetadata{
		AnalyticsSnapshot: rn.dto,
		Tickets:           rn.dispatched,
		GeneratedAt:       r.now(),
		GeneratorUserID:   rn.report.GeneratorUserID,
		DispatchFailed:    rn.dispatchFailed,
		DispatchSkipped:   rn.dispatchSkip,
	}
	payload, err := md.Encode()
	if err != nil {
		return r.fail(ctx, rn, err)
	}
	if err := r.Reports.Finalize(ctx, rn.report.ID, to, rn.storageRef, payload); err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			r.log(rn).Warn("report changed before it could be finalized")
			r.finishEvent(ctx, rn, CodeInternal, "report changed before it could be finalized")
			return nil
		}
		return err
	}
	r.finishEvent(ctx, rn, "", "")
	rn.status = to
	r.Metrics.observeRun(rn.req.Mode, to, "")
	r.log(rn).WithField("duration_ms", time.Since(rn.started).Milliseconds()).Info("report finished")
	finished := *rn.report
	finished.StorageRef = rn.storageRef
	notifyStatus(ctx, r.Notifier, r.Logger, NewStatusEvent(&finished, to, "", "", r.now()))
	return nil
}

// fail moves the run to FAILED from its current status. When another writer,
// such as a cancel, finished the report first, its outcome is kept.
func (r *Runner) fail(ctx context.Context, rn *run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	code, msg := ErrorCode(cause), ErrorMessage(cause)
	from := rn.status
	err := r.Reports.Fail(ctx, rn.report.ID, from, code, msg)
	if errors.Is(err, models.ErrStaleTransition) {
		if current, gerr := r.Reports.GetReport(ctx, rn.report.ID); gerr == nil {
			code, msg = current.ErrorCode, current.ErrorMessage
		}
		r.finishEvent(ctx, rn, code, msg)
		return nil
	}
	if err != nil {
		config.LogError(r.Logger, "workflow", "Runner.fail", "persist failed status", rn.report.ID, err)
		return err
	}
	r.finishEvent(ctx, rn, code, msg)
	rn.status = models.ReportStatusFailed
	r.Metrics.observeRun(rn.report.Mode, models.ReportStatusFailed, code)
	r.log(rn).WithFields(logrus.Fields{
		"error_code":   code,
		"failed_stage": string(from),
	}).Warn("report failed: " + cause.Error())
	notifyStatus(ctx, r.Notifier, r.Logger, NewStatusEvent(rn.report, models.ReportStatusFailed, code, msg, r.now()))
	return nil
}

// finishEvent closes the run's event, naming the last stage the run reached.
func (r *Runner) finishEvent(ctx context.Context, rn *run, code, msg string) {
	if rn.event == nil {
		return
	}
	stage := string(rn.status)
	if err := r.Reports.FinishEvent(ctx, rn.event, stage, code, msg); err != nil {
		config.LogError(r.Logger, "workflow", "Runner.finishEvent", "finish generation event", rn.report.ID, err)
	}
}
