package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/stretchr/testify/require"
)

// memReports mirrors models.ReportStore: status writes are compare-and-set
// and at most one non-terminal report exists per subject.
type memReports struct {
	mu      sync.Mutex
	reports map[string]*models.Report
	events  map[string][]*models.ReportGenerationEvent
	nextEv  int
	creates int
}

func newMemReports() *memReports {
	return &memReports{reports: map[string]*models.Report{}, events: map[string][]*models.ReportGenerationEvent{}}
}

func copyReport(r *models.Report) *models.Report {
	c := *r
	if r.ActiveKey != nil {
		k := *r.ActiveKey
		c.ActiveKey = &k
	}
	return &c
}

func (m *memReports) CreateReport(_ context.Context, r *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reports {
		if existing.ActiveKey != nil && *existing.ActiveKey == r.SubjectKey {
			return models.ErrActiveRunExists
		}
	}
	if r.Status == "" {
		r.Status = models.ReportStatusPending
	}
	if r.Format == "" {
		r.Format = models.ReportFormatXLSX
	}
	key := r.SubjectKey
	r.ActiveKey = &key
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.reports[r.ID] = copyReport(r)
	m.creates++
	return nil
}

func (m *memReports) GetReport(_ context.Context, id string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, models.ErrReportNotFound
	}
	return copyReport(r), nil
}

func (m *memReports) FindActiveReport(_ context.Context, subjectKey string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.ActiveKey != nil && *r.ActiveKey == subjectKey {
			return copyReport(r), nil
		}
	}
	return nil, models.ErrReportNotFound
}

func (m *memReports) ListStaleRuns(_ context.Context, updatedBefore time.Time, limit int) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Report
	for _, r := range m.reports {
		if r.ActiveKey != nil && r.UpdatedAt.Before(updatedBefore) {
			out = append(out, *copyReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cas applies fn to the report when its status is still from.
func (m *memReports) cas(id string, from models.ReportStatus, fn func(r *models.Report)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok || r.Status != from {
		return models.ErrStaleTransition
	}
	fn(r)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memReports) Transition(_ context.Context, id string, from, to models.ReportStatus) error {
	if !models.CanTransition(from, to) || to.IsTerminal() {
		return models.ErrBadTransition
	}
	return m.cas(id, from, func(r *models.Report) { r.Status = to })
}

func (m *memReports) Finalize(_ context.Context, id string, to models.ReportStatus, storageRef string, metadata []byte) error {
	if !to.HasArtifact() {
		return models.ErrBadTransition
	}
	return m.cas(id, models.ReportStatusDispatching, func(r *models.Report) {
		now := time.Now().UTC()
		r.Status, r.StorageRef, r.Metadata, r.ActiveKey, r.FinishedAt = to, storageRef, metadata, nil, &now
	})
}

func (m *memReports) Fail(_ context.Context, id string, from models.ReportStatus, code, message string) error {
	if !models.CanTransition(from, models.ReportStatusFailed) {
		return models.ErrBadTransition
	}
	return m.cas(id, from, func(r *models.Report) {
		now := time.Now().UTC()
		r.Status, r.ErrorCode, r.ErrorMessage, r.ActiveKey, r.FinishedAt = models.ReportStatusFailed, code, message, nil, &now
	})
}

func (m *memReports) ReplaceMetadata(_ context.Context, id string, from, to models.ReportStatus, metadata []byte) error {
	if !from.HasArtifact() || (from != to && !models.CanTransition(from, to)) {
		return models.ErrBadTransition
	}
	return m.cas(id, from, func(r *models.Report) { r.Status, r.Metadata = to, metadata })
}

func (m *memReports) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return models.ErrReportNotFound
	}
	r.CancelRequested = true
	return nil
}

func (m *memReports) StartEvent(_ context.Context, reportID string, trigger models.ReportTrigger) (*models.ReportGenerationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEv++
	ev := &models.ReportGenerationEvent{ID: m.nextEv, ReportID: reportID, Trigger: trigger, Status: models.ReportEventRunning, StartedAt: time.Now().UTC()}
	m.events[reportID] = append(m.events[reportID], ev)
	c := *ev
	return &c, nil
}

func (m *memReports) FinishEvent(_ context.Context, ev *models.ReportGenerationEvent, stage, errorCode, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.events[ev.ReportID] {
		if stored.ID == ev.ID {
			now := time.Now().UTC()
			stored.Status = models.ReportEventSuccess
			if errorCode != "" {
				stored.Status = models.ReportEventFailed
			}
			stored.Stage, stored.ErrorCode, stored.Error, stored.FinishedAt = stage, errorCode, errMsg, &now
		}
	}
	return nil
}

func (m *memReports) ListEvents(_ context.Context, reportID string) ([]models.ReportGenerationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ReportGenerationEvent, 0, len(m.events[reportID]))
	for _, ev := range m.events[reportID] {
		out = append(out, *ev)
	}
	return out, nil
}

// setUpdatedAt ages a report for stale-run tests.
func (m *memReports) setUpdatedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[id].UpdatedAt = at
}

func (m *memReports) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

var _ ReportRepository = (*memReports)(nil)

type memChecks struct {
	mu     sync.Mutex
	checks map[string]analytics.CheckInstance
}

func newMemChecks(checks ...analytics.CheckInstance) *memChecks {
	m := &memChecks{checks: map[string]analytics.CheckInstance{}}
	for _, c := range checks {
		m.checks[c.ID] = c
	}
	return m
}

func (m *memChecks) GetCheck(_ context.Context, id string) (analytics.CheckInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[id]
	if !ok {
		return analytics.CheckInstance{}, models.ErrCheckNotFound
	}
	return c, nil
}

func (m *memChecks) ListCompletedChecks(_ context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.CheckInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []analytics.CheckInstance
	for _, c := range m.checks {
		if c.Status != analytics.CheckStatusCompleted || !bounds.Contains(c.Day()) {
			continue
		}
		if filters.Brigade != "" && c.BrigadeID != filters.Brigade {
			continue
		}
		if filters.Department != "" && c.DepartmentID != filters.Department {
			continue
		}
		if filters.Author != "" && c.InspectorID != filters.Author {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day().Equal(out[j].Day()) {
			return out[i].Day().Before(out[j].Day())
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memTemplates struct {
	schemas map[string]analytics.TemplateSchema
}

func (m *memTemplates) GetTemplateSchema(_ context.Context, templateID string, _ int) (analytics.TemplateSchema, error) {
	s, ok := m.schemas[templateID]
	if !ok {
		return analytics.TemplateSchema{}, models.ErrTemplateNotFound
	}
	return s, nil
}

type memScores struct {
	mu   sync.Mutex
	rows map[analytics.BrigadeDay]analytics.BrigadeDailyScore
}

func newMemScores() *memScores {
	return &memScores{rows: map[analytics.BrigadeDay]analytics.BrigadeDailyScore{}}
}

func (m *memScores) ListDailyScores(_ context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.BrigadeDailyScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []analytics.BrigadeDailyScore
	for _, s := range m.rows {
		if !bounds.Contains(s.Date) {
			continue
		}
		if filters.Brigade != "" && s.BrigadeID != filters.Brigade {
			continue
		}
		if filters.Department != "" && s.DepartmentID != filters.Department {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].BrigadeID < out[j].BrigadeID
	})
	return out, nil
}

func (m *memScores) ListStaleBrigadeDays(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters, formulaVersion string) ([]analytics.BrigadeDay, error) {
	rows, _ := m.ListDailyScores(ctx, bounds, filters)
	var out []analytics.BrigadeDay
	for _, r := range rows {
		if r.FormulaVersion != formulaVersion {
			out = append(out, analytics.BrigadeDay{BrigadeID: r.BrigadeID, Date: analytics.FormatDate(r.Date)})
		}
	}
	return out, nil
}

func (m *memScores) ReplaceDailyScores(_ context.Context, scores []analytics.BrigadeDailyScore, gone []analytics.BrigadeDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scores {
		m.rows[analytics.BrigadeDay{BrigadeID: s.BrigadeID, Date: analytics.FormatDate(s.Date)}] = s
	}
	for _, g := range gone {
		delete(m.rows, g)
	}
	return nil
}

func (m *memScores) get(brigade, date string) (analytics.BrigadeDailyScore, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[analytics.BrigadeDay{BrigadeID: brigade, Date: date}]
	return s, ok
}

const criticalTemplateJSON = `{
  "name": "Shift audit",
  "sections": [
    {"name": "safety", "questions": [
      {"id": "q1", "type": "boolean", "text": "Guards in place", "required": true, "meta": {"critical": true}}
    ]}
  ]
}`

var testDay = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func shiftCheck(id, brigade, value string) analytics.CheckInstance {
	finished := testDay.Add(10 * time.Hour)
	return analytics.CheckInstance{
		ID:              id,
		TemplateID:      "tpl-shift",
		TemplateVersion: 1,
		BrigadeID:       brigade,
		BrigadeName:     "Brigade " + brigade,
		DepartmentID:    "dep-1",
		InspectorID:     "insp-1",
		InspectorName:   "Inspector One",
		Status:          analytics.CheckStatusCompleted,
		StartedAt:       testDay.Add(9 * time.Hour),
		FinishedAt:      &finished,
		Answers:         []analytics.Answer{{QuestionID: "q1", Value: value}},
	}
}

type harness struct {
	reports *memReports
	checks  *memChecks
	scores  *memScores
	objects *utils.MemoryStore
	tickets *dispatch.MemoryTicketStore
	tracker *dispatch.StubTracker
	runner  *Runner
	service *Service
}

func testSettings() *config.Settings {
	s := config.DefaultSettings()
	s.Thresholds.LowScoreFloor = 50
	s.Pipeline.RenderTimeout = 5 * time.Second
	s.Pipeline.RunTimeout = 30 * time.Second
	return s
}

// newHarness wires the pipeline over in-memory stores with synchronous
// execution.
func newHarness(t *testing.T, checks ...analytics.CheckInstance) *harness {
	t.Helper()
	schema, err := analytics.ParseTemplateSchema("tpl-shift", 1, []byte(criticalTemplateJSON))
	require.NoError(t, err)

	settings := testSettings()
	h := &harness{
		reports: newMemReports(),
		checks:  newMemChecks(checks...),
		scores:  newMemScores(),
		objects: utils.NewMemoryStore(),
		tickets: dispatch.NewMemoryTicketStore(),
		tracker: dispatch.NewStubTracker(),
	}
	locker := utils.NewLocalLocker()
	dispatcher := dispatch.NewDispatcher(h.tracker, h.tickets, locker, nil)
	dispatcher.Retry = dispatch.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, CallTimeout: time.Second}

	h.runner = &Runner{
		Reports: h.reports,
		Calculator: &ScoreCalculator{
			Checks:    h.checks,
			Templates: &memTemplates{schemas: map[string]analytics.TemplateSchema{"tpl-shift": schema}},
			Scores:    h.scores,
			Formula:   settings.ToFormula(),
		},
		Tickets:        h.tickets,
		Objects:        h.objects,
		Dispatcher:     dispatcher,
		Settings:       settings,
		Registry:       NewRegistry(),
		TrackerEnabled: true,
	}
	h.service = &Service{
		Runner:        h.runner,
		Reports:       h.reports,
		Objects:       h.objects,
		Locker:        locker,
		ExecutionMode: config.ExecutionSync,
	}
	return h
}

func (h *harness) report(t *testing.T, id string) *models.Report {
	t.Helper()
	r, err := h.reports.GetReport(context.Background(), id)
	require.NoError(t, err)
	return r
}

// flakyTickets fails InsertTicket while failures is positive.
type flakyTickets struct {
	*dispatch.MemoryTicketStore
	mu       sync.Mutex
	failures int
}

func (f *flakyTickets) InsertTicket(ctx context.Context, rec dispatch.TicketRecord) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("db down")
	}
	f.mu.Unlock()
	return f.MemoryTicketStore.InsertTicket(ctx, rec)
}

func (f *flakyTickets) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// useTickets swaps the ticket map of both the runner and its dispatcher.
func (h *harness) useTickets(store dispatch.TicketStore) {
	h.runner.Tickets = store
	h.runner.Dispatcher.Tickets = store
}
