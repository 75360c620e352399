package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// GenerateRequest asks for one report. SubjectKey is the check id in
// single_check mode; period_summary derives its key from the period and
// filters.
type GenerateRequest struct {
	Mode        models.ReportMode `json:"mode" validate:"required,oneof=single_check period_summary"`
	SubjectKey  string            `json:"subject_key" validate:"required_if=Mode single_check,max=200"`
	Granularity string            `json:"granularity" validate:"required_if=Mode period_summary,omitempty,oneof=day week month"`
	PeriodStart string            `json:"period_start" validate:"required_if=Mode period_summary,omitempty,datetime=2006-01-02"`
	Department  string            `json:"department" validate:"max=64"`
	Brigade     string            `json:"brigade" validate:"max=64"`
	Author      string            `json:"author" validate:"max=64"`

	UserID        string               `json:"-"`
	CorrelationID string               `json:"-"`
	Trigger       models.ReportTrigger `json:"-"`
}

// RunRequest is the normalized request stored on the report row.
type RunRequest struct {
	Mode        models.ReportMode       `json:"mode"`
	CheckID     string                  `json:"check_id,omitempty"`
	Granularity analytics.Granularity   `json:"granularity,omitempty"`
	Bounds      *analytics.PeriodBounds `json:"bounds,omitempty"`
	Filters     analytics.Filters       `json:"filters"`
	Trigger     models.ReportTrigger    `json:"trigger,omitempty"`
}

// Normalize validates req and returns the run request with its subject key.
func (req GenerateRequest) Normalize() (RunRequest, string, error) {
	if err := validate.Struct(req); err != nil {
		return RunRequest{}, "", &InvalidRequestError{Err: err}
	}
	switch req.Mode {
	case models.ReportModeSingleCheck:
		id := strings.TrimSpace(req.SubjectKey)
		return RunRequest{Mode: req.Mode, CheckID: id, Trigger: req.Trigger}, CheckSubjectKey(id), nil
	default:
		g, err := analytics.ParseGranularity(req.Granularity)
		if err != nil {
			return RunRequest{}, "", &InvalidRequestError{Err: err}
		}
		anchor, err := analytics.ParseDate(req.PeriodStart)
		if err != nil {
			return RunRequest{}, "", &InvalidRequestError{Err: fmt.Errorf("period_start: %w", err)}
		}
		bounds := analytics.PeriodContaining(g, anchor)
		filters := analytics.Filters{
			Department: strings.TrimSpace(req.Department),
			Brigade:    strings.TrimSpace(req.Brigade),
			Author:     strings.TrimSpace(req.Author),
		}
		run := RunRequest{Mode: req.Mode, Granularity: g, Bounds: &bounds, Filters: filters, Trigger: req.Trigger}
		return run, PeriodSubjectKey(g, bounds, filters), nil
	}
}

func CheckSubjectKey(checkID string) string {
	return "check:" + checkID
}

func PeriodSubjectKey(g analytics.Granularity, b analytics.PeriodBounds, f analytics.Filters) string {
	return "period:" + analytics.SummaryKey(g, b, f)
}

func decodeRunRequest(r *models.Report) (RunRequest, error) {
	var run RunRequest
	if err := utils.UnmarshalFromJSON(r.Request, &run); err != nil {
		return RunRequest{}, fmt.Errorf("decode run request of report %s: %w", r.ID, err)
	}
	if run.Mode == "" {
		run.Mode = r.Mode
	}
	if run.Trigger == "" {
		run.Trigger = models.ReportTriggerManual
	}
	switch run.Mode {
	case models.ReportModeSingleCheck:
		if run.CheckID == "" {
			return RunRequest{}, fmt.Errorf("report %s has no check id", r.ID)
		}
	case models.ReportModePeriodSummary:
		if run.Bounds == nil || run.Granularity == "" {
			return RunRequest{}, fmt.Errorf("report %s has no period", r.ID)
		}
	default:
		return RunRequest{}, fmt.Errorf("report %s has unknown mode %q", r.ID, run.Mode)
	}
	return run, nil
}
