package workbook

import (
	"errors"
	"fmt"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AnalyticsDTO is everything the renderer needs. It is also persisted as the
// report's analytics snapshot, so it carries nothing specific to one run:
// no wall-clock timestamps and no report id.
type AnalyticsDTO struct {
	Title          string                        `json:"title" validate:"required"`
	Mode           string                        `json:"mode" validate:"required,oneof=single_check period_summary"`
	SubjectKey     string                        `json:"subject_key" validate:"required"`
	FormulaVersion string                        `json:"formula_version" validate:"required"`
	ScoreFloor     decimal.Decimal               `json:"score_floor"`
	PublicBaseURL  string                        `json:"public_base_url,omitempty"`
	Summary        *analytics.PeriodSummary      `json:"summary" validate:"required"`
	Matrix         *analytics.ScoreMatrix        `json:"matrix" validate:"required"`
	DailyScores    []analytics.BrigadeDailyScore `json:"daily_scores"`
	Alerts         []analytics.AlertRecord       `json:"alerts"`
	Tickets        map[string]string             `json:"tickets,omitempty"`
	Checks         []CheckDetail                 `json:"checks" validate:"dive"`
}

type CheckDetail struct {
	CheckID       string                `json:"check_id" validate:"required"`
	Date          string                `json:"date" validate:"required"`
	BrigadeID     string                `json:"brigade_id"`
	BrigadeName   string                `json:"brigade_name"`
	InspectorName string                `json:"inspector_name"`
	TemplateName  string                `json:"template_name"`
	Facts         []analytics.CheckFact `json:"facts"`
}

// WorkbookBuildError aborts a render before any bytes are produced.
type WorkbookBuildError struct {
	Field  string
	Reason string
	Err    error
}

func (e *WorkbookBuildError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("workbook build failed: %s %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		return "workbook build failed: " + e.Err.Error()
	}
	return "workbook build failed: " + e.Reason
}

func (e *WorkbookBuildError) Unwrap() error { return e.Err }

func (e *WorkbookBuildError) Code() string { return "workbook_build_failed" }

var validate = validator.New()

// Validate reports the first missing or malformed field of dto.
func Validate(dto *AnalyticsDTO) error {
	if dto == nil {
		return &WorkbookBuildError{Field: "AnalyticsDTO", Reason: "is required"}
	}
	if err := validate.Struct(dto); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &WorkbookBuildError{Field: verrs[0].Namespace(), Reason: "failed " + verrs[0].Tag() + " check"}
		}
		return &WorkbookBuildError{Err: err}
	}
	for i, a := range dto.Alerts {
		if a.ContentHash == "" {
			return &WorkbookBuildError{Field: fmt.Sprintf("AnalyticsDTO.Alerts[%d].ContentHash", i), Reason: "is required"}
		}
		if a.Kind == "" {
			return &WorkbookBuildError{Field: fmt.Sprintf("AnalyticsDTO.Alerts[%d].Kind", i), Reason: "is required"}
		}
	}
	for i, row := range dto.Matrix.Rows {
		if len(row.Daily) != len(dto.Matrix.Days) {
			return &WorkbookBuildError{Field: fmt.Sprintf("AnalyticsDTO.Matrix.Rows[%d].Daily", i), Reason: "does not match the month length"}
		}
	}
	return nil
}
