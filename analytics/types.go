package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, critical first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

func ParseSeverity(v string) (Severity, bool) {
	switch Severity(v) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(v), true
	}
	return SeverityInfo, false
}

const CheckStatusCompleted = "completed"

type Answer struct {
	QuestionID  string   `json:"question_id"`
	Value       any      `json:"value"`
	Comment     string   `json:"comment,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

type CheckInstance struct {
	ID              string     `json:"id"`
	TemplateID      string     `json:"template_id"`
	TemplateVersion int        `json:"template_version"`
	BrigadeID       string     `json:"brigade_id"`
	BrigadeName     string     `json:"brigade_name"`
	DepartmentID    string     `json:"department_id"`
	InspectorID     string     `json:"inspector_id"`
	InspectorName   string     `json:"inspector_name"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Answers         []Answer   `json:"answers"`
}

// Day is the calendar date a check counts toward.
func (c CheckInstance) Day() time.Time {
	ts := c.StartedAt
	if c.FinishedAt != nil {
		ts = *c.FinishedAt
	}
	return DateOf(ts)
}

type CheckFact struct {
	CheckID            string    `json:"check_id"`
	QuestionID         string    `json:"question_id"`
	QuestionText       string    `json:"question_text"`
	Section            string    `json:"section"`
	AnswerValue        string    `json:"answer_value"`
	Answered           bool      `json:"answered"`
	Comment            string    `json:"comment,omitempty"`
	Severity           Severity  `json:"severity"`
	IsPass             bool      `json:"is_pass"`
	RequiresAttachment bool      `json:"requires_attachment,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Attachments        []string  `json:"attachments"`
	BrigadeID          string    `json:"brigade_id"`
	DepartmentID       string    `json:"department_id,omitempty"`
}

type BrigadeDailyScore struct {
	BrigadeID       string                     `json:"brigade_id"`
	BrigadeName     string                     `json:"brigade_name,omitempty"`
	DepartmentID    string                     `json:"department_id,omitempty"`
	Date            time.Time                  `json:"date"`
	OverallScore    decimal.Decimal            `json:"overall_score"`
	ComponentScores map[string]decimal.Decimal `json:"component_scores"`
	FormulaVersion  string                     `json:"formula_version"`
	SampleSize      int                        `json:"sample_size"`
	DefectCount     int                        `json:"defect_count"`
	RemarkCount     int                        `json:"remark_count"`
	CheckCount      int                        `json:"check_count"`
}

type AlertKind string

const (
	AlertCriticalFailure   AlertKind = "critical_failure"
	AlertLowScore          AlertKind = "low_score"
	AlertDataGap           AlertKind = "data_gap"
	AlertMissingAttachment AlertKind = "missing_attachment"
)

func (k AlertKind) order() int {
	switch k {
	case AlertCriticalFailure:
		return 0
	case AlertMissingAttachment:
		return 1
	case AlertLowScore:
		return 2
	default:
		return 3
	}
}

type AlertRecord struct {
	Kind             AlertKind `json:"alert_kind"`
	SubjectRef       string    `json:"subject_ref"`
	Severity         Severity  `json:"severity"`
	HumanDescription string    `json:"human_description"`
	ContentHash      string    `json:"content_hash"`
	CheckID          string    `json:"check_id,omitempty"`
	QuestionID       string    `json:"question_id,omitempty"`
	BrigadeID        string    `json:"brigade_id,omitempty"`
	DepartmentID     string    `json:"department_id,omitempty"`
	Date             string    `json:"date,omitempty"`
}

const dateLayout = "2006-01-02"

// DateOf truncates ts to its UTC calendar day.
func DateOf(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDate(ts time.Time) string {
	return ts.UTC().Format(dateLayout)
}

func ParseDate(v string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, v, time.UTC)
}
