package models

import (
	"errors"
	"time"
)

var (
	ErrReportNotFound  = errors.New("report not found")
	ErrStaleTransition = errors.New("report status changed concurrently")
	ErrActiveRunExists = errors.New("an active run already exists for this subject")
	ErrBadTransition   = errors.New("report status transition not allowed")
)

type ReportMode string

const (
	ReportModeSingleCheck   ReportMode = "single_check"
	ReportModePeriodSummary ReportMode = "period_summary"
)

const ReportFormatXLSX = "xlsx"

// Report is one pipeline run and its artifact. ActiveKey equals SubjectKey
// while the run is not terminal and is NULL afterwards; its unique index keeps
// at most one in-flight run per subject.
type Report struct {
	ID              string       `gorm:"size:36;primary_key" json:"id"`
	SubjectKey      string       `gorm:"size:255;not null;index" json:"subject_key"`
	ActiveKey       *string      `gorm:"size:255;uniqueIndex:uniq_report_active" json:"-"`
	Mode            ReportMode   `gorm:"size:20;not null" json:"mode"`
	Format          string       `gorm:"size:10;not null;default:'xlsx'" json:"format"`
	Status          ReportStatus `gorm:"size:20;not null;index" json:"status"`
	Request         []byte       `gorm:"type:blob" json:"request"`
	StorageRef      string       `gorm:"size:512" json:"storage_ref"`
	Metadata        []byte       `gorm:"type:mediumblob" json:"metadata"`
	ErrorCode       string       `gorm:"size:50" json:"error_code"`
	ErrorMessage    string       `gorm:"type:text" json:"error_message"`
	CancelRequested bool         `gorm:"not null;default:false" json:"cancel_requested"`
	GeneratorUserID string       `gorm:"size:64" json:"generator_user_id"`
	CorrelationID   string       `gorm:"size:64;index" json:"correlation_id"`
	FinishedAt      *time.Time   `json:"finished_at"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type ReportTrigger string

const (
	ReportTriggerManual ReportTrigger = "manual"
	ReportTriggerRetry  ReportTrigger = "retry"
	ReportTriggerResync ReportTrigger = "resync"
)

type ReportEventStatus string

const (
	ReportEventRunning ReportEventStatus = "running"
	ReportEventSuccess ReportEventStatus = "success"
	ReportEventFailed  ReportEventStatus = "failed"
)

// ReportGenerationEvent is one attempt to run or resync a report.
type ReportGenerationEvent struct {
	ID         int               `gorm:"primary_key" json:"id"`
	ReportID   string            `gorm:"size:36;not null;index" json:"report_id"`
	Trigger    ReportTrigger     `gorm:"size:20;not null" json:"trigger"`
	Status     ReportEventStatus `gorm:"size:20;not null" json:"status"`
	Stage      string            `gorm:"size:20" json:"stage"`
	ErrorCode  string            `gorm:"size:50" json:"error_code"`
	Error      string            `gorm:"type:text" json:"error"`
	StartedAt  time.Time         `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
}
