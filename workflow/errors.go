package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
)

const (
	CodeIncompleteCheck        = "incomplete_check"
	CodeInsufficientData       = "insufficient_data"
	CodeFormulaMismatch        = "formula_mismatch"
	CodeWorkbookBuildFailed    = "workbook_build_failed"
	CodeRenderTimeout          = "render_timeout"
	CodeExternalDispatchFailed = "external_dispatch_failed"
	CodeDuplicateRun           = "duplicate_run"
	CodeCancelled              = "cancelled"
	CodeRunTimeout             = "run_timeout"
	CodeAbandoned              = "abandoned"
	CodeNotFound               = "not_found"
	CodeNotReady               = "not_ready"
	CodeQueueFull              = "queue_full"
	CodeInvalidRequest         = "invalid_request"
	CodeInternal               = "internal"
)

var (
	ErrReportNotReady = errors.New("report has no artifact yet")
	ErrRunCancelled   = errors.New("run cancelled")
	ErrRenderTimeout  = errors.New("rendering exceeded its time limit")
	ErrQueueFull      = errors.New("report queue is full")

	ErrDispatchNotConfigured = errors.New("alert dispatch is not configured")
)

// DuplicateRunError points the caller at the run already in flight for a
// subject.
type DuplicateRunError struct {
	SubjectKey string
	ReportID   string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("a run for %s is already in flight as report %s", e.SubjectKey, e.ReportID)
}

func (e *DuplicateRunError) Code() string { return CodeDuplicateRun }

// InvalidRequestError rejects a generate request before any report exists.
type InvalidRequestError struct {
	Err error
}

func (e *InvalidRequestError) Error() string {
	return "invalid report request: " + e.Err.Error()
}

func (e *InvalidRequestError) Unwrap() error { return e.Err }

func (e *InvalidRequestError) Code() string { return CodeInvalidRequest }

// StageError records the stage an error escaped from.
type StageError struct {
	Stage models.ReportStatus
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type coded interface {
	Code() string
}

// ErrorCode maps err to the stable code stored on failed reports.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRunCancelled):
		return CodeCancelled
	case errors.Is(err, ErrRenderTimeout):
		return CodeRenderTimeout
	case errors.Is(err, ErrReportNotReady):
		return CodeNotReady
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, models.ErrReportNotFound), errors.Is(err, models.ErrCheckNotFound),
		errors.Is(err, models.ErrTemplateNotFound), errors.Is(err, utils.ErrObjectNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeRunTimeout
	}
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// ErrorMessage is the human-readable cause shown next to the code.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		incomplete   *analytics.IncompleteCheckError
		insufficient *analytics.InsufficientDataError
	)
	switch {
	case errors.As(err, &incomplete):
		return fmt.Sprintf("Check %s is not completed yet (status %q). Finish the check and generate the report again.", incomplete.CheckID, incomplete.Status)
	case errors.As(err, &insufficient):
		return fmt.Sprintf("Not enough data to compute a score for %s: %s.", insufficient.Subject, insufficient.Reason)
	case errors.Is(err, ErrRunCancelled):
		return "The run was cancelled before rendering started."
	case errors.Is(err, ErrRenderTimeout):
		return "Building the workbook took too long and was stopped."
	}
	return err.Error()
}
