package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"gorm.io/gorm"
)

// ReportStore persists reports with compare-and-set status updates: every
// write names the status it expects and fails with ErrStaleTransition when
// another writer got there first.
type ReportStore struct {
	db *gorm.DB
}

// NewReportStore uses db, or config.GetDB() when db is nil.
func NewReportStore(db *gorm.DB) *ReportStore {
	return &ReportStore{db: db}
}

func (s *ReportStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

func (s *ReportStore) CreateReport(ctx context.Context, r *Report) error {
	if r.Status == "" {
		r.Status = ReportStatusPending
	}
	if r.Format == "" {
		r.Format = ReportFormatXLSX
	}
	if !r.Status.IsTerminal() {
		key := r.SubjectKey
		r.ActiveKey = &key
	}
	if err := s.conn(ctx).Create(r).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrActiveRunExists
		}
		return err
	}
	return nil
}

func (s *ReportStore) GetReport(ctx context.Context, id string) (*Report, error) {
	var r Report
	if err := s.conn(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return &r, nil
}

// FindActiveReport returns the non-terminal run for subjectKey.
func (s *ReportStore) FindActiveReport(ctx context.Context, subjectKey string) (*Report, error) {
	var r Report
	if err := s.conn(ctx).Where("active_key = ?", subjectKey).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return &r, nil
}

// ListStaleRuns returns in-flight runs that have not moved since
// updatedBefore, oldest first.
func (s *ReportStore) ListStaleRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]Report, error) {
	var out []Report
	err := s.conn(ctx).
		Where("active_key IS NOT NULL AND updated_at < ?", updatedBefore).
		Order("updated_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *ReportStore) Transition(ctx context.Context, id string, from, to ReportStatus) error {
	if !CanTransition(from, to) || to.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return s.update(ctx, id, from, map[string]interface{}{"status": to})
}

// Finalize writes the artifact reference, metadata and terminal status in one
// statement, so a report is never READY without both.
func (s *ReportStore) Finalize(ctx context.Context, id string, to ReportStatus, storageRef string, metadata []byte) error {
	if !CanTransition(ReportStatusDispatching, to) || !to.HasArtifact() {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, ReportStatusDispatching, to)
	}
	now := time.Now().UTC()
	return s.update(ctx, id, ReportStatusDispatching, map[string]interface{}{
		"status":      to,
		"storage_ref": storageRef,
		"metadata":    metadata,
		"active_key":  nil,
		"finished_at": &now,
	})
}

func (s *ReportStore) Fail(ctx context.Context, id string, from ReportStatus, code, message string) error {
	if !CanTransition(from, ReportStatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, ReportStatusFailed)
	}
	now := time.Now().UTC()
	return s.update(ctx, id, from, map[string]interface{}{
		"status":        ReportStatusFailed,
		"error_code":    code,
		"error_message": message,
		"active_key":    nil,
		"finished_at":   &now,
	})
}

// ReplaceMetadata swaps the metadata of a finished report, e.g. after a
// resync. The workbook reference never changes.
func (s *ReportStore) ReplaceMetadata(ctx context.Context, id string, from, to ReportStatus, metadata []byte) error {
	if !from.HasArtifact() || (from != to && !CanTransition(from, to)) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	return s.update(ctx, id, from, map[string]interface{}{
		"status":   to,
		"metadata": metadata,
	})
}

func (s *ReportStore) RequestCancel(ctx context.Context, id string) error {
	res := s.conn(ctx).Model(&Report{}).Where("id = ?", id).Update("cancel_requested", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *ReportStore) update(ctx context.Context, id string, from ReportStatus, values map[string]interface{}) error {
	res := s.conn(ctx).Model(&Report{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (s *ReportStore) StartEvent(ctx context.Context, reportID string, trigger ReportTrigger) (*ReportGenerationEvent, error) {
	ev := &ReportGenerationEvent{
		ReportID:  reportID,
		Trigger:   trigger,
		Status:    ReportEventRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.conn(ctx).Create(ev).Error; err != nil {
		return nil, err
	}
	return ev, nil
}

// FinishEvent closes ev as success when errorCode is empty, else as failed.
func (s *ReportStore) FinishEvent(ctx context.Context, ev *ReportGenerationEvent, stage, errorCode, errMsg string) error {
	if ev == nil {
		return nil
	}
	now := time.Now().UTC()
	status := ReportEventSuccess
	if errorCode != "" {
		status = ReportEventFailed
	}
	ev.Status, ev.Stage, ev.ErrorCode, ev.Error, ev.FinishedAt = status, stage, errorCode, errMsg, &now
	return s.conn(ctx).Model(&ReportGenerationEvent{}).Where("id = ?", ev.ID).Updates(map[string]interface{}{
		"status":      status,
		"stage":       stage,
		"error_code":  errorCode,
		"error":       errMsg,
		"finished_at": &now,
	}).Error
}

func (s *ReportStore) ListEvents(ctx context.Context, reportID string) ([]ReportGenerationEvent, error) {
	var out []ReportGenerationEvent
	err := s.conn(ctx).Where("report_id = ?", reportID).Order("id").Find(&out).Error
	return out, err
}
