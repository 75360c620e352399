package models

import (
	"context"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"gorm.io/gorm"
)

// TrackerCallLog keeps every request sent to the ticket tracker.
type TrackerCallLog struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Method      string    `gorm:"size:50;not null" json:"method"`
	Mode        string    `gorm:"size:10;not null" json:"mode"`
	ContentHash string    `gorm:"size:64;index" json:"content_hash"`
	Request     string    `gorm:"type:text" json:"request"`
	Response    string    `gorm:"type:text" json:"response"`
	Error       string    `gorm:"type:text" json:"error"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// CallLogStore is the gorm-backed dispatch.CallRecorder.
type CallLogStore struct {
	db *gorm.DB
}

func NewCallLogStore(db *gorm.DB) *CallLogStore {
	return &CallLogStore{db: db}
}

func (s *CallLogStore) RecordCall(ctx context.Context, rec dispatch.CallRecord) error {
	req, err := utils.MarshalToJSON(rec.Request)
	if err != nil {
		return err
	}
	row := TrackerCallLog{
		Method:      rec.Method,
		Mode:        rec.Mode,
		ContentHash: rec.ContentHash,
		Request:     req,
		Response:    rec.Response,
		Error:       rec.Error,
		DurationMs:  rec.Duration.Milliseconds(),
	}
	db := s.db
	if db == nil {
		db = config.GetDB()
	}
	return db.WithContext(ctx).Create(&row).Error
}
