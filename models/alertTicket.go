package models

import (
	"context"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/dispatch"
	"gorm.io/gorm"
)

// AlertTicket is the global, append-only content_hash -> ticket map. The
// unique index on ContentHash is the compare-and-set for ticket creation.
type AlertTicket struct {
	ID          int       `gorm:"primary_key" json:"id"`
	ContentHash string    `gorm:"size:64;not null;uniqueIndex" json:"content_hash"`
	TicketID    string    `gorm:"size:64;not null;index" json:"ticket_id"`
	SubjectRef  string    `gorm:"size:255;not null" json:"subject_ref"`
	AlertKind   string    `gorm:"size:30;not null" json:"alert_kind"`
	ReportID    string    `gorm:"size:36;index" json:"report_id"`
	TrackerMode string    `gorm:"size:10;not null" json:"tracker_mode"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TicketStore is the gorm-backed dispatch.TicketStore.
type TicketStore struct {
	db *gorm.DB
}

func NewTicketStore(db *gorm.DB) *TicketStore {
	return &TicketStore{db: db}
}

func (s *TicketStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

func (s *TicketStore) LookupTickets(ctx context.Context, hashes []string) (map[string]string, error) {
	out := map[string]string{}
	if len(hashes) == 0 {
		return out, nil
	}
	var rows []AlertTicket
	if err := s.conn(ctx).Where("content_hash IN ?", hashes).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ContentHash] = r.TicketID
	}
	return out, nil
}

func (s *TicketStore) InsertTicket(ctx context.Context, rec dispatch.TicketRecord) error {
	row := AlertTicket{
		ContentHash: rec.ContentHash,
		TicketID:    rec.TicketID,
		SubjectRef:  rec.SubjectRef,
		AlertKind:   rec.AlertKind,
		ReportID:    rec.ReportID,
		TrackerMode: rec.TrackerMode,
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return dispatch.ErrTicketExists
		}
		return err
	}
	return nil
}
