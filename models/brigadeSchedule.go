package models

import (
	"context"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"gorm.io/gorm"
)

// BrigadeSchedule marks a brigade as expected to be checked on a day.
type BrigadeSchedule struct {
	ID           int       `gorm:"primary_key" json:"id"`
	BrigadeID    string    `gorm:"size:64;not null;uniqueIndex:uniq_brigade_schedule,priority:1" json:"brigade_id"`
	DepartmentID string    `gorm:"size:64;index" json:"department_id"`
	Date         time.Time `gorm:"type:date;not null;uniqueIndex:uniq_brigade_schedule,priority:2" json:"date"`
}

type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

// ExpectedBrigadeDays lists scheduled brigade-days in bounds. The author
// filter does not narrow a schedule.
func (s *ScheduleStore) ExpectedBrigadeDays(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.BrigadeDay, error) {
	q := s.conn(ctx).Model(&BrigadeSchedule{}).
		Where("date BETWEEN ? AND ?", analytics.FormatDate(bounds.Start), analytics.FormatDate(bounds.End))
	if filters.Brigade != "" {
		q = q.Where("brigade_id = ?", filters.Brigade)
	}
	if filters.Department != "" {
		q = q.Where("department_id = ?", filters.Department)
	}
	var rows []BrigadeSchedule
	if err := q.Order("date, brigade_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]analytics.BrigadeDay, 0, len(rows))
	for _, r := range rows {
		out = append(out, analytics.BrigadeDay{BrigadeID: r.BrigadeID, Date: analytics.FormatDate(r.Date)})
	}
	return out, nil
}
