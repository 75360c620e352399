package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BrigadeDailyScore is the stored score of one brigade-day. Rows are
// overwritten whole on recompute.
type BrigadeDailyScore struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BrigadeID       string          `gorm:"size:64;not null;uniqueIndex:uniq_brigade_day,priority:1" json:"brigade_id"`
	BrigadeName     string          `gorm:"size:255" json:"brigade_name"`
	DepartmentID    string          `gorm:"size:64;index" json:"department_id"`
	Date            time.Time       `gorm:"type:date;not null;uniqueIndex:uniq_brigade_day,priority:2;index" json:"date"`
	OverallScore    decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"overall_score"`
	ComponentScores []byte          `gorm:"type:blob" json:"component_scores"`
	FormulaVersion  string          `gorm:"size:20;not null;index" json:"formula_version"`
	SampleSize      int             `gorm:"not null" json:"sample_size"`
	DefectCount     int             `gorm:"not null" json:"defect_count"`
	RemarkCount     int             `gorm:"not null" json:"remark_count"`
	CheckCount      int             `gorm:"not null" json:"check_count"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r BrigadeDailyScore) toAnalytics() (analytics.BrigadeDailyScore, error) {
	out := analytics.BrigadeDailyScore{
		BrigadeID:       r.BrigadeID,
		BrigadeName:     r.BrigadeName,
		DepartmentID:    r.DepartmentID,
		Date:            analytics.DateOf(r.Date),
		OverallScore:    r.OverallScore,
		ComponentScores: map[string]decimal.Decimal{},
		FormulaVersion:  r.FormulaVersion,
		SampleSize:      r.SampleSize,
		DefectCount:     r.DefectCount,
		RemarkCount:     r.RemarkCount,
		CheckCount:      r.CheckCount,
	}
	if len(r.ComponentScores) > 0 {
		if err := json.Unmarshal(r.ComponentScores, &out.ComponentScores); err != nil {
			return out, err
		}
	}
	return out, nil
}

func brigadeDailyScoreRow(s analytics.BrigadeDailyScore) (BrigadeDailyScore, error) {
	components, err := json.Marshal(s.ComponentScores)
	if err != nil {
		return BrigadeDailyScore{}, err
	}
	return BrigadeDailyScore{
		BrigadeID:       s.BrigadeID,
		BrigadeName:     s.BrigadeName,
		DepartmentID:    s.DepartmentID,
		Date:            analytics.DateOf(s.Date),
		OverallScore:    s.OverallScore,
		ComponentScores: components,
		FormulaVersion:  s.FormulaVersion,
		SampleSize:      s.SampleSize,
		DefectCount:     s.DefectCount,
		RemarkCount:     s.RemarkCount,
		CheckCount:      s.CheckCount,
	}, nil
}

// ScoreStore is the gorm-backed analytics.ScoreSource.
type ScoreStore struct {
	db *gorm.DB
}

func NewScoreStore(db *gorm.DB) *ScoreStore {
	return &ScoreStore{db: db}
}

func (s *ScoreStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

// scoped applies the period and filters. The author filter keeps brigade-days
// that author inspected.
func (s *ScoreStore) scoped(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) *gorm.DB {
	q := s.conn(ctx).Model(&BrigadeDailyScore{}).
		Where("date BETWEEN ? AND ?", analytics.FormatDate(bounds.Start), analytics.FormatDate(bounds.End))
	if filters.Brigade != "" {
		q = q.Where("brigade_id = ?", filters.Brigade)
	}
	if filters.Department != "" {
		q = q.Where("department_id = ?", filters.Department)
	}
	if filters.Author != "" {
		q = q.Where(`EXISTS (SELECT 1 FROM check_instances ci WHERE ci.brigade_id = brigade_daily_scores.brigade_id
			AND ci.check_date = brigade_daily_scores.date AND ci.inspector_id = ? AND ci.status = ?)`,
			filters.Author, analytics.CheckStatusCompleted)
	}
	return q
}

func (s *ScoreStore) ListDailyScores(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.BrigadeDailyScore, error) {
	var rows []BrigadeDailyScore
	if err := s.scoped(ctx, bounds, filters).Order("date, brigade_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]analytics.BrigadeDailyScore, 0, len(rows))
	for _, r := range rows {
		score, err := r.toAnalytics()
		if err != nil {
			return nil, err
		}
		out = append(out, score)
	}
	return out, nil
}

// ListStaleBrigadeDays returns brigade-days scored by another formula version.
func (s *ScoreStore) ListStaleBrigadeDays(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters, formulaVersion string) ([]analytics.BrigadeDay, error) {
	var rows []BrigadeDailyScore
	err := s.scoped(ctx, bounds, filters).
		Where("formula_version <> ?", formulaVersion).
		Select("brigade_id, date").
		Order("date, brigade_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]analytics.BrigadeDay, 0, len(rows))
	for _, r := range rows {
		out = append(out, analytics.BrigadeDay{BrigadeID: r.BrigadeID, Date: analytics.FormatDate(r.Date)})
	}
	return out, nil
}

// ReplaceDailyScores upserts scores and deletes the brigade-days in gone, in
// one transaction.
func (s *ScoreStore) ReplaceDailyScores(ctx context.Context, scores []analytics.BrigadeDailyScore, gone []analytics.BrigadeDay) error {
	if len(scores) == 0 && len(gone) == 0 {
		return nil
	}
	rows := make([]BrigadeDailyScore, 0, len(scores))
	for _, sc := range scores {
		row, err := brigadeDailyScoreRow(sc)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "brigade_id"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"brigade_name", "department_id", "overall_score", "component_scores", "formula_version",
					"sample_size", "defect_count", "remark_count", "check_count", "updated_at",
				}),
			}).Create(&rows).Error
			if err != nil {
				return err
			}
		}
		for _, bd := range gone {
			if err := tx.Where("brigade_id = ? AND date = ?", bd.BrigadeID, bd.Date).Delete(&BrigadeDailyScore{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
