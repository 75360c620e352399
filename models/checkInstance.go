package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"gorm.io/gorm"
)

var ErrCheckNotFound = errors.New("check instance not found")

type Brigade struct {
	ID           string    `gorm:"size:64;primary_key" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	DepartmentID string    `gorm:"size:64;index" json:"department_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CheckInstance is one execution of a checklist template. CheckDate is the
// UTC day the check counts toward.
type CheckInstance struct {
	ID              string        `gorm:"size:36;primary_key" json:"id"`
	TemplateID      string        `gorm:"size:64;not null;index" json:"template_id"`
	TemplateVersion int           `gorm:"not null" json:"template_version"`
	BrigadeID       string        `gorm:"size:64;index:idx_check_brigade_day,priority:1" json:"brigade_id"`
	DepartmentID    string        `gorm:"size:64;index" json:"department_id"`
	InspectorID     string        `gorm:"size:64;index" json:"inspector_id"`
	InspectorName   string        `gorm:"size:255" json:"inspector_name"`
	Status          string        `gorm:"size:20;not null;index" json:"status"`
	CheckDate       time.Time     `gorm:"type:date;not null;index:idx_check_brigade_day,priority:2" json:"check_date"`
	StartedAt       time.Time     `gorm:"not null" json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at"`
	Answers         []CheckAnswer `gorm:"foreignKey:CheckInstanceID" json:"answers"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type CheckAnswer struct {
	ID              int    `gorm:"primary_key" json:"id"`
	CheckInstanceID string `gorm:"size:36;not null;index" json:"check_instance_id"`
	QuestionID      string `gorm:"size:64;not null" json:"question_id"`
	Value           []byte `gorm:"type:blob" json:"value"`
	Comment         string `gorm:"type:text" json:"comment"`
	Attachments     []byte `gorm:"type:blob" json:"attachments"`
}

func (c CheckInstance) toAnalytics(brigadeName string) (analytics.CheckInstance, error) {
	out := analytics.CheckInstance{
		ID:              c.ID,
		TemplateID:      c.TemplateID,
		TemplateVersion: c.TemplateVersion,
		BrigadeID:       c.BrigadeID,
		BrigadeName:     brigadeName,
		DepartmentID:    c.DepartmentID,
		InspectorID:     c.InspectorID,
		InspectorName:   c.InspectorName,
		Status:          c.Status,
		StartedAt:       c.StartedAt,
		FinishedAt:      c.FinishedAt,
		Answers:         make([]analytics.Answer, 0, len(c.Answers)),
	}
	for _, a := range c.Answers {
		ans := analytics.Answer{QuestionID: a.QuestionID, Comment: a.Comment}
		if len(a.Value) > 0 {
			dec := json.NewDecoder(bytes.NewReader(a.Value))
			dec.UseNumber()
			if err := dec.Decode(&ans.Value); err != nil {
				return out, err
			}
		}
		if len(a.Attachments) > 0 {
			if err := json.Unmarshal(a.Attachments, &ans.Attachments); err != nil {
				return out, err
			}
		}
		out.Answers = append(out.Answers, ans)
	}
	return out, nil
}

// CheckStore reads check instances with their answers.
type CheckStore struct {
	db *gorm.DB
}

func NewCheckStore(db *gorm.DB) *CheckStore {
	return &CheckStore{db: db}
}

func (s *CheckStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

// GetCheck returns the check in whatever status it is in; completeness is
// judged by the extractor.
func (s *CheckStore) GetCheck(ctx context.Context, id string) (analytics.CheckInstance, error) {
	var row CheckInstance
	err := s.conn(ctx).Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return analytics.CheckInstance{}, ErrCheckNotFound
		}
		return analytics.CheckInstance{}, err
	}
	names, err := s.brigadeNames(ctx, []CheckInstance{row})
	if err != nil {
		return analytics.CheckInstance{}, err
	}
	return row.toAnalytics(names[row.BrigadeID])
}

// ListCompletedChecks returns completed checks whose day is within bounds,
// ordered by day and id.
func (s *CheckStore) ListCompletedChecks(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) ([]analytics.CheckInstance, error) {
	q := s.conn(ctx).Preload("Answers", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("status = ? AND check_date BETWEEN ? AND ?", analytics.CheckStatusCompleted,
			analytics.FormatDate(bounds.Start), analytics.FormatDate(bounds.End))
	if filters.Brigade != "" {
		q = q.Where("brigade_id = ?", filters.Brigade)
	}
	if filters.Department != "" {
		q = q.Where("department_id = ?", filters.Department)
	}
	if filters.Author != "" {
		q = q.Where("inspector_id = ?", filters.Author)
	}
	var rows []CheckInstance
	if err := q.Order("check_date, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	names, err := s.brigadeNames(ctx, rows)
	if err != nil {
		return nil, err
	}
	out := make([]analytics.CheckInstance, 0, len(rows))
	for _, r := range rows {
		c, err := r.toAnalytics(names[r.BrigadeID])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *CheckStore) brigadeNames(ctx context.Context, rows []CheckInstance) (map[string]string, error) {
	ids := make([]string, 0, len(rows))
	seen := map[string]bool{}
	for _, r := range rows {
		if r.BrigadeID != "" && !seen[r.BrigadeID] {
			seen[r.BrigadeID] = true
			ids = append(ids, r.BrigadeID)
		}
	}
	out := map[string]string{}
	if len(ids) == 0 {
		return out, nil
	}
	var brigades []Brigade
	if err := s.conn(ctx).Where("id IN ?", ids).Find(&brigades).Error; err != nil {
		return nil, err
	}
	for _, b := range brigades {
		out[b.ID] = b.Name
	}
	return out, nil
}
