package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"gorm.io/gorm"
)

var ErrTemplateNotFound = errors.New("template version not found")

// TemplateVersion is an immutable published checklist schema.
type TemplateVersion struct {
	ID         int       `gorm:"primary_key" json:"id"`
	TemplateID string    `gorm:"size:64;not null;uniqueIndex:uniq_template_version,priority:1" json:"template_id"`
	Version    int       `gorm:"not null;uniqueIndex:uniq_template_version,priority:2" json:"version"`
	Name       string    `gorm:"size:255;not null" json:"name"`
	Schema     []byte    `gorm:"type:mediumblob;not null" json:"schema"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TemplateStore parses schemas once per (template, version); published
// versions never change.
type TemplateStore struct {
	db    *gorm.DB
	cache sync.Map
}

func NewTemplateStore(db *gorm.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

func (s *TemplateStore) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

func (s *TemplateStore) GetTemplateSchema(ctx context.Context, templateID string, version int) (analytics.TemplateSchema, error) {
	key := fmt.Sprintf("%s@%d", templateID, version)
	if v, ok := s.cache.Load(key); ok {
		return v.(analytics.TemplateSchema), nil
	}

	var row TemplateVersion
	err := s.conn(ctx).Where("template_id = ? AND version = ?", templateID, version).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return analytics.TemplateSchema{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
		}
		return analytics.TemplateSchema{}, err
	}
	schema, err := analytics.ParseTemplateSchema(row.TemplateID, row.Version, row.Schema)
	if err != nil {
		return analytics.TemplateSchema{}, fmt.Errorf("template %s: %w", key, err)
	}
	if schema.Name == "" {
		schema.Name = row.Name
	}
	s.cache.Store(key, schema)
	return schema, nil
}
