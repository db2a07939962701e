// Package audit records session and payment events in the audit table.
package audit

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Entry is one audit row.
type Entry struct {
	ID      int64          `json:"id"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Obj     string         `json:"obj"`
	Details map[string]any `json:"details"`
	At      time.Time      `json:"at"`
}

// Writer persists audit entries.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

// GormStore writes and reads the audit table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("audit: gorm db is required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Write(ctx context.Context, e Entry) error {
	row := auditModel{
		Actor:   e.Actor,
		Action:  e.Action,
		Obj:     e.Obj,
		Details: toJSONMap(e.Details),
		At:      e.At,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Recent returns up to limit entries, newest first. An empty obj matches all.
func (s *GormStore) Recent(ctx context.Context, obj string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if obj != "" {
		q = q.Where("obj = ?", obj)
	}
	var rows []auditModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:      r.ID,
			Actor:   r.Actor,
			Action:  r.Action,
			Obj:     r.Obj,
			Details: map[string]any(r.Details),
			At:      r.At,
		})
	}
	return out, nil
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range src {
		out[k] = v
	}
	return out
}
