package rates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Rate is one price plan: pesos buy minutes with optional shaping hints.
type Rate struct {
	ID            int64  `gorm:"primaryKey" yaml:"-" json:"id,omitempty"`
	Pesos         int64  `yaml:"pesos" json:"pesos"`
	Minutes       int64  `yaml:"minutes" json:"minutes"`
	DownloadLimit int64  `yaml:"download_limit" json:"downloadLimit"`
	UploadLimit   int64  `yaml:"upload_limit" json:"uploadLimit"`
	Pausable      *bool  `yaml:"pausable" json:"pausable,omitempty"`
	Label         string `yaml:"label" json:"label,omitempty"`
}

func (Rate) TableName() string { return "rates" }

// Validate rejects plans that could never be charged.
func (r Rate) Validate() error {
	if r.Pesos <= 0 {
		return fmt.Errorf("invalid rate pesos: %d", r.Pesos)
	}
	if r.Minutes <= 0 {
		return fmt.Errorf("invalid rate minutes: %d", r.Minutes)
	}
	if r.DownloadLimit < 0 || r.UploadLimit < 0 {
		return fmt.Errorf("invalid rate limits: %d/%d", r.DownloadLimit, r.UploadLimit)
	}
	return nil
}

// Catalog lists the configured price plans.
type Catalog interface {
	Rates(ctx context.Context) ([]Rate, error)
}

// Match finds a plan with exactly pesos and minutes.
func Match(rates []Rate, pesos, minutes int64) (Rate, bool) {
	for _, r := range rates {
		if r.Pesos == pesos && r.Minutes == minutes {
			return r, true
		}
	}
	return Rate{}, false
}

// ForPesos finds the plan priced at exactly pesos.
func ForPesos(rates []Rate, pesos int64) (Rate, bool) {
	for _, r := range rates {
		if r.Pesos == pesos {
			return r, true
		}
	}
	return Rate{}, false
}

// MinutesForPesos converts an amount without an exact plan. An exact price
// wins; otherwise the best minutes-per-peso plan is applied proportionally;
// with no plans at all the linear fallback ratio is used.
func MinutesForPesos(rates []Rate, pesos, fallbackPerPeso int64) int64 {
	if pesos <= 0 {
		return 0
	}
	if r, ok := ForPesos(rates, pesos); ok {
		return r.Minutes
	}

	var best *Rate
	for i := range rates {
		r := &rates[i]
		if r.Pesos <= 0 || r.Minutes <= 0 {
			continue
		}
		// r.Minutes/r.Pesos > best.Minutes/best.Pesos without float rounding.
		if best == nil || r.Minutes*best.Pesos > best.Minutes*r.Pesos {
			best = r
		}
	}
	if best == nil {
		return pesos * fallbackPerPeso
	}
	return pesos * best.Minutes / best.Pesos
}

// Static is a fixed in-memory catalog.
type Static []Rate

func (s Static) Rates(context.Context) ([]Rate, error) {
	out := append([]Rate(nil), s...)
	sortRates(out)
	return out, nil
}

// GormCatalog stores plans in the rates table.
type GormCatalog struct {
	db *gorm.DB
}

// NewGormCatalog wraps db.
func NewGormCatalog(db *gorm.DB) (*GormCatalog, error) {
	if db == nil {
		return nil, errors.New("rates: nil database provided")
	}
	return &GormCatalog{db: db}, nil
}

func (c *GormCatalog) Rates(ctx context.Context) ([]Rate, error) {
	var out []Rate
	if err := c.db.WithContext(ctx).Order("pesos ASC, minutes ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list rates: %w", err)
	}
	return out, nil
}

// Replace swaps the whole catalog atomically.
func (c *GormCatalog) Replace(ctx context.Context, plans []Rate) error {
	for _, r := range plans {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Rate{}).Error; err != nil {
			return fmt.Errorf("clear rates: %w", err)
		}
		if len(plans) == 0 {
			return nil
		}
		rows := make([]Rate, len(plans))
		copy(rows, plans)
		for i := range rows {
			rows[i].ID = 0
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert rates: %w", err)
		}
		return nil
	})
}

type file struct {
	Rates []Rate `yaml:"rates"`
}

// LoadFile reads a YAML catalog:
//
//	rates:
//	  - pesos: 5
//	    minutes: 60
//	    pausable: true
func LoadFile(path string) ([]Rate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rates file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rates file: %w", err)
	}
	for i, r := range f.Rates {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rate %d: %w", i, err)
		}
	}
	sortRates(f.Rates)
	return f.Rates, nil
}

func sortRates(rs []Rate) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Pesos != rs[j].Pesos {
			return rs[i].Pesos < rs[j].Pesos
		}
		return rs[i].Minutes < rs[j].Minutes
	})
}
