package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidAmount      = errors.New("invalid credit amount")
)

// Account is a device's banked balance in pesos.
type Account struct {
	MAC       string    `gorm:"column:mac;primaryKey" json:"mac"`
	Pesos     int64     `json:"pesos"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Account) TableName() string { return "credits" }

// Bank stores balances per MAC.
type Bank interface {
	Balance(ctx context.Context, mac string) (int64, error)
	Deposit(ctx context.Context, mac string, pesos int64) (int64, error)
	// Spend deducts pesos or fails with ErrInsufficientCredit leaving the
	// balance untouched.
	Spend(ctx context.Context, mac string, pesos int64) (int64, error)
}

// GormBank keeps balances in the credits table.
type GormBank struct {
	db *gorm.DB
}

func NewGormBank(db *gorm.DB) (*GormBank, error) {
	if db == nil {
		return nil, errors.New("credits: nil database provided")
	}
	return &GormBank{db: db}, nil
}

func (b *GormBank) Balance(ctx context.Context, mac string) (int64, error) {
	var acct Account
	err := b.db.WithContext(ctx).Where("mac = ?", normalize(mac)).Take(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return acct.Pesos, nil
}

func (b *GormBank) Deposit(ctx context.Context, mac string, pesos int64) (int64, error) {
	if pesos <= 0 {
		return 0, ErrInvalidAmount
	}
	acct := Account{MAC: normalize(mac), Pesos: pesos, UpdatedAt: time.Now().UTC()}
	err := b.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "mac"}},
			DoUpdates: clause.Assignments(map[string]any{
				"pesos":      gorm.Expr("credits.pesos + EXCLUDED.pesos"),
				"updated_at": gorm.Expr("EXCLUDED.updated_at"),
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "pesos"}}},
	).Create(&acct).Error
	if err != nil {
		return 0, fmt.Errorf("deposit credit: %w", err)
	}
	return acct.Pesos, nil
}

func (b *GormBank) Spend(ctx context.Context, mac string, pesos int64) (int64, error) {
	if pesos <= 0 {
		return 0, ErrInvalidAmount
	}
	mac = normalize(mac)
	var left int64
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).
			Where("mac = ? AND pesos >= ?", mac, pesos).
			Updates(map[string]any{"pesos": gorm.Expr("pesos - ?", pesos), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fmt.Errorf("spend credit: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredit
		}
		var acct Account
		if err := tx.Where("mac = ?", mac).Take(&acct).Error; err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		left = acct.Pesos
		return nil
	})
	if err != nil {
		return 0, err
	}
	return left, nil
}

// MemoryBank is an in-process Bank.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{balances: make(map[string]int64)}
}

func (m *MemoryBank) Balance(_ context.Context, mac string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[normalize(mac)], nil
}

func (m *MemoryBank) Deposit(_ context.Context, mac string, pesos int64) (int64, error) {
	if pesos <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[normalize(mac)] += pesos
	return m.balances[normalize(mac)], nil
}

func (m *MemoryBank) Spend(_ context.Context, mac string, pesos int64) (int64, error) {
	if pesos <= 0 {
		return 0, ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalize(mac)
	if m.balances[key] < pesos {
		return m.balances[key], ErrInsufficientCredit
	}
	m.balances[key] -= pesos
	return m.balances[key], nil
}

func normalize(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}
