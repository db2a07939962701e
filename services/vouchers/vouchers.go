package vouchers

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("voucher not found")
	ErrRedeemed = errors.New("voucher already redeemed")
)

// CodeLength is the length of generated codes.
const CodeLength = 8

// Ambiguous glyphs (0/O, 1/I/L) are left out.
const alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// Voucher is a prepaid code worth a fixed amount of time.
type Voucher struct {
	Code          string     `gorm:"primaryKey" json:"code"`
	Minutes       int64      `json:"minutes"`
	Pesos         int64      `json:"pesos"`
	DownloadLimit int64      `json:"downloadLimit"`
	UploadLimit   int64      `json:"uploadLimit"`
	Pausable      *bool      `json:"pausable,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	RedeemedAt    *time.Time `json:"redeemedAt,omitempty"`
	RedeemedBy    string     `json:"redeemedBy,omitempty"`
}

func (Voucher) TableName() string { return "vouchers" }

// Redeemed reports whether the voucher has been used.
func (v Voucher) Redeemed() bool { return v.RedeemedAt != nil }

// Store is the voucher ledger.
type Store interface {
	Create(ctx context.Context, vs []Voucher) error
	// Redeem marks code used by mac exactly once.
	Redeem(ctx context.Context, code, mac string) (Voucher, error)
	// Unredeem reverts a redemption whose grant failed.
	Unredeem(ctx context.Context, code string) error
	List(ctx context.Context, includeRedeemed bool) ([]Voucher, error)
}

// NormalizeCode upper-cases and trims user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Generate returns n unsaved vouchers cloned from template with fresh codes.
func Generate(n int, template Voucher) ([]Voucher, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid voucher count: %d", n)
	}
	if template.Minutes <= 0 {
		return nil, fmt.Errorf("invalid voucher minutes: %d", template.Minutes)
	}
	if template.Pesos < 0 {
		return nil, fmt.Errorf("invalid voucher pesos: %d", template.Pesos)
	}

	out := make([]Voucher, 0, n)
	seen := make(map[string]struct{}, n)
	for len(out) < n {
		code, err := newCode()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		v := template
		v.Code = code
		v.RedeemedAt = nil
		v.RedeemedBy = ""
		out = append(out, v)
	}
	return out, nil
}

func newCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate voucher code: %w", err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// GormStore keeps vouchers in the vouchers table.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("vouchers: nil database provided")
	}
	return &GormStore{db: db, now: time.Now}, nil
}

func (s *GormStore) Create(ctx context.Context, vs []Voucher) error {
	if len(vs) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&vs).Error; err != nil {
		return fmt.Errorf("create vouchers: %w", err)
	}
	return nil
}

func (s *GormStore) Redeem(ctx context.Context, code, mac string) (Voucher, error) {
	code = NormalizeCode(code)
	var out Voucher
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Voucher{}).
			Where("code = ? AND redeemed_at IS NULL", code).
			Updates(map[string]any{"redeemed_at": s.now().UTC(), "redeemed_by": mac})
		if res.Error != nil {
			return fmt.Errorf("redeem voucher: %w", res.Error)
		}

		err := tx.Where("code = ?", code).Take(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load voucher: %w", err)
		}
		if res.RowsAffected == 0 {
			return ErrRedeemed
		}
		return nil
	})
	if err != nil {
		return Voucher{}, err
	}
	return out, nil
}

func (s *GormStore) Unredeem(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).Model(&Voucher{}).
		Where("code = ?", NormalizeCode(code)).
		Updates(map[string]any{"redeemed_at": nil, "redeemed_by": ""}).Error
	if err != nil {
		return fmt.Errorf("unredeem voucher: %w", err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, includeRedeemed bool) ([]Voucher, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, code ASC")
	if !includeRedeemed {
		q = q.Where("redeemed_at IS NULL")
	}
	var out []Voucher
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	return out, nil
}

// MemoryStore is an in-process ledger.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Voucher
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Voucher), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, vs []Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vs {
		if _, ok := m.items[v.Code]; ok {
			return fmt.Errorf("create vouchers: duplicate code %s", v.Code)
		}
	}
	for _, v := range vs {
		if v.CreatedAt.IsZero() {
			v.CreatedAt = m.now().UTC()
		}
		m.items[v.Code] = v
	}
	return nil
}

func (m *MemoryStore) Redeem(_ context.Context, code, mac string) (Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[NormalizeCode(code)]
	if !ok {
		return Voucher{}, ErrNotFound
	}
	if v.Redeemed() {
		return v, ErrRedeemed
	}
	at := m.now().UTC()
	v.RedeemedAt, v.RedeemedBy = &at, mac
	m.items[v.Code] = v
	return v, nil
}

func (m *MemoryStore) Unredeem(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[NormalizeCode(code)]
	if !ok {
		return nil
	}
	v.RedeemedAt, v.RedeemedBy = nil, ""
	m.items[v.Code] = v
	return nil
}

func (m *MemoryStore) List(_ context.Context, includeRedeemed bool) ([]Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Voucher, 0, len(m.items))
	for _, v := range m.items {
		if v.Redeemed() && !includeRedeemed {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}
