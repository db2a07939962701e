package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pisowifi/services/sessions"
)

// Known keys.
const (
	KeyPortalName             = "portal_name"
	KeyUnspecifiedPausePolicy = "unspecified_pause_policy"
	KeyLinearMinutesPerPeso   = "linear_minutes_per_peso"
)

const (
	DefaultPortalName           = "PisoWiFi"
	DefaultLinearMinutesPerPeso = int64(10)
)

// ErrNotFound is returned when a key has never been set.
var ErrNotFound = errors.New("setting not found")

// Store persists raw JSON values by key.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	All(ctx context.Context) (map[string]json.RawMessage, error)
}

type setting struct {
	Key       string         `gorm:"primaryKey"`
	Value     datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt time.Time
}

func (setting) TableName() string { return "settings" }

// GormStore keeps settings in the settings table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("settings: nil database provided")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var row setting
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return json.RawMessage(row.Value), nil
}

func (s *GormStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	row := setting{Key: key, Value: datatypes.JSON(value), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

func (s *GormStore) All(ctx context.Context) (map[string]json.RawMessage, error) {
	var rows []setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	out := make(map[string]json.RawMessage, len(rows))
	for _, r := range rows {
		out[r.Key] = json.RawMessage(r.Value)
	}
	return out, nil
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *MemoryStore) All(context.Context) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.values))
	for k, v := range m.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

// Repository is the typed view over a Store. Unset keys fall back to their
// defaults.
type Repository struct {
	store Store
}

func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

func (r *Repository) PortalName(ctx context.Context) (string, error) {
	var name string
	if err := r.get(ctx, KeyPortalName, &name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return DefaultPortalName, nil
		}
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return DefaultPortalName, nil
	}
	return name, nil
}

func (r *Repository) SetPortalName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("portal name must not be empty")
	}
	return r.set(ctx, KeyPortalName, name)
}

// UnspecifiedPausePolicy decides whether sessions without an explicit
// pausable flag may pause.
func (r *Repository) UnspecifiedPausePolicy(ctx context.Context) (sessions.UnspecifiedPausePolicy, error) {
	var raw string
	if err := r.get(ctx, KeyUnspecifiedPausePolicy, &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return sessions.DefaultUnspecifiedPausePolicy, nil
		}
		return "", err
	}
	return sessions.ParseUnspecifiedPausePolicy(raw)
}

func (r *Repository) SetUnspecifiedPausePolicy(ctx context.Context, p sessions.UnspecifiedPausePolicy) error {
	if _, err := sessions.ParseUnspecifiedPausePolicy(string(p)); err != nil {
		return err
	}
	return r.set(ctx, KeyUnspecifiedPausePolicy, string(p))
}

// LinearMinutesPerPeso is the conversion used when no rate plan applies.
func (r *Repository) LinearMinutesPerPeso(ctx context.Context) (int64, error) {
	var n int64
	if err := r.get(ctx, KeyLinearMinutesPerPeso, &n); err != nil {
		if errors.Is(err, ErrNotFound) {
			return DefaultLinearMinutesPerPeso, nil
		}
		return 0, err
	}
	if n <= 0 {
		return DefaultLinearMinutesPerPeso, nil
	}
	return n, nil
}

func (r *Repository) SetLinearMinutesPerPeso(ctx context.Context, n int64) error {
	if n <= 0 {
		return fmt.Errorf("invalid minutes per peso: %d", n)
	}
	return r.set(ctx, KeyLinearMinutesPerPeso, n)
}

// SetString parses value for a known key and stores it, used by the CLI.
func (r *Repository) SetString(ctx context.Context, key, value string) error {
	switch key {
	case KeyPortalName:
		return r.SetPortalName(ctx, value)
	case KeyUnspecifiedPausePolicy:
		p, err := sessions.ParseUnspecifiedPausePolicy(value)
		if err != nil {
			return err
		}
		return r.SetUnspecifiedPausePolicy(ctx, p)
	case KeyLinearMinutesPerPeso:
		var n int64
		if _, err := fmt.Sscan(value, &n); err != nil {
			return fmt.Errorf("invalid minutes per peso: %q", value)
		}
		return r.SetLinearMinutesPerPeso(ctx, n)
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
}

// Effective returns every known key with its current or default value.
func (r *Repository) Effective(ctx context.Context) ([][2]string, error) {
	name, err := r.PortalName(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := r.UnspecifiedPausePolicy(ctx)
	if err != nil {
		return nil, err
	}
	ratio, err := r.LinearMinutesPerPeso(ctx)
	if err != nil {
		return nil, err
	}
	out := [][2]string{
		{KeyPortalName, name},
		{KeyUnspecifiedPausePolicy, string(policy)},
		{KeyLinearMinutesPerPeso, fmt.Sprint(ratio)},
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

func (r *Repository) get(ctx context.Context, key string, dst any) error {
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode setting %s: %w", key, err)
	}
	return nil
}

func (r *Repository) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return r.store.Set(ctx, key, raw)
}
