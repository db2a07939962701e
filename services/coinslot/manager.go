package coinslot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
)

const (
	// MainSlot is the coin acceptor wired to the gateway itself.
	MainSlot = "main"

	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

var (
	ErrBusy        = errors.New("coinslot: someone else is paying right now")
	ErrNotOwned    = errors.New("coinslot: lock is not held by caller")
	ErrUnknownSlot = errors.New("coinslot: unknown slot")
	ErrNoOwner     = errors.New("coinslot: owner mac or token is required")
)

// Owner identifies the customer holding a lock. Either field may match.
type Owner struct {
	MAC   string
	Token string
}

func (o Owner) matches(l *Lock) bool {
	if o.MAC != "" && o.MAC == l.OwnerMAC {
		return true
	}
	return o.Token != "" && o.Token == l.OwnerToken
}

// Lock is an exclusive, time-boxed reservation of a slot.
type Lock struct {
	Slot       string    `json:"slot"`
	LockID     string    `json:"lockId"`
	OwnerMAC   string    `json:"ownerMac"`
	OwnerToken string    `json:"-"`
	ExpiresAt  time.Time `json:"expiresAt"`
	// Credited counts pesos reported by the coin acceptor during this lease.
	Credited int64 `json:"credited"`
}

// Relay drives the coin acceptor's enable line.
type Relay interface {
	Energize(ctx context.Context) error
	Deenergize(ctx context.Context) error
}

// SlotValidator reports whether slot names a known remote device.
type SlotValidator interface {
	IsDevice(mac string) bool
}

// Config wires a Manager.
type Config struct {
	TTL     time.Duration
	Relay   Relay
	Devices SlotValidator
	Now     func() time.Time
	Logger  zerolog.Logger
}

// Manager arbitrates coin slots between customers. One mutex guards the
// lock map; relay writes happen under it so energize and de-energize never reorder.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*Lock
	ttl     time.Duration
	relay   Relay
	devices SlotValidator
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager returns a Manager with no active locks.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Relay == nil {
		cfg.Relay = NopRelay{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		locks:   make(map[string]*Lock),
		ttl:     cfg.TTL,
		relay:   cfg.Relay,
		devices: cfg.Devices,
		now:     cfg.Now,
		logger:  cfg.Logger.With().Str("component", "coinslot").Logger(),
	}
}

func (m *Manager) validSlot(slot string) bool {
	if slot == MainSlot {
		return true
	}
	return m.devices != nil && m.devices.IsDevice(slot)
}

// Reserve grants slot to owner for one TTL window. The same owner renews its
// existing lock and keeps the LockID; anyone else gets ErrBusy until the lock
// is released or expires.
func (m *Manager) Reserve(ctx context.Context, slot string, owner Owner) (Lock, error) {
	if !m.validSlot(slot) {
		return Lock{}, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	if owner.MAC == "" && owner.Token == "" {
		return Lock{}, ErrNoOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if current, ok := m.locks[slot]; ok && now.Before(current.ExpiresAt) {
		if !owner.matches(current) {
			metrics.CoinslotReservations.WithLabelValues("busy").Inc()
			return Lock{}, ErrBusy
		}
		current.ExpiresAt = now.Add(m.ttl)
		if owner.MAC != "" {
			current.OwnerMAC = owner.MAC
		}
		if owner.Token != "" {
			current.OwnerToken = owner.Token
		}
		metrics.CoinslotReservations.WithLabelValues("renewed").Inc()
		return *current, nil
	}

	lock := &Lock{
		Slot:       slot,
		LockID:     uuid.NewString(),
		OwnerMAC:   owner.MAC,
		OwnerToken: owner.Token,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.locks[slot] = lock
	if slot == MainSlot {
		m.setRelay(ctx, true)
	}
	metrics.CoinslotReservations.WithLabelValues("granted").Inc()
	m.logger.Info().Str("slot", slot).Str("lock_id", lock.LockID).Str("owner", owner.MAC).Msg("slot reserved")
	return *lock, nil
}

// Heartbeat extends a live lock to now+TTL.
func (m *Manager) Heartbeat(slot, lockID string, owner Owner) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := m.ownedLocked(slot, lockID, owner)
	if err != nil {
		return Lock{}, err
	}
	lock.ExpiresAt = m.now().Add(m.ttl)
	return *lock, nil
}

// Owned returns the lock when it is live and held by owner.
func (m *Manager) Owned(slot, lockID string, owner Owner) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := m.ownedLocked(slot, lockID, owner)
	if err != nil {
		return Lock{}, err
	}
	return *lock, nil
}

func (m *Manager) ownedLocked(slot, lockID string, owner Owner) (*Lock, error) {
	lock, ok := m.locks[slot]
	if !ok || lock.LockID != lockID || !owner.matches(lock) {
		return nil, ErrNotOwned
	}
	if !m.now().Before(lock.ExpiresAt) {
		return nil, ErrNotOwned
	}
	return lock, nil
}

// Release drops the lock if lockID still holds slot. Releasing an unknown or
// already-expired lock is not an error.
func (m *Manager) Release(ctx context.Context, slot, lockID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[slot]
	if !ok || lock.LockID != lockID {
		return false
	}
	m.removeLocked(ctx, lock)
	m.logger.Info().Str("slot", slot).Str("lock_id", lockID).Msg("slot released")
	return true
}

// Take consumes a live lock held by owner. check runs under the manager
// mutex before anything changes; when it fails the lock stays in place.
// Exactly one caller can take a given lease.
func (m *Manager) Take(ctx context.Context, slot, lockID string, owner Owner, check func(Lock) error) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := m.ownedLocked(slot, lockID, owner)
	if err != nil {
		return Lock{}, err
	}
	if check != nil {
		if err := check(*lock); err != nil {
			return Lock{}, err
		}
	}
	taken := *lock
	m.removeLocked(ctx, lock)
	m.logger.Info().Str("slot", slot).Str("lock_id", lockID).Msg("slot lease consumed")
	return taken, nil
}

// Restore puts a taken lock back for another TTL window, keeping its LockID
// and credited pesos. It reports false when the slot has since been reserved
// by someone else.
func (m *Manager) Restore(ctx context.Context, lock Lock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if current, ok := m.locks[lock.Slot]; ok && now.Before(current.ExpiresAt) && current.LockID != lock.LockID {
		return false
	}
	restored := lock
	restored.ExpiresAt = now.Add(m.ttl)
	_, had := m.locks[lock.Slot]
	m.locks[lock.Slot] = &restored
	if lock.Slot == MainSlot && !had {
		m.setRelay(ctx, true)
	}
	m.logger.Info().Str("slot", lock.Slot).Str("lock_id", lock.LockID).Msg("slot lease restored")
	return true
}

// Credit adds pesos reported by the acceptor to the live lease on slot and
// keeps it open for another TTL window.
func (m *Manager) Credit(slot string, pesos int64) (Lock, error) {
	if pesos <= 0 {
		return Lock{}, fmt.Errorf("invalid pulse amount: %d", pesos)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[slot]
	if !ok || !m.now().Before(lock.ExpiresAt) {
		return Lock{}, ErrNotOwned
	}
	lock.Credited += pesos
	lock.ExpiresAt = m.now().Add(m.ttl)
	return *lock, nil
}

// Sweep removes every lock whose deadline has passed and returns how many it removed.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, lock := range m.locks {
		if now.Before(lock.ExpiresAt) {
			continue
		}
		m.removeLocked(ctx, lock)
		metrics.CoinslotExpired.Inc()
		m.logger.Info().Str("slot", lock.Slot).Str("lock_id", lock.LockID).Msg("abandoned lock swept")
		removed++
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Snapshot lists the current locks ordered by slot.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Lock, 0, len(m.locks))
	for _, lock := range m.locks {
		out = append(out, *lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (m *Manager) removeLocked(ctx context.Context, lock *Lock) {
	delete(m.locks, lock.Slot)
	if lock.Slot == MainSlot {
		m.setRelay(ctx, false)
	}
}

func (m *Manager) setRelay(ctx context.Context, on bool) {
	var err error
	if on {
		err = m.relay.Energize(ctx)
	} else {
		err = m.relay.Deenergize(ctx)
	}
	if err != nil {
		m.logger.Error().Err(err).Bool("energize", on).Msg("coin relay write failed")
	}
}
