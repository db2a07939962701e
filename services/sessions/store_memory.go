package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Used in tests and by
// STORE_DRIVER=memory for bench setups without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Session
	now  func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Session), now: time.Now}
}

func (m *MemoryStore) ByMAC(_ context.Context, mac string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[mac]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ByToken(_ context.Context, token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.Token == token {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) ActiveByIP(_ context.Context, ip string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Session
		found bool
	)
	for _, s := range m.rows {
		if s.IP != ip || s.RemainingSeconds <= 0 {
			continue
		}
		if !found || s.UpdatedAt.After(best.UpdatedAt) {
			best, found = s, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) tokenTakenLocked(token, exceptMAC string) bool {
	for mac, s := range m.rows {
		if mac != exceptMAC && s.Token == token {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.MAC]; ok {
		return ErrTokenConflict
	}
	if m.tokenTakenLocked(s.Token, s.MAC) {
		return ErrTokenConflict
	}
	m.rows[s.MAC] = s
	return nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.MAC]; !ok {
		return ErrNotFound
	}
	if m.tokenTakenLocked(s.Token, s.MAC) {
		return ErrTokenConflict
	}
	m.rows[s.MAC] = s
	return nil
}

func (m *MemoryStore) Replace(_ context.Context, merged Session, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := map[string]bool{merged.MAC: true}
	for _, mac := range remove {
		removed[mac] = true
	}
	for mac, s := range m.rows {
		if !removed[mac] && s.Token == merged.Token {
			return ErrTokenConflict
		}
	}
	for mac := range removed {
		delete(m.rows, mac)
	}
	m.rows[merged.MAC] = merged
	return nil
}

func (m *MemoryStore) Decrement(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for mac, s := range m.rows {
		if s.RemainingSeconds > 0 && !s.IsPaused {
			s.RemainingSeconds--
			s.UpdatedAt = now
			m.rows[mac] = s
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PendingExpiry(context.Context) ([]Session, error) {
	return m.filter(func(s Session) bool { return s.RemainingSeconds <= 0 && s.ExpiredAt == nil }), nil
}

func (m *MemoryStore) MarkExpired(_ context.Context, mac string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[mac]
	if !ok || s.ExpiredAt != nil || s.RemainingSeconds > 0 {
		return false, nil
	}
	stamp := at
	s.ExpiredAt = &stamp
	s.UpdatedAt = at
	m.rows[mac] = s
	return true, nil
}

func (m *MemoryStore) Active(context.Context) ([]Session, error) {
	return m.filter(func(s Session) bool { return s.RemainingSeconds > 0 }), nil
}

func (m *MemoryStore) List(context.Context) ([]Session, error) {
	out := m.filter(func(Session) bool { return true })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) filter(keep func(Session) bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.rows {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}
