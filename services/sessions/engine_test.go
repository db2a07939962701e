package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type call struct {
	action string
	mac    string
	ip     string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(action, mac, ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{action: action, mac: mac, ip: ip})
}

func (r *recorder) Whitelist(mac, ip string)    { r.add("whitelist", mac, ip) }
func (r *recorder) Block(mac, ip string)        { r.add("block", mac, ip) }
func (r *recorder) ForceRefresh(mac, ip string) { r.add("refresh", mac, ip) }
func (r *recorder) Reassign(oldMAC, oldIP, newMAC, newIP string) {
	r.add("block", oldMAC, oldIP)
	r.add("whitelist", newMAC, newIP)
}

func (r *recorder) count(action, mac string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.action == action && c.mac == mac {
			n++
		}
	}
	return n
}

type capture struct {
	mu       sync.Mutex
	subjects []string
}

func (c *capture) Publish(_ context.Context, subject string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

type fixedPolicy UnspecifiedPausePolicy

func (p fixedPolicy) UnspecifiedPausePolicy(context.Context) (UnspecifiedPausePolicy, error) {
	return UnspecifiedPausePolicy(p), nil
}

type harness struct {
	engine   *Engine
	store    *MemoryStore
	enforcer *recorder
	events   *capture
}

func newHarness(t *testing.T, policy PolicySource) harness {
	t.Helper()
	store := NewMemoryStore()
	rec := &recorder{}
	events := &capture{}
	n := 0
	engine, err := NewEngine(Config{
		Store:    store,
		Enforcer: rec,
		Events:   events,
		Policy:   policy,
		Now:      func() time.Time { return time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC) },
		NewToken: func() string {
			n++
			return fmt.Sprintf("token-%d", n)
		},
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return harness{engine: engine, store: store, enforcer: rec, events: events}
}

func mustGrant(t *testing.T, e *Engine, g Grant) GrantResult {
	t.Helper()
	res, err := e.Grant(context.Background(), g)
	if err != nil {
		t.Fatalf("Grant(%+v): %v", g, err)
	}
	return res
}

func ticks(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := e.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
}

func TestGrantCreatesThenExtends(t *testing.T) {
	h := newHarness(t, nil)

	first := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", IP: "10.0.0.5", Seconds: 600, Pesos: 5})
	if !first.Created || first.Session.Token != "token-1" {
		t.Fatalf("expected new session with generated token, got %+v", first)
	}

	second := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", IP: "10.0.0.6", Seconds: 300, Pesos: 2})
	if second.Created {
		t.Fatalf("expected extension, got creation")
	}
	s := second.Session
	if s.RemainingSeconds != 900 || s.TotalPaid != 7 || s.IP != "10.0.0.6" || s.Token != "token-1" {
		t.Fatalf("unexpected extended session %+v", s)
	}
}

func TestGrantAdoptsUnboundToken(t *testing.T) {
	h := newHarness(t, nil)
	res := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", Token: "client-token", Seconds: 60, Pesos: 1})
	if res.Session.Token != "client-token" {
		t.Fatalf("expected presented token to be adopted, got %q", res.Session.Token)
	}
}

func TestGrantRejectsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	tests := []Grant{
		{Seconds: 60, Pesos: 1},
		{MAC: "aa:00:00:00:00:01", Seconds: 0, Pesos: 1},
		{MAC: "aa:00:00:00:00:01", Seconds: 60, Pesos: -1},
	}
	for _, g := range tests {
		if _, err := h.engine.Grant(context.Background(), g); !errors.Is(err, ErrInvalidGrant) {
			t.Fatalf("Grant(%+v) err = %v, want ErrInvalidGrant", g, err)
		}
	}
}

func TestMigrationConservesTimeAndMoney(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0a", IP: "10.0.0.10", Seconds: 1200, Pesos: 10}).Session
	b := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0b", IP: "10.0.0.11", Seconds: 300, Pesos: 3}).Session

	merged, err := h.engine.Restore(ctx, a.Token, b.MAC, "10.0.0.11")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if merged.RemainingSeconds != a.RemainingSeconds+b.RemainingSeconds {
		t.Fatalf("remaining = %d, want %d", merged.RemainingSeconds, a.RemainingSeconds+b.RemainingSeconds)
	}
	if merged.TotalPaid != a.TotalPaid+b.TotalPaid {
		t.Fatalf("total paid = %d, want %d", merged.TotalPaid, a.TotalPaid+b.TotalPaid)
	}
	if merged.MAC != b.MAC || merged.Token != a.Token {
		t.Fatalf("merged identity = %s/%s", merged.MAC, merged.Token)
	}

	if _, err := h.store.ByMAC(ctx, a.MAC); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old row still present: %v", err)
	}
	all, _ := h.store.List(ctx)
	if len(all) != 1 {
		t.Fatalf("expected exactly one row after merge, got %d", len(all))
	}

	if h.enforcer.count("block", a.MAC) != 1 || h.enforcer.count("whitelist", b.MAC) != 1 {
		t.Fatalf("unexpected enforcement %+v", h.enforcer.calls)
	}
}

func TestPausedSessionMergedOntoActiveDeviceBlocksIt(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0a", IP: "10.0.0.10", Seconds: 600, Pesos: 5, Pausable: Pausable}).Session
	b := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0b", IP: "10.0.0.11", Seconds: 600, Pesos: 5}).Session
	if _, err := h.engine.Pause(ctx, a.Token); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	merged, err := h.engine.Restore(ctx, a.Token, b.MAC, b.IP)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !merged.IsPaused || merged.RemainingSeconds != 1200 {
		t.Fatalf("unexpected merged session %+v", merged)
	}
	if h.enforcer.count("block", b.MAC) != 1 {
		t.Fatalf("device %s must be closed while the merged session is paused: %+v", b.MAC, h.enforcer.calls)
	}
	if h.enforcer.count("whitelist", b.MAC) != 0 {
		t.Fatalf("paused session must not be opened: %+v", h.enforcer.calls)
	}

	ticks(t, h.engine, 30)
	got, _ := h.store.ByMAC(ctx, b.MAC)
	if got.RemainingSeconds != 1200 {
		t.Fatalf("remaining changed while paused: %d", got.RemainingSeconds)
	}
}

func TestPausedSessionMergedOntoIdleDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0a", IP: "10.0.0.10", Seconds: 600, Pesos: 5, Pausable: Pausable}).Session
	if _, err := h.engine.Pause(ctx, a.Token); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := h.engine.Restore(ctx, a.Token, "aa:00:00:00:00:0b", "10.0.0.11"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if h.enforcer.count("block", "aa:00:00:00:00:0b") != 0 || h.enforcer.count("whitelist", "aa:00:00:00:00:0b") != 0 {
		t.Fatalf("idle target needs no enforcement: %+v", h.enforcer.calls)
	}
	if h.enforcer.count("block", a.MAC) != 2 {
		t.Fatalf("old device must be closed: %+v", h.enforcer.calls)
	}
}

func TestGrantWithForeignTokenMigratesFirst(t *testing.T) {
	h := newHarness(t, nil)
	a := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0a", Seconds: 600, Pesos: 5}).Session

	res := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:0b", Token: a.Token, Seconds: 60, Pesos: 1})
	if !res.Migrated || res.Session.MAC != "aa:00:00:00:00:0b" {
		t.Fatalf("expected migration, got %+v", res)
	}
	if res.Session.RemainingSeconds != 660 || res.Session.TotalPaid != 6 {
		t.Fatalf("unexpected merged totals %+v", res.Session)
	}
}

func TestRestoreUnknownToken(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Restore(context.Background(), "missing", "aa:00:00:00:00:01", "10.0.0.5"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Restore(context.Background(), "", "aa:00:00:00:00:01", "10.0.0.5"); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestExpiryIsStampedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", IP: "10.0.0.5", Seconds: 5, Pesos: 1}).Session

	ticks(t, h.engine, 4)
	got, _ := h.store.ByMAC(ctx, s.MAC)
	if got.RemainingSeconds != 1 || got.ExpiredAt != nil {
		t.Fatalf("after 4 ticks: %+v", got)
	}

	ticks(t, h.engine, 1)
	got, _ = h.store.ByMAC(ctx, s.MAC)
	if got.RemainingSeconds != 0 || got.ExpiredAt == nil {
		t.Fatalf("after 5 ticks expected expiry stamp, got %+v", got)
	}
	stamp := *got.ExpiredAt

	ticks(t, h.engine, 3)
	got, _ = h.store.ByMAC(ctx, s.MAC)
	if got.ExpiredAt == nil || !got.ExpiredAt.Equal(stamp) {
		t.Fatalf("expired_at changed: %v -> %v", stamp, got.ExpiredAt)
	}
	if n := h.enforcer.count("block", s.MAC); n != 1 {
		t.Fatalf("block called %d times, want 1", n)
	}
}

func TestExtendAfterExpiryStartsNewLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", Seconds: 1, Pesos: 1}).Session
	ticks(t, h.engine, 2)

	res := mustGrant(t, h.engine, Grant{MAC: s.MAC, Seconds: 2, Pesos: 1})
	if res.Session.ExpiredAt != nil || res.Session.RemainingSeconds != 2 {
		t.Fatalf("expected fresh lifecycle, got %+v", res.Session)
	}

	ticks(t, h.engine, 3)
	if n := h.enforcer.count("block", s.MAC); n != 2 {
		t.Fatalf("expected one block per lifecycle, got %d", n)
	}
}

func TestPauseFreezesCountdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", IP: "10.0.0.5", Seconds: 100, Pesos: 5, Pausable: Pausable}).Session

	ticks(t, h.engine, 10)
	paused, err := h.engine.Pause(ctx, s.Token)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !paused.IsPaused || paused.RemainingSeconds != 90 {
		t.Fatalf("unexpected paused session %+v", paused)
	}

	ticks(t, h.engine, 20)
	got, _ := h.store.ByMAC(ctx, s.MAC)
	if got.RemainingSeconds != 90 {
		t.Fatalf("remaining changed while paused: %d", got.RemainingSeconds)
	}

	if _, err := h.engine.Resume(ctx, s.Token); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	ticks(t, h.engine, 5)
	got, _ = h.store.ByMAC(ctx, s.MAC)
	if got.RemainingSeconds != 85 {
		t.Fatalf("remaining after resume = %d, want 85", got.RemainingSeconds)
	}

	if h.enforcer.count("block", s.MAC) != 1 || h.enforcer.count("refresh", s.MAC) != 1 {
		t.Fatalf("unexpected enforcement %+v", h.enforcer.calls)
	}
}

func TestPausePolicy(t *testing.T) {
	tests := []struct {
		name     string
		policy   PolicySource
		pausable Pausability
		wantErr  error
	}{
		{name: "explicitly pausable", policy: fixedPolicy(PauseDenyUnspecified), pausable: Pausable},
		{name: "explicitly not pausable", policy: nil, pausable: NotPausable, wantErr: ErrNotPausable},
		{name: "unspecified with default policy", policy: nil, pausable: PausableUnspecified},
		{name: "unspecified with deny policy", policy: fixedPolicy(PauseDenyUnspecified), pausable: PausableUnspecified, wantErr: ErrNotPausable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.policy)
			s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", Seconds: 60, Pesos: 1, Pausable: tt.pausable}).Session
			_, err := h.engine.Pause(context.Background(), s.Token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Pause err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPauseErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.engine.Pause(ctx, ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	if _, err := h.engine.Pause(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Resume(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemainingNeverIncreasesWithoutPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", Seconds: 30, Pesos: 1}).Session

	prev := s.RemainingSeconds
	for i := 0; i < 40; i++ {
		if i == 10 {
			if _, err := h.engine.Pause(ctx, s.Token); err != nil {
				t.Fatalf("Pause: %v", err)
			}
		}
		if i == 20 {
			if _, err := h.engine.Resume(ctx, s.Token); err != nil {
				t.Fatalf("Resume: %v", err)
			}
		}
		ticks(t, h.engine, 1)
		got, _ := h.store.ByMAC(ctx, s.MAC)
		if got.RemainingSeconds > prev {
			t.Fatalf("tick %d: remaining grew %d -> %d", i, prev, got.RemainingSeconds)
		}
		if got.IsPaused && got.RemainingSeconds != prev {
			t.Fatalf("tick %d: paused session lost time", i)
		}
		prev = got.RemainingSeconds
	}
}

func TestActiveMACForIP(t *testing.T) {
	h := newHarness(t, nil)
	mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", IP: "10.0.0.5", Seconds: 60, Pesos: 1})

	mac, ok, err := h.engine.ActiveMACForIP(context.Background(), "10.0.0.5")
	if err != nil || !ok || mac != "aa:00:00:00:00:01" {
		t.Fatalf("ActiveMACForIP = %q %v %v", mac, ok, err)
	}
	if _, ok, _ := h.engine.ActiveMACForIP(context.Background(), "10.0.0.6"); ok {
		t.Fatalf("unexpected match for unknown ip")
	}
}

func TestEventsPublished(t *testing.T) {
	h := newHarness(t, nil)
	s := mustGrant(t, h.engine, Grant{MAC: "aa:00:00:00:00:01", Seconds: 1, Pesos: 1}).Session
	mustGrant(t, h.engine, Grant{MAC: s.MAC, Seconds: 1, Pesos: 1})
	ticks(t, h.engine, 3)

	want := []string{SubjectCreated, SubjectExtended, SubjectExpired}
	if len(h.events.subjects) != len(want) {
		t.Fatalf("subjects = %v, want %v", h.events.subjects, want)
	}
	for i := range want {
		if h.events.subjects[i] != want[i] {
			t.Fatalf("subjects = %v, want %v", h.events.subjects, want)
		}
	}
}
