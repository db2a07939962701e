package access

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/services/coinslot"
	"pisowifi/services/credits"
	"pisowifi/services/identity"
	"pisowifi/services/license"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
	"pisowifi/services/vouchers"
)

type enforcerLog struct {
	mu        sync.Mutex
	whitelist []string
}

func (e *enforcerLog) Whitelist(mac, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.whitelist = append(e.whitelist, mac)
}
func (e *enforcerLog) Block(string, string)                    {}
func (e *enforcerLog) ForceRefresh(string, string)             {}
func (e *enforcerLog) Reassign(string, string, string, string) {}

func (e *enforcerLog) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.whitelist)
}

type fixture struct {
	orch     *Orchestrator
	engine   *sessions.Engine
	locks    *coinslot.Manager
	enforcer *enforcerLog
	vouchers *vouchers.MemoryStore
	bank     *credits.MemoryBank
	lic      *license.Static
}

var (
	vendorMAC = "de:ad:be:ef:00:01"
	alice     = identity.Client{IP: "10.0.0.5", MAC: "aa:00:00:00:00:01"}
	bob       = identity.Client{IP: "10.0.0.6", MAC: "aa:00:00:00:00:02"}
)

type verifierFunc func() license.Status

func (f verifierFunc) Verify(context.Context) (license.Status, error) { return f(), nil }

func newFixture(t *testing.T, requirePulses bool) *fixture {
	t.Helper()
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	enf := &enforcerLog{}
	engine, err := sessions.NewEngine(sessions.Config{
		Store:    sessions.NewMemoryStore(),
		Enforcer: enf,
		Now:      clock,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, network, _ := net.ParseCIDR("10.0.1.0/24")
	devices := coinslot.NewVendors([]coinslot.Vendor{{MAC: vendorMAC, Network: network}}, 0, clock)
	locks := coinslot.NewManager(coinslot.Config{Devices: devices, Now: clock, Logger: zerolog.Nop()})

	f := &fixture{
		engine:   engine,
		locks:    locks,
		enforcer: enf,
		vouchers: vouchers.NewMemoryStore(),
		bank:     credits.NewMemoryBank(),
		lic:      &license.Static{Valid: true},
	}
	orch, err := NewOrchestrator(Config{
		Sessions:      engine,
		Locks:         locks,
		Devices:       devices,
		Enforcer:      enf,
		License:       verifierFunc(func() license.Status { return license.Status(*f.lic) }),
		Rates:         rates.Static{{Pesos: 1, Minutes: 10}, {Pesos: 5, Minutes: 60, DownloadLimit: 2048}},
		Vouchers:      f.vouchers,
		Credits:       f.bank,
		RequirePulses: requirePulses,
		Now:           clock,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) reserve(t *testing.T, client identity.Client) coinslot.Lock {
	t.Helper()
	lock, err := f.orch.Reserve(context.Background(), client, "", coinslot.MainSlot)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return lock
}

func TestStartSessionGrantsAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	lock := f.reserve(t, alice)

	res, err := f.orch.StartSession(ctx, CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5, Minutes: 60})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !res.Created || res.Session.RemainingSeconds != 3600 || res.Session.TotalPaid != 5 {
		t.Fatalf("unexpected grant %+v", res)
	}
	if res.Session.DownloadLimit != 2048 {
		t.Fatalf("rate limits not applied: %+v", res.Session)
	}
	if f.enforcer.count() != 1 {
		t.Fatalf("expected one whitelist call, got %d", f.enforcer.count())
	}
	if _, err := f.orch.Reserve(ctx, bob, "", coinslot.MainSlot); err != nil {
		t.Fatalf("lock should be released after payment: %v", err)
	}
}

func TestStartSessionPricesServerSide(t *testing.T) {
	f := newFixture(t, false)
	lock := f.reserve(t, alice)

	// 3 pesos has no plan: best ratio is 12 min/peso from the 5-peso plan.
	res, err := f.orch.StartSession(context.Background(), CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 3, Minutes: 999})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.Session.RemainingSeconds != 36*60 {
		t.Fatalf("remaining = %d, want %d", res.Session.RemainingSeconds, 36*60)
	}
}

func TestStartSessionRequiresOwnedLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	lock := f.reserve(t, alice)

	tests := []struct {
		name string
		req  CoinPayment
		want error
	}{
		{name: "wrong lock id", req: CoinPayment{Client: alice, Slot: lock.Slot, LockID: "nope", Pesos: 5}, want: coinslot.ErrNotOwned},
		{name: "other customer", req: CoinPayment{Client: bob, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5}, want: coinslot.ErrNotOwned},
		{name: "unresolved", req: CoinPayment{Client: identity.Client{IP: "10.0.0.9"}, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5}, want: identity.ErrUnresolved},
		{name: "no pesos", req: CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID}, want: ErrInvalidPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.orch.StartSession(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("StartSession error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRequirePulses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	lock := f.reserve(t, alice)
	req := CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5, Minutes: 60}

	if _, err := f.orch.StartSession(ctx, req); !errors.Is(err, ErrInsufficientPulses) {
		t.Fatalf("expected ErrInsufficientPulses, got %v", err)
	}
	if _, err := f.locks.Credit(coinslot.MainSlot, 5); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := f.orch.StartSession(ctx, req); err != nil {
		t.Fatalf("StartSession after pulses: %v", err)
	}
}

func TestRevokedLicenseServesOneCustomer(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		online  *identity.Client
		payer   identity.Client
		revoked bool
		want    error
	}{
		{name: "valid license", online: &alice, payer: bob},
		{name: "revoked and idle", payer: bob, revoked: true},
		{name: "revoked and someone online", online: &alice, payer: bob, revoked: true, want: ErrLicenseRevoked},
		{name: "revoked but same customer", online: &alice, payer: alice, revoked: true},
		{name: "revoked but vendor device", online: &alice, payer: identity.Client{IP: "10.0.1.2", MAC: vendorMAC}, revoked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			if tt.online != nil {
				if _, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: *tt.online, Pesos: 1, Minutes: 10}); err != nil {
					t.Fatalf("seed session: %v", err)
				}
			}
			if tt.revoked {
				*f.lic = license.Static{Revoked: true}
			}
			_, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: tt.payer, Pesos: 1, Minutes: 10})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Pay error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRedeemVoucher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.vouchers.Create(ctx, []vouchers.Voucher{{Code: "GOOD2345", Minutes: 30, Pesos: 3}})

	if _, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: alice, Pesos: 1, Minutes: 10}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	*f.lic = license.Static{Revoked: true}

	// The license check runs before redemption, so nothing is consumed.
	if _, err := f.orch.RedeemVoucher(ctx, bob, "", "GOOD2345"); !errors.Is(err, ErrLicenseRevoked) {
		t.Fatalf("expected ErrLicenseRevoked, got %v", err)
	}
	*f.lic = license.Static{Valid: true}

	res, err := f.orch.RedeemVoucher(ctx, bob, "", "good2345")
	if err != nil {
		t.Fatalf("RedeemVoucher: %v", err)
	}
	if res.Session.RemainingSeconds != 1800 || res.Session.TotalPaid != 3 {
		t.Fatalf("unexpected voucher session %+v", res.Session)
	}
	if _, err := f.orch.RedeemVoucher(ctx, bob, "", "GOOD2345"); !errors.Is(err, vouchers.ErrRedeemed) {
		t.Fatalf("second redemption error = %v", err)
	}
}

func TestCreditDepositAndSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	lock := f.reserve(t, alice)

	balance, err := f.orch.DepositCredit(ctx, CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 6})
	if err != nil || balance != 6 {
		t.Fatalf("DepositCredit = %d, %v", balance, err)
	}

	if _, _, err := f.orch.SpendCredit(ctx, alice, "", 7); !errors.Is(err, credits.ErrInsufficientCredit) {
		t.Fatalf("overspend error = %v", err)
	}

	res, left, err := f.orch.SpendCredit(ctx, alice, "", 5)
	if err != nil {
		t.Fatalf("SpendCredit: %v", err)
	}
	if left != 1 || res.Session.RemainingSeconds != 3600 {
		t.Fatalf("left=%d session=%+v", left, res.Session)
	}
	if res.Session.TotalPaid != 0 {
		t.Fatalf("banked pesos must not be counted twice, total paid %d", res.Session.TotalPaid)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.bank.Deposit(ctx, alice.MAC, 2)

	st, err := f.orch.Status(ctx, identity.Client{IP: "10.0.1.40", MAC: alice.MAC}, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.CanInsertCoin || st.IsRevoked || st.Session != nil {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.CreditPesos != 2 || st.CreditMinutes != 24 {
		t.Fatalf("credit = %d pesos / %d minutes", st.CreditPesos, st.CreditMinutes)
	}
	if st.RecommendedSlot != coinslot.MainSlot {
		t.Fatalf("stale vendor should not be recommended, got %q", st.RecommendedSlot)
	}

	f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: bob, Pesos: 1, Minutes: 10})
	*f.lic = license.Static{Revoked: true}
	st, err = f.orch.Status(ctx, alice, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.CanInsertCoin || !st.IsRevoked {
		t.Fatalf("revoked gateway with a customer online must refuse coins: %+v", st)
	}
}

type failingGrant struct{ Sessions }

func (failingGrant) Grant(context.Context, sessions.Grant) (sessions.GrantResult, error) {
	return sessions.GrantResult{}, errors.New("disk full")
}

func TestFailedGrantRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	orch, err := NewOrchestrator(Config{
		Sessions: failingGrant{f.engine},
		Locks:    f.locks,
		Enforcer: f.enforcer,
		License:  license.Static{Valid: true},
		Vouchers: f.vouchers,
		Credits:  f.bank,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}

	f.vouchers.Create(ctx, []vouchers.Voucher{{Code: "KEEP2345", Minutes: 30}})
	if _, err := orch.RedeemVoucher(ctx, alice, "", "KEEP2345"); err == nil {
		t.Fatalf("expected grant failure")
	}
	open, _ := f.vouchers.List(ctx, false)
	if len(open) != 1 {
		t.Fatalf("voucher must be redeemable after a failed grant, got %+v", open)
	}

	f.bank.Deposit(ctx, alice.MAC, 5)
	_, balance, err := orch.SpendCredit(ctx, alice, "", 5)
	if err == nil {
		t.Fatalf("expected grant failure")
	}
	if balance != 5 {
		t.Fatalf("credit must be refunded, balance %d", balance)
	}
}

type slowGrant struct {
	Sessions
	delay time.Duration
}

func (s slowGrant) Grant(ctx context.Context, g sessions.Grant) (sessions.GrantResult, error) {
	time.Sleep(s.delay)
	return s.Sessions.Grant(ctx, g)
}

func TestConcurrentStartsConsumeLeaseOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	orch, err := NewOrchestrator(Config{
		Sessions: slowGrant{Sessions: f.engine, delay: 5 * time.Millisecond},
		Locks:    f.locks,
		Enforcer: f.enforcer,
		License:  license.Static{Valid: true},
		Rates:    rates.Static{{Pesos: 5, Minutes: 60}},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	lock := f.reserve(t, alice)
	req := CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5, Minutes: 60}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.StartSession(ctx, req)
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case !errors.Is(err, coinslot.ErrNotOwned):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("%d starts succeeded on one lease, want 1", successes)
	}
	s, err := f.engine.ByMAC(ctx, alice.MAC)
	if err != nil {
		t.Fatalf("ByMAC: %v", err)
	}
	if s.RemainingSeconds != 3600 || s.TotalPaid != 5 {
		t.Fatalf("one lease must pay for one grant: %+v", s)
	}
}

func TestConcurrentDepositsConsumeLeaseOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	lock := f.reserve(t, alice)
	req := CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.DepositCredit(ctx, req); err != nil && !errors.Is(err, coinslot.ErrNotOwned) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if balance, _ := f.bank.Balance(ctx, alice.MAC); balance != 5 {
		t.Fatalf("balance = %d, want 5", balance)
	}
}

func TestFailedStartRestoresLease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	orch, err := NewOrchestrator(Config{
		Sessions: failingGrant{f.engine},
		Locks:    f.locks,
		Enforcer: f.enforcer,
		License:  license.Static{Valid: true},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	lock := f.reserve(t, alice)

	if _, err := orch.StartSession(ctx, CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5}); err == nil {
		t.Fatalf("expected grant failure")
	}
	if _, err := f.locks.Owned(lock.Slot, lock.LockID, coinslot.Owner{MAC: alice.MAC}); err != nil {
		t.Fatalf("lease must be handed back after a failed grant: %v", err)
	}
	if _, err := f.orch.StartSession(ctx, CoinPayment{Client: alice, Slot: lock.Slot, LockID: lock.LockID, Pesos: 5}); err != nil {
		t.Fatalf("retry with the restored lease: %v", err)
	}
}

func TestRevokedLicenseFollowsTokenAcrossMACs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	first, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: alice, Pesos: 1, Minutes: 10})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	*f.lic = license.Static{Revoked: true}

	roamed := identity.Client{IP: "10.0.0.7", MAC: "aa:00:00:00:00:03"}
	res, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: roamed, Token: first.Session.Token, Pesos: 1, Minutes: 10})
	if err != nil {
		t.Fatalf("same customer on a new MAC must be allowed: %v", err)
	}
	if !res.Migrated || res.Session.MAC != roamed.MAC || res.Session.RemainingSeconds != 1200 {
		t.Fatalf("unexpected grant %+v", res)
	}

	if _, err := f.orch.Pay(ctx, Payment{Source: SourceCoin, Client: bob, Token: "someone-else", Pesos: 1, Minutes: 10}); !errors.Is(err, ErrLicenseRevoked) {
		t.Fatalf("other customer error = %v, want ErrLicenseRevoked", err)
	}
}
