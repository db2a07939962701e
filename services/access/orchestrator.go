// Package access turns completed payments into session time. Every payment
// path (coins, vouchers, banked credit) ends in Pay, which applies the
// license policy, grants time through the session engine and opens the
// firewall for the device.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
	"pisowifi/services/coinslot"
	"pisowifi/services/credits"
	"pisowifi/services/identity"
	"pisowifi/services/license"
	"pisowifi/services/rates"
	"pisowifi/services/sessions"
	"pisowifi/services/settings"
	"pisowifi/services/vouchers"
)

// SubjectGranted is published after every successful payment.
const SubjectGranted = "pisowifi.sessions.granted"

var (
	ErrLicenseRevoked     = errors.New("license revoked: another customer is already online")
	ErrInvalidPayment     = errors.New("invalid payment")
	ErrInsufficientPulses = errors.New("inserted coins do not cover the payment")
	ErrNotConfigured      = errors.New("payment source not configured")
)

// Source names where the money came from.
type Source string

const (
	SourceCoin    Source = "coin"
	SourceVoucher Source = "voucher"
	SourceCredit  Source = "credit"
)

// Sessions is the subset of the session engine used here.
type Sessions interface {
	Grant(ctx context.Context, g sessions.Grant) (sessions.GrantResult, error)
	ByToken(ctx context.Context, token string) (sessions.Session, error)
	ByMAC(ctx context.Context, mac string) (sessions.Session, error)
	Active(ctx context.Context) ([]sessions.Session, error)
}

// Locks is the subset of the coin-slot manager used here.
type Locks interface {
	Reserve(ctx context.Context, slot string, owner coinslot.Owner) (coinslot.Lock, error)
	Take(ctx context.Context, slot, lockID string, owner coinslot.Owner, check func(coinslot.Lock) error) (coinslot.Lock, error)
	Restore(ctx context.Context, lock coinslot.Lock) bool
}

// Devices describes the registered sub-vendor coin devices.
type Devices interface {
	IsDevice(mac string) bool
	Recommend(ip string) string
}

// Enforcer opens the firewall for a device without blocking.
type Enforcer interface {
	Whitelist(mac, ip string)
}

// Config wires an Orchestrator. Vouchers, Credits, Devices, Rates, Settings
// and Events are optional.
type Config struct {
	Sessions      Sessions
	Locks         Locks
	Devices       Devices
	Enforcer      Enforcer
	License       license.Verifier
	Rates         rates.Catalog
	Settings      *settings.Repository
	Vouchers      vouchers.Store
	Credits       credits.Bank
	Events        sessions.Publisher
	RequirePulses bool
	Now           func() time.Time
	Logger        zerolog.Logger
}

type Orchestrator struct {
	sessions      Sessions
	locks         Locks
	devices       Devices
	enforcer      Enforcer
	license       license.Verifier
	rates         rates.Catalog
	settings      *settings.Repository
	vouchers      vouchers.Store
	credits       credits.Bank
	events        sessions.Publisher
	requirePulses bool
	now           func() time.Time
	logger        zerolog.Logger
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("access: sessions are required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("access: coin-slot locks are required")
	}
	if cfg.Enforcer == nil {
		return nil, errors.New("access: enforcer is required")
	}
	if cfg.License == nil {
		return nil, errors.New("access: license verifier is required")
	}
	if cfg.Rates == nil {
		cfg.Rates = rates.Static(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		sessions:      cfg.Sessions,
		locks:         cfg.Locks,
		devices:       cfg.Devices,
		enforcer:      cfg.Enforcer,
		license:       cfg.License,
		rates:         cfg.Rates,
		settings:      cfg.Settings,
		vouchers:      cfg.Vouchers,
		credits:       cfg.Credits,
		events:        cfg.Events,
		requirePulses: cfg.RequirePulses,
		now:           cfg.Now,
		logger:        cfg.Logger.With().Str("component", "access").Logger(),
	}, nil
}

// Payment is money that has already been collected.
type Payment struct {
	Source        Source
	Client        identity.Client
	Token         string
	Pesos         int64
	Minutes       int64
	DownloadLimit int64
	UploadLimit   int64
	Pausable      sessions.Pausability
}

// Granted is the bus payload for SubjectGranted.
type Granted struct {
	Type     string    `json:"type"`
	MAC      string    `json:"mac"`
	IP       string    `json:"ip"`
	Source   Source    `json:"source"`
	Pesos    int64     `json:"pesos"`
	Minutes  int64     `json:"minutes"`
	Created  bool      `json:"created"`
	Migrated bool      `json:"migrated"`
	At       time.Time `json:"at"`
}

// Pay grants p.Minutes to the client.
func (o *Orchestrator) Pay(ctx context.Context, p Payment) (sessions.GrantResult, error) {
	if p.Client.MAC == "" {
		return sessions.GrantResult{}, identity.ErrUnresolved
	}
	if p.Minutes <= 0 || p.Pesos < 0 {
		return sessions.GrantResult{}, fmt.Errorf("%w: minutes=%d pesos=%d", ErrInvalidPayment, p.Minutes, p.Pesos)
	}
	if err := o.checkLicense(ctx, p.Client.MAC, p.Token); err != nil {
		return sessions.GrantResult{}, err
	}

	res, err := o.sessions.Grant(ctx, sessions.Grant{
		MAC:           p.Client.MAC,
		IP:            p.Client.IP,
		Token:         p.Token,
		Seconds:       p.Minutes * 60,
		Pesos:         p.Pesos,
		DownloadLimit: p.DownloadLimit,
		UploadLimit:   p.UploadLimit,
		Pausable:      p.Pausable,
	})
	if err != nil {
		return sessions.GrantResult{}, err
	}

	// A paused session stays closed until the customer resumes it.
	if res.Session.Authorized() {
		o.enforcer.Whitelist(p.Client.MAC, p.Client.IP)
	}

	outcome := "extended"
	if res.Created {
		outcome = "created"
	}
	metrics.SessionsGranted.WithLabelValues(string(p.Source), outcome).Inc()
	metrics.PesosCollected.WithLabelValues(string(p.Source)).Add(float64(p.Pesos))

	o.logger.Info().
		Str("mac", p.Client.MAC).
		Str("ip", p.Client.IP).
		Str("source", string(p.Source)).
		Int64("pesos", p.Pesos).
		Int64("minutes", p.Minutes).
		Str("outcome", outcome).
		Bool("migrated", res.Migrated).
		Msg("payment granted")

	if o.events != nil {
		evt := Granted{
			Type:     SubjectGranted,
			MAC:      p.Client.MAC,
			IP:       p.Client.IP,
			Source:   p.Source,
			Pesos:    p.Pesos,
			Minutes:  p.Minutes,
			Created:  res.Created,
			Migrated: res.Migrated,
			At:       o.now().UTC(),
		}
		if err := o.events.Publish(ctx, SubjectGranted, evt); err != nil {
			o.logger.Warn().Err(err).Msg("publish grant event")
		}
	}
	return res, nil
}

// Reserve claims a coin slot for the client.
func (o *Orchestrator) Reserve(ctx context.Context, client identity.Client, token, slot string) (coinslot.Lock, error) {
	if client.MAC == "" && token == "" {
		return coinslot.Lock{}, identity.ErrUnresolved
	}
	if err := o.checkLicense(ctx, client.MAC, token); err != nil {
		return coinslot.Lock{}, err
	}
	return o.locks.Reserve(ctx, slot, coinslot.Owner{MAC: client.MAC, Token: token})
}

// CoinPayment is a /sessions/start or /credits/deposit request.
type CoinPayment struct {
	Client  identity.Client
	Token   string
	Slot    string
	LockID  string
	Pesos   int64
	Minutes int64
}

// StartSession converts the coins inserted under a held lock into time. The
// lease is consumed before the grant and handed back if the grant fails.
func (o *Orchestrator) StartSession(ctx context.Context, req CoinPayment) (sessions.GrantResult, error) {
	if req.Client.MAC == "" {
		return sessions.GrantResult{}, identity.ErrUnresolved
	}
	plan, err := o.quote(ctx, req.Pesos, req.Minutes)
	if err != nil {
		return sessions.GrantResult{}, err
	}
	lock, err := o.takeLock(ctx, req)
	if err != nil {
		return sessions.GrantResult{}, err
	}

	res, err := o.Pay(ctx, Payment{
		Source:        SourceCoin,
		Client:        req.Client,
		Token:         req.Token,
		Pesos:         plan.Pesos,
		Minutes:       plan.Minutes,
		DownloadLimit: plan.DownloadLimit,
		UploadLimit:   plan.UploadLimit,
		Pausable:      sessions.PausabilityFromPtr(plan.Pausable),
	})
	if err != nil {
		o.restoreLock(ctx, lock)
		return sessions.GrantResult{}, err
	}
	return res, nil
}

// RedeemVoucher spends a voucher code. A failed grant makes the code
// redeemable again.
func (o *Orchestrator) RedeemVoucher(ctx context.Context, client identity.Client, token, code string) (sessions.GrantResult, error) {
	if o.vouchers == nil {
		return sessions.GrantResult{}, ErrNotConfigured
	}
	if client.MAC == "" {
		return sessions.GrantResult{}, identity.ErrUnresolved
	}
	if err := o.checkLicense(ctx, client.MAC, token); err != nil {
		return sessions.GrantResult{}, err
	}

	v, err := o.vouchers.Redeem(ctx, code, client.MAC)
	if err != nil {
		return sessions.GrantResult{}, err
	}
	res, err := o.Pay(ctx, Payment{
		Source:        SourceVoucher,
		Client:        client,
		Token:         token,
		Pesos:         v.Pesos,
		Minutes:       v.Minutes,
		DownloadLimit: v.DownloadLimit,
		UploadLimit:   v.UploadLimit,
		Pausable:      sessions.PausabilityFromPtr(v.Pausable),
	})
	if err != nil {
		if uerr := o.vouchers.Unredeem(ctx, v.Code); uerr != nil {
			o.logger.Error().Err(uerr).Str("code", v.Code).Msg("voucher rollback failed")
		}
		return sessions.GrantResult{}, err
	}
	return res, nil
}

// DepositCredit banks the coins inserted under a held lock instead of
// starting a session.
func (o *Orchestrator) DepositCredit(ctx context.Context, req CoinPayment) (int64, error) {
	if o.credits == nil {
		return 0, ErrNotConfigured
	}
	if req.Client.MAC == "" {
		return 0, identity.ErrUnresolved
	}
	if req.Pesos <= 0 {
		return 0, fmt.Errorf("%w: pesos=%d", ErrInvalidPayment, req.Pesos)
	}
	lock, err := o.takeLock(ctx, req)
	if err != nil {
		return 0, err
	}

	balance, err := o.credits.Deposit(ctx, req.Client.MAC, req.Pesos)
	if err != nil {
		o.restoreLock(ctx, lock)
		return 0, err
	}
	metrics.PesosCollected.WithLabelValues("deposit").Add(float64(req.Pesos))
	o.logger.Info().Str("mac", req.Client.MAC).Int64("pesos", req.Pesos).Int64("balance", balance).Msg("credit deposited")
	return balance, nil
}

// SpendCredit converts banked pesos into time. The balance is refunded when
// the grant fails.
func (o *Orchestrator) SpendCredit(ctx context.Context, client identity.Client, token string, pesos int64) (sessions.GrantResult, int64, error) {
	if o.credits == nil {
		return sessions.GrantResult{}, 0, ErrNotConfigured
	}
	if client.MAC == "" {
		return sessions.GrantResult{}, 0, identity.ErrUnresolved
	}
	if err := o.checkLicense(ctx, client.MAC, token); err != nil {
		return sessions.GrantResult{}, 0, err
	}
	plan, err := o.quote(ctx, pesos, 0)
	if err != nil {
		return sessions.GrantResult{}, 0, err
	}

	balance, err := o.credits.Spend(ctx, client.MAC, pesos)
	if err != nil {
		return sessions.GrantResult{}, balance, err
	}
	// Banked pesos were already counted when deposited.
	res, err := o.Pay(ctx, Payment{
		Source:        SourceCredit,
		Client:        client,
		Token:         token,
		Minutes:       plan.Minutes,
		DownloadLimit: plan.DownloadLimit,
		UploadLimit:   plan.UploadLimit,
		Pausable:      sessions.PausabilityFromPtr(plan.Pausable),
	})
	if err != nil {
		if refunded, rerr := o.credits.Deposit(ctx, client.MAC, pesos); rerr != nil {
			o.logger.Error().Err(rerr).Str("mac", client.MAC).Int64("pesos", pesos).Msg("credit refund failed")
		} else {
			balance = refunded
		}
		return sessions.GrantResult{}, balance, err
	}
	return res, balance, nil
}

// Status is the /whoami view of a client.
type Status struct {
	IP              string            `json:"ip"`
	MAC             string            `json:"mac"`
	CanInsertCoin   bool              `json:"canInsertCoin"`
	IsRevoked       bool              `json:"isRevoked"`
	CreditPesos     int64             `json:"creditPesos"`
	CreditMinutes   int64             `json:"creditMinutes"`
	RecommendedSlot string            `json:"recommendedSlot"`
	Session         *sessions.Session `json:"session,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context, client identity.Client, token string) (Status, error) {
	st := Status{IP: client.IP, MAC: client.MAC, RecommendedSlot: coinslot.MainSlot}
	if o.devices != nil {
		st.RecommendedSlot = o.devices.Recommend(client.IP)
	}

	lic, err := o.license.Verify(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("license check failed")
	}
	st.IsRevoked = lic.Revoked

	switch err := o.checkLicense(ctx, client.MAC, token); {
	case err == nil:
		st.CanInsertCoin = true
	case !errors.Is(err, ErrLicenseRevoked):
		return Status{}, err
	}

	if sess, ok, err := o.lookup(ctx, client.MAC, token); err != nil {
		return Status{}, err
	} else if ok {
		st.Session = &sess
	}

	if o.credits != nil && client.MAC != "" {
		balance, err := o.credits.Balance(ctx, client.MAC)
		if err != nil {
			return Status{}, err
		}
		st.CreditPesos = balance
		if balance > 0 {
			plans, err := o.rates.Rates(ctx)
			if err != nil {
				return Status{}, err
			}
			st.CreditMinutes = rates.MinutesForPesos(plans, balance, o.linearRatio(ctx))
		}
	}
	return st, nil
}

func (o *Orchestrator) lookup(ctx context.Context, mac, token string) (sessions.Session, bool, error) {
	if token != "" {
		s, err := o.sessions.ByToken(ctx, token)
		if err == nil {
			return s, true, nil
		}
		if !errors.Is(err, sessions.ErrNotFound) {
			return sessions.Session{}, false, err
		}
	}
	if mac == "" {
		return sessions.Session{}, false, nil
	}
	s, err := o.sessions.ByMAC(ctx, mac)
	if errors.Is(err, sessions.ErrNotFound) {
		return sessions.Session{}, false, nil
	}
	if err != nil {
		return sessions.Session{}, false, err
	}
	return s, true, nil
}

// checkLicense lets a revoked gateway serve a single customer at a time. The
// customer is recognised by MAC or by session token, so a roaming device is
// not mistaken for a second customer. Sub-vendor devices are hardware and
// always pass.
func (o *Orchestrator) checkLicense(ctx context.Context, mac, token string) error {
	if o.isDevice(mac) {
		return nil
	}
	status, err := o.license.Verify(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("license check failed, allowing payment")
		return nil
	}
	if !status.Revoked {
		return nil
	}

	active, err := o.sessions.Active(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	for _, s := range active {
		if s.MAC == mac || (token != "" && s.Token == token) || o.isDevice(s.MAC) || s.RemainingSeconds <= 0 {
			continue
		}
		return ErrLicenseRevoked
	}
	return nil
}

func (o *Orchestrator) isDevice(mac string) bool {
	return mac != "" && o.devices != nil && o.devices.IsDevice(mac)
}

// takeLock consumes the caller's lease so that it pays for one grant only.
func (o *Orchestrator) takeLock(ctx context.Context, req CoinPayment) (coinslot.Lock, error) {
	owner := coinslot.Owner{MAC: req.Client.MAC, Token: req.Token}
	return o.locks.Take(ctx, req.Slot, req.LockID, owner, func(lock coinslot.Lock) error {
		if o.requirePulses && lock.Credited < req.Pesos {
			return fmt.Errorf("%w: credited=%d requested=%d", ErrInsufficientPulses, lock.Credited, req.Pesos)
		}
		return nil
	})
}

func (o *Orchestrator) restoreLock(ctx context.Context, lock coinslot.Lock) {
	if !o.locks.Restore(ctx, lock) {
		o.logger.Warn().Str("slot", lock.Slot).Str("lock_id", lock.LockID).Msg("lease could not be restored after a failed payment")
	}
}

// quote prices pesos. An exact plan wins; otherwise minutes are derived from
// the catalog and any client-supplied minutes are ignored.
func (o *Orchestrator) quote(ctx context.Context, pesos, minutes int64) (rates.Rate, error) {
	if pesos <= 0 {
		return rates.Rate{}, fmt.Errorf("%w: pesos=%d", ErrInvalidPayment, pesos)
	}
	plans, err := o.rates.Rates(ctx)
	if err != nil {
		return rates.Rate{}, fmt.Errorf("load rates: %w", err)
	}
	if minutes > 0 {
		if r, ok := rates.Match(plans, pesos, minutes); ok {
			return r, nil
		}
	}
	if r, ok := rates.ForPesos(plans, pesos); ok {
		return r, nil
	}
	m := rates.MinutesForPesos(plans, pesos, o.linearRatio(ctx))
	if m <= 0 {
		return rates.Rate{}, fmt.Errorf("%w: no minutes for %d pesos", ErrInvalidPayment, pesos)
	}
	return rates.Rate{Pesos: pesos, Minutes: m}, nil
}

func (o *Orchestrator) linearRatio(ctx context.Context) int64 {
	if o.settings == nil {
		return settings.DefaultLinearMinutesPerPeso
	}
	n, err := o.settings.LinearMinutesPerPeso(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read linear rate, using default")
		return settings.DefaultLinearMinutesPerPeso
	}
	return n
}
