package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pisowifi/pkg/metrics"
)

// ErrUnresolved is returned when no strategy could map an IP to a MAC address.
var ErrUnresolved = errors.New("identity: unable to resolve client mac address")

// DefaultLeaseFiles lists the DHCP lease databases checked when none are configured.
var DefaultLeaseFiles = []string{
	"/tmp/dhcp.leases",
	"/var/lib/misc/dnsmasq.leases",
	"/var/lib/dnsmasq/dnsmasq.leases",
	"/var/lib/dhcp/dhcpd.leases",
	"/var/lib/dhcpd/dhcpd.leases",
}

// Client is the (ip, mac) pair identifying the device behind a request.
type Client struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

// NetworkInfo is the operating-system view the resolver reads from.
type NetworkInfo interface {
	// Probe pokes ip so the kernel refreshes its neighbor entry.
	Probe(ctx context.Context, ip net.IP) error
	// Neighbors returns the output of the neighbor-table command for ip.
	Neighbors(ctx context.Context, ip net.IP) ([]byte, error)
	ReadFile(path string) ([]byte, error)
}

// LeaseSource maps an IP to a MAC from some live lease table.
type LeaseSource interface {
	LookupIP(ip string) (string, bool)
}

// SessionSource is the last-resort lookup: an active session last seen at ip.
type SessionSource interface {
	ActiveMACForIP(ctx context.Context, ip string) (string, bool, error)
}

// Config tunes the resolver chain.
type Config struct {
	ARPTablePath string
	LeaseFiles   []string
	// DevMAC is returned for loopback clients when set.
	DevMAC   string
	Leases   []LeaseSource
	Sessions SessionSource
}

// Resolver maps client IP addresses to MAC addresses.
type Resolver struct {
	net    NetworkInfo
	cfg    Config
	logger zerolog.Logger
}

type strategy struct {
	name string
	fn   func(context.Context, net.IP) (string, bool)
}

// NewResolver constructs a Resolver reading OS state through netInfo.
func NewResolver(netInfo NetworkInfo, cfg Config, logger zerolog.Logger) (*Resolver, error) {
	if netInfo == nil {
		return nil, errors.New("identity: network info provider is required")
	}
	if cfg.ARPTablePath == "" {
		cfg.ARPTablePath = "/proc/net/arp"
	}
	if cfg.LeaseFiles == nil {
		cfg.LeaseFiles = DefaultLeaseFiles
	}
	if cfg.DevMAC != "" {
		mac, ok := NormalizeMAC(cfg.DevMAC)
		if !ok {
			return nil, fmt.Errorf("invalid dev mac: %q", cfg.DevMAC)
		}
		cfg.DevMAC = mac
	}
	return &Resolver{
		net:    netInfo,
		cfg:    cfg,
		logger: logger.With().Str("component", "identity").Logger(),
	}, nil
}

// Resolve runs the strategy chain once and returns the first MAC found.
func (r *Resolver) Resolve(ctx context.Context, ip string) (string, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return "", fmt.Errorf("%w: invalid ip %q", ErrUnresolved, ip)
	}
	if v4 := addr.To4(); v4 != nil {
		addr = v4
	}

	if addr.IsLoopback() {
		if r.cfg.DevMAC != "" {
			metrics.IdentityResolutions.WithLabelValues("dev").Inc()
			return r.cfg.DevMAC, nil
		}
		metrics.IdentityResolutions.WithLabelValues("unresolved").Inc()
		return "", ErrUnresolved
	}

	for _, s := range r.strategies() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if mac, ok := s.fn(ctx, addr); ok {
			metrics.IdentityResolutions.WithLabelValues(s.name).Inc()
			r.logger.Debug().Str("ip", addr.String()).Str("mac", mac).Str("strategy", s.name).Msg("client resolved")
			return mac, nil
		}
	}

	metrics.IdentityResolutions.WithLabelValues("unresolved").Inc()
	return "", ErrUnresolved
}

// ResolveWithRetry repeats the chain up to attempts times, sleeping delay in between.
func (r *Resolver) ResolveWithRetry(ctx context.Context, ip string, attempts int, delay time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		mac, err := r.Resolve(ctx, ip)
		if err == nil {
			return mac, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnresolved) || i == attempts-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

// Identify resolves ip and returns the pair; MAC is empty when unresolved.
func (r *Resolver) Identify(ctx context.Context, ip string) (Client, error) {
	mac, err := r.Resolve(ctx, ip)
	return Client{IP: ip, MAC: mac}, err
}

func (r *Resolver) strategies() []strategy {
	return []strategy{
		{name: "neighbor", fn: r.fromNeighbors},
		{name: "arp", fn: r.fromARPTable},
		{name: "lease", fn: r.fromLeaseFiles},
		{name: "snoop", fn: r.fromLeaseSources},
		{name: "session", fn: r.fromSessions},
	}
}

func (r *Resolver) fromNeighbors(ctx context.Context, ip net.IP) (string, bool) {
	if err := r.net.Probe(ctx, ip); err != nil {
		r.logger.Debug().Err(err).Str("ip", ip.String()).Msg("probe failed")
	}
	out, err := r.net.Neighbors(ctx, ip)
	if err != nil {
		r.logger.Debug().Err(err).Msg("neighbor table unavailable")
		return "", false
	}
	return ParseNeighbors(out, ip.String())
}

func (r *Resolver) fromARPTable(_ context.Context, ip net.IP) (string, bool) {
	data, err := r.net.ReadFile(r.cfg.ARPTablePath)
	if err != nil {
		return "", false
	}
	return ParseARPTable(data, ip.String())
}

func (r *Resolver) fromLeaseFiles(_ context.Context, ip net.IP) (string, bool) {
	for _, path := range r.cfg.LeaseFiles {
		data, err := r.net.ReadFile(path)
		if err != nil {
			continue
		}
		if mac, ok := ParseLeases(data, ip.String()); ok {
			return mac, true
		}
	}
	return "", false
}

func (r *Resolver) fromLeaseSources(_ context.Context, ip net.IP) (string, bool) {
	for _, src := range r.cfg.Leases {
		if mac, ok := src.LookupIP(ip.String()); ok {
			if normalized, valid := NormalizeMAC(mac); valid {
				return normalized, true
			}
		}
	}
	return "", false
}

func (r *Resolver) fromSessions(ctx context.Context, ip net.IP) (string, bool) {
	if r.cfg.Sessions == nil {
		return "", false
	}
	mac, ok, err := r.cfg.Sessions.ActiveMACForIP(ctx, ip.String())
	if err != nil {
		r.logger.Warn().Err(err).Msg("session fallback failed")
		return "", false
	}
	return mac, ok
}
