// Package config loads gatewayd settings from the environment.
package config

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"pisowifi/services/coinslot"
	"pisowifi/services/identity"
	"pisowifi/services/sessions"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Enforcer backends.
const (
	EnforcerScript = "script"
	EnforcerRedis  = "redis"
	EnforcerLog    = "log"
)

type Config struct {
	Addr           string        `env:"ADDR,default=:8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=30s"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogFormat      string        `env:"LOG_FORMAT,default=json"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	DBDSN       string `env:"DB_DSN"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=true"`
	NATSURL     string `env:"NATS_URL"`

	AllowedOrigins    []string `env:"CORS_ALLOWED_ORIGINS"`
	TrustProxyHeaders bool     `env:"TRUST_PROXY_HEADERS,default=false"`
	CookieSecure      bool     `env:"COOKIE_SECURE,default=false"`
	RateLimit         int      `env:"RATE_LIMIT,default=60"`
	BrandingDir       string   `env:"BRANDING_DIR"`

	TickInterval time.Duration `env:"TICK_INTERVAL,default=1s"`
	// UnspecifiedPausePolicy seeds the setting when the store has none.
	UnspecifiedPausePolicy string `env:"UNSPECIFIED_PAUSE_POLICY"`
	RatesFile              string `env:"RATES_FILE"`

	CoinslotTTL           time.Duration `env:"COINSLOT_TTL,default=60s"`
	CoinslotRequirePulses bool          `env:"COINSLOT_REQUIRE_PULSES,default=false"`
	RelayGPIOPath         string        `env:"RELAY_GPIO_PATH"`
	RelayActiveLow        bool          `env:"RELAY_ACTIVE_LOW,default=false"`
	VendorDevices         []string      `env:"VENDOR_DEVICES"`
	VendorStaleAfter      time.Duration `env:"VENDOR_STALE_AFTER,default=15s"`

	EnforcerBackend string        `env:"ENFORCER_BACKEND,default=log"`
	EnforcerScript  string        `env:"ENFORCER_SCRIPT"`
	EnforcerTimeout time.Duration `env:"ENFORCER_TIMEOUT,default=5s"`
	ReassignDelay   time.Duration `env:"REASSIGN_DELAY,default=1s"`
	RoamingDelay    time.Duration `env:"ROAMING_DELAY,default=500ms"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB,default=0"`
	RedisPrefix     string        `env:"REDIS_PREFIX"`
	RedisChannel    string        `env:"REDIS_CHANNEL"`

	LicenseTokenPath     string        `env:"LICENSE_TOKEN_PATH"`
	LicensePublicKeyPath string        `env:"LICENSE_PUBLIC_KEY_PATH"`
	LicenseCacheTTL      time.Duration `env:"LICENSE_CACHE_TTL,default=5m"`
	NodeID               string        `env:"NODE_ID"`

	DevMAC       string   `env:"DEV_MAC"`
	LeaseFiles   []string `env:"LEASE_FILES"`
	ARPTablePath string   `env:"ARP_TABLE_PATH,default=/proc/net/arp"`

	DHCPSnoopEnabled   bool          `env:"DHCP_SNOOP_ENABLED,default=false"`
	DHCPSnoopInterface string        `env:"DHCP_SNOOP_INTERFACE,default=br-lan,eth0"`
	DHCPSnoopLeaseTime time.Duration `env:"DHCP_SNOOP_LEASE_TIME,default=12h"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the configuration through lookuper and validates it.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE_DRIVER=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q", c.StoreDriver)
	}

	switch c.EnforcerBackend {
	case EnforcerScript:
		if strings.TrimSpace(c.EnforcerScript) == "" {
			return fmt.Errorf("ENFORCER_SCRIPT is required when ENFORCER_BACKEND=%s", EnforcerScript)
		}
	case EnforcerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when ENFORCER_BACKEND=%s", EnforcerRedis)
		}
	case EnforcerLog:
	default:
		return fmt.Errorf("invalid ENFORCER_BACKEND: %q", c.EnforcerBackend)
	}

	if (c.LicenseTokenPath == "") != (c.LicensePublicKeyPath == "") {
		return fmt.Errorf("LICENSE_TOKEN_PATH and LICENSE_PUBLIC_KEY_PATH must be set together")
	}
	if c.UnspecifiedPausePolicy != "" {
		if _, err := sessions.ParseUnspecifiedPausePolicy(c.UnspecifiedPausePolicy); err != nil {
			return fmt.Errorf("invalid UNSPECIFIED_PAUSE_POLICY: %w", err)
		}
	}
	if c.DevMAC != "" {
		if _, ok := identity.NormalizeMAC(c.DevMAC); !ok {
			return fmt.Errorf("invalid DEV_MAC: %q", c.DevMAC)
		}
	}
	if _, err := coinslot.ParseVendors(c.VendorDevices); err != nil {
		return fmt.Errorf("invalid VENDOR_DEVICES: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"TICK_INTERVAL":         c.TickInterval,
		"COINSLOT_TTL":          c.CoinslotTTL,
		"ENFORCER_TIMEOUT":      c.EnforcerTimeout,
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"DHCP_SNOOP_LEASE_TIME": c.DHCPSnoopLeaseTime,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT: %d", c.RateLimit)
	}
	return nil
}

// SnoopInterface picks the first DHCP_SNOOP_INTERFACE candidate present on
// this host.
func (c *Config) SnoopInterface() (string, error) {
	return resolveInterface(c.DHCPSnoopInterface, net.InterfaceByName, net.Interfaces)
}

func resolveInterface(spec string, byName func(string) (*net.Interface, error), list func() ([]net.Interface, error)) (string, error) {
	candidates := make([]string, 0, 2)
	for _, c := range strings.Split(spec, ",") {
		if name := strings.TrimSpace(c); name != "" {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("DHCP_SNOOP_INTERFACE is empty")
	}
	for _, name := range candidates {
		if _, err := byName(name); err == nil {
			return name, nil
		}
	}

	ifaces, err := list()
	if err != nil {
		return "", fmt.Errorf("resolve DHCP_SNOOP_INTERFACE: candidates %q not found and unable to list interfaces: %w", candidates, err)
	}
	available := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve DHCP_SNOOP_INTERFACE: none of the candidates %q are present on this host (available: %s)", candidates, strings.Join(available, ", "))
}
