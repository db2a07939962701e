// Package dhcpsnoop listens to DHCP traffic on the LAN and remembers which
// MAC holds which address. It never answers.
package dhcpsnoop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"
)

const pruneInterval = time.Minute

type Config struct {
	Interface string
	// LeaseTime ages out bindings whose packets carry no lease time option.
	LeaseTime time.Duration
	Now       func() time.Time
	Logger    zerolog.Logger
}

type binding struct {
	mac       string
	expiresAt time.Time
}

// Observer is an identity lease source fed by snooped DHCP packets.
type Observer struct {
	iface     string
	leaseTime time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu    sync.Mutex
	byIP  map[string]binding
	byMAC map[string]string
}

func New(cfg Config) (*Observer, error) {
	if cfg.Interface == "" {
		return nil, errors.New("dhcpsnoop: interface is required")
	}
	if cfg.LeaseTime <= 0 {
		cfg.LeaseTime = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Observer{
		iface:     cfg.Interface,
		leaseTime: cfg.LeaseTime,
		now:       cfg.Now,
		logger:    cfg.Logger.With().Str("component", "dhcpsnoop").Str("interface", cfg.Interface).Logger(),
		byIP:      make(map[string]binding),
		byMAC:     make(map[string]string),
	}, nil
}

// Run listens until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	srv, err := server4.NewServer(o.iface, nil, o.handle)
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", o.iface, err)
	}
	o.logger.Info().Msg("dhcp snooping started")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("dhcp snoop: %w", err)
			}
			return nil
		case <-ticker.C:
			o.Prune()
		case <-ctx.Done():
			srv.Close()
			<-errCh
			return nil
		}
	}
}

func (o *Observer) handle(_ net.PacketConn, _ net.Addr, m *dhcpv4.DHCPv4) {
	if m == nil || len(m.ClientHWAddr) == 0 {
		return
	}
	mac := m.ClientHWAddr.String()

	switch m.MessageType() {
	case dhcpv4.MessageTypeRequest:
		ip := m.RequestedIPAddress()
		if ip == nil || ip.IsUnspecified() {
			ip = m.ClientIPAddr
		}
		o.bind(mac, ip, o.leaseTime)
	case dhcpv4.MessageTypeAck:
		o.bind(mac, m.YourIPAddr, m.IPAddressLeaseTime(o.leaseTime))
	case dhcpv4.MessageTypeInform:
		o.bind(mac, m.ClientIPAddr, o.leaseTime)
	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		o.unbind(mac)
	default:
		// Discover only carries a hint, not an assignment.
	}
}

func (o *Observer) bind(mac string, ip net.IP, ttl time.Duration) {
	ip4 := ip.To4()
	if ip4 == nil || ip4.IsUnspecified() {
		return
	}
	key := ip4.String()

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.byMAC[mac]; ok && prev != key {
		delete(o.byIP, prev)
	}
	if prev, ok := o.byIP[key]; ok && prev.mac != mac {
		delete(o.byMAC, prev.mac)
	}
	o.byIP[key] = binding{mac: mac, expiresAt: o.now().Add(ttl)}
	o.byMAC[mac] = key
	o.logger.Debug().Str("mac", mac).Str("ip", key).Msg("binding observed")
}

func (o *Observer) unbind(mac string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ip, ok := o.byMAC[mac]; ok {
		delete(o.byIP, ip)
		delete(o.byMAC, mac)
	}
}

// LookupIP returns the MAC last seen holding ip.
func (o *Observer) LookupIP(ip string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.byIP[ip]
	if !ok || !b.expiresAt.After(o.now()) {
		return "", false
	}
	return b.mac, true
}

// Prune drops expired bindings and returns how many were removed.
func (o *Observer) Prune() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	removed := 0
	for ip, b := range o.byIP {
		if b.expiresAt.After(now) {
			continue
		}
		delete(o.byIP, ip)
		if o.byMAC[b.mac] == ip {
			delete(o.byMAC, b.mac)
		}
		removed++
	}
	return removed
}
