package coinslot

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"pisowifi/pkg/metrics"
)

const (
	DefaultVendorStaleAfter    = 15 * time.Second
	DefaultVendorPruneInterval = 5 * time.Second
)

// Vendor is a remote coin acceptor ("sub-vendor") serving clients in Network.
type Vendor struct {
	MAC     string
	Network *net.IPNet
}

// ParseVendors reads "mac@cidr" entries.
func ParseVendors(entries []string) ([]Vendor, error) {
	var out []Vendor
	seen := make(map[string]bool)
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		macPart, cidrPart, ok := strings.Cut(raw, "@")
		if !ok {
			return nil, fmt.Errorf("invalid vendor device %q: expected mac@cidr", raw)
		}
		hw, err := net.ParseMAC(strings.TrimSpace(macPart))
		if err != nil {
			return nil, fmt.Errorf("invalid vendor mac %q: %w", macPart, err)
		}
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidrPart))
		if err != nil {
			return nil, fmt.Errorf("invalid vendor cidr %q: %w", cidrPart, err)
		}
		mac := strings.ToLower(hw.String())
		if seen[mac] {
			return nil, fmt.Errorf("duplicate vendor device %q", mac)
		}
		seen[mac] = true
		out = append(out, Vendor{MAC: mac, Network: network})
	}
	return out, nil
}

// Vendors tracks which remote acceptors are alive based on their heartbeats.
type Vendors struct {
	mu         sync.Mutex
	devices    []Vendor
	lastSeen   map[string]time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// NewVendors returns a registry for devices. now may be nil.
func NewVendors(devices []Vendor, staleAfter time.Duration, now func() time.Time) *Vendors {
	if staleAfter <= 0 {
		staleAfter = DefaultVendorStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Vendors{
		devices:    devices,
		lastSeen:   make(map[string]time.Time),
		staleAfter: staleAfter,
		now:        now,
	}
}

// IsDevice reports whether mac belongs to a registered acceptor.
func (v *Vendors) IsDevice(mac string) bool {
	if v == nil {
		return false
	}
	mac = strings.ToLower(mac)
	for _, d := range v.devices {
		if d.MAC == mac {
			return true
		}
	}
	return false
}

// Seen records a heartbeat from mac. Unknown devices are ignored.
func (v *Vendors) Seen(mac string) bool {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if !v.IsDevice(mac) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSeen[mac] = v.now()
	return true
}

// Healthy reports whether mac sent a heartbeat within the health window.
func (v *Vendors) Healthy(mac string) bool {
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.healthyLocked(strings.ToLower(mac))
}

func (v *Vendors) healthyLocked(mac string) bool {
	seen, ok := v.lastSeen[mac]
	return ok && v.now().Sub(seen) <= v.staleAfter
}

// Recommend picks the slot a client at ip should pay into: a healthy vendor
// whose network contains ip, otherwise the main slot.
func (v *Vendors) Recommend(ip string) string {
	if v == nil {
		return MainSlot
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return MainSlot
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, d := range v.devices {
		if d.Network.Contains(addr) && v.healthyLocked(d.MAC) {
			return d.MAC
		}
	}
	return MainSlot
}

// Prune drops stale heartbeats and returns how many devices remain healthy.
func (v *Vendors) Prune() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	for mac := range v.lastSeen {
		if !v.healthyLocked(mac) {
			delete(v.lastSeen, mac)
		}
	}
	metrics.VendorDevicesHealthy.Set(float64(len(v.lastSeen)))
	return len(v.lastSeen)
}

// Run prunes every interval until ctx is cancelled.
func (v *Vendors) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultVendorPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.Prune()
		}
	}
}
