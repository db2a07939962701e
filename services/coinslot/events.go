package coinslot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Bus subjects consumed from coin acceptor drivers.
const (
	SubjectPulse           = "pisowifi.coinslot.pulse"
	SubjectVendorHeartbeat = "pisowifi.vendors.heartbeat"
)

// Pulse is emitted by an acceptor driver for each coin accepted.
type Pulse struct {
	Slot  string `json:"slot"`
	Pesos int64  `json:"pesos"`
}

// Heartbeat is emitted periodically by each remote acceptor.
type Heartbeat struct {
	MAC string `json:"mac"`
}

// PulseHandler credits decoded pulses to the live lease. Pulses for a slot
// without a lease are logged and acknowledged so they are not redelivered.
func PulseHandler(m *Manager, logger zerolog.Logger) func(context.Context, []byte) error {
	return func(_ context.Context, data []byte) error {
		var p Pulse
		if err := json.Unmarshal(data, &p); err != nil || p.Pesos <= 0 {
			logger.Warn().Err(err).Int64("pesos", p.Pesos).Msg("malformed coin pulse")
			return nil
		}
		if p.Slot == "" {
			p.Slot = MainSlot
		}
		lock, err := m.Credit(p.Slot, p.Pesos)
		if errors.Is(err, ErrNotOwned) {
			logger.Warn().Str("slot", p.Slot).Int64("pesos", p.Pesos).Msg("coin pulse without an active lease")
			return nil
		}
		if err != nil {
			return fmt.Errorf("credit pulse: %w", err)
		}
		logger.Info().Str("slot", p.Slot).Int64("pesos", p.Pesos).Int64("credited", lock.Credited).Msg("coin accepted")
		return nil
	}
}

// HeartbeatHandler records vendor heartbeats.
func HeartbeatHandler(v *Vendors, logger zerolog.Logger) func(context.Context, []byte) error {
	return func(_ context.Context, data []byte) error {
		var hb Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			logger.Warn().Err(err).Msg("malformed vendor heartbeat")
			return nil
		}
		if !v.Seen(hb.MAC) {
			logger.Debug().Str("mac", hb.MAC).Msg("heartbeat from unregistered device")
		}
		return nil
	}
}
