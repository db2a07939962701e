package coinslot

import (
	"context"
	"fmt"
	"os"
)

// GPIORelay toggles a sysfs GPIO value file, e.g. /sys/class/gpio/gpio17/value.
type GPIORelay struct {
	Path      string
	ActiveLow bool
}

func (g GPIORelay) write(on bool) error {
	value := on != g.ActiveLow
	data := []byte("0")
	if value {
		data = []byte("1")
	}
	if err := os.WriteFile(g.Path, data, 0o644); err != nil {
		return fmt.Errorf("write gpio %s: %w", g.Path, err)
	}
	return nil
}

func (g GPIORelay) Energize(context.Context) error   { return g.write(true) }
func (g GPIORelay) Deenergize(context.Context) error { return g.write(false) }

// NopRelay is used when no acceptor is wired to the gateway.
type NopRelay struct{}

func (NopRelay) Energize(context.Context) error   { return nil }
func (NopRelay) Deenergize(context.Context) error { return nil }
