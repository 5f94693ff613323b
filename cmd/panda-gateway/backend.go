package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-panda-gateway/internal/canbus"
	"github.com/kstaniek/go-panda-gateway/internal/socketcan"
)

// Hooks for tests.
var (
	openSocketCAN = func(iface string, bus uint8, fd bool) (canbus.Dev, error) {
		d, err := socketcan.Open(iface, bus, fd)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openBrutella = func(iface string, bus uint8, buf int) (canbus.Dev, error) {
		d, err := canbus.OpenBrutella(iface, bus, buf)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

// openBuses opens one device per bus named in --can-if. The result is
// indexed by bus number; empty names leave the bus detached. On error every
// device opened so far is closed again.
func openBuses(cfg *appConfig, l *slog.Logger) ([]canbus.Dev, error) {
	ifs := cfg.interfaces()
	if cfg.backend == "virtual" && len(ifs) == 0 {
		ifs = []string{"vcan0", "vcan1", "vcan2"}
	}
	devs := make([]canbus.Dev, len(ifs))
	closeAll := func() {
		for _, d := range devs {
			if d != nil {
				_ = d.Close()
			}
		}
	}
	for i, name := range ifs {
		if name == "" || name == "-" {
			continue
		}
		bus := uint8(i)
		var (
			d   canbus.Dev
			err error
		)
		switch cfg.backend {
		case "virtual":
			d = canbus.NewNetwork(cfg.rxQueue).Open(bus)
		case "socketcan":
			d, err = openSocketCAN(name, bus, cfg.canFD)
		case "brutella":
			d, err = openBrutella(name, bus, cfg.rxQueue)
		default:
			err = fmt.Errorf("unknown backend %q (use virtual|socketcan|brutella)", cfg.backend)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("bus %d (%s): %w", bus, name, err)
		}
		devs[i] = d
		l.Info("can_open", "backend", cfg.backend, "bus", bus, "if", name)
	}
	attached := 0
	for _, d := range devs {
		if d != nil {
			attached++
		}
	}
	if attached == 0 {
		return nil, errors.New("no CAN bus attached")
	}
	return devs, nil
}
