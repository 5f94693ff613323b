package main

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/canbus"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeDev struct {
	canbus.Dev
	name   string
	bus    uint8
	closed bool
}

func (f *fakeDev) Close() error { f.closed = true; return nil }

func TestOpenBuses_Virtual(t *testing.T) {
	c := validConfig()
	c.backend, c.canIf = "virtual", ""
	devs, err := openBuses(c, discard)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(devs) != can.NumBuses {
		t.Fatalf("expected %d buses got %d", can.NumBuses, len(devs))
	}
	for i, d := range devs {
		if _, ok := d.(*canbus.Virtual); !ok {
			t.Fatalf("bus %d: %T", i, d)
		}
		_ = d.Close()
	}
}

func TestOpenBuses_SocketCANSkipsEmpty(t *testing.T) {
	var opened []*fakeDev
	prev := openSocketCAN
	t.Cleanup(func() { openSocketCAN = prev })
	openSocketCAN = func(iface string, bus uint8, fd bool) (canbus.Dev, error) {
		if !fd {
			t.Errorf("fd expected on")
		}
		d := &fakeDev{name: iface, bus: bus}
		opened = append(opened, d)
		return d, nil
	}
	c := validConfig()
	c.canIf = "can0,,can2"
	devs, err := openBuses(c, discard)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(opened) != 2 || devs[1] != nil {
		t.Fatalf("bus 1 must stay detached: %v", devs)
	}
	if opened[1].name != "can2" || opened[1].bus != 2 {
		t.Fatalf("wrong mapping: %+v", opened[1])
	}
}

func TestOpenBuses_ErrorClosesOpened(t *testing.T) {
	var first *fakeDev
	prev := openBrutella
	t.Cleanup(func() { openBrutella = prev })
	openBrutella = func(iface string, bus uint8, buf int) (canbus.Dev, error) {
		if bus == 0 {
			first = &fakeDev{name: iface}
			return first, nil
		}
		return nil, errors.New("no such device")
	}
	c := validConfig()
	c.backend, c.canIf = "brutella", "can0,can1"
	if _, err := openBuses(c, discard); err == nil {
		t.Fatal("expected error")
	}
	if first == nil || !first.closed {
		t.Fatal("bus 0 must be closed after failure")
	}
}

func TestOpenBuses_NoneAttached(t *testing.T) {
	c := validConfig()
	c.backend, c.canIf = "socketcan", ",-"
	if _, err := openBuses(c, discard); err == nil {
		t.Fatal("expected error with no buses")
	}
}
