package main

import (
	"io"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	c := validConfig()
	t.Setenv("PANDA_GW_BAUD", "921600")
	t.Setenv("PANDA_GW_MDNS_ENABLE", "yes")
	t.Setenv("PANDA_GW_UART_READ_TIMEOUT", "250ms")
	t.Setenv("PANDA_GW_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("PANDA_GW_CAN_IF", "vcan0")
	t.Setenv("PANDA_GW_HUB_POLICY", "  ")
	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.baud != 921600 {
		t.Fatalf("expected baud override, got %d", c.baud)
	}
	if !c.mdnsEnable {
		t.Fatal("expected mdnsEnable true")
	}
	if c.uartReadTO != 250*time.Millisecond {
		t.Fatalf("expected uartReadTO 250ms got %v", c.uartReadTO)
	}
	if c.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", c.logMetricsEvery)
	}
	if c.canIf != "vcan0" {
		t.Fatalf("expected can-if vcan0 got %q", c.canIf)
	}
	if c.hubPolicy != "drop" {
		t.Fatalf("blank env must be ignored, got %q", c.hubPolicy)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	t.Setenv("PANDA_GW_BAUD", "921600")
	cfg, _, err := parseArgs([]string{"--uart", "/dev/null", "--baud", "115200"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.baud != 115200 {
		t.Fatalf("expected flag value 115200 got %d", cfg.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for k, v := range map[string]string{
		"PANDA_GW_HUB_BUFFER":        "notint",
		"PANDA_GW_HEARTBEAT_TIMEOUT": "soon",
		"PANDA_GW_CAN_FD":            "maybe",
	} {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", k, v)
			}
		})
	}
}
