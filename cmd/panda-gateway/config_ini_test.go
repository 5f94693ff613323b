package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleINI = `
[uart]
device = /dev/ttyAMA0
baud = 1000000

[bridge]
listen = :9000
max_clients = 2
mdns_enable = true

[can]
backend = virtual
interfaces = vcan0,vcan1
queue_timeout = 20ms

[safety]
heartbeat_timeout = 500ms

[log]
level = debug
`

func writeINI(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.ini")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestApplyINI(t *testing.T) {
	c := defaultConfig()
	if err := applyINI(c, []byte(sampleINI), map[string]struct{}{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if c.uartDev != "/dev/ttyAMA0" || c.baud != 1000000 {
		t.Fatalf("uart section: %q %d", c.uartDev, c.baud)
	}
	if c.listenAddr != ":9000" || c.maxClients != 2 || !c.mdnsEnable {
		t.Fatalf("bridge section: %+v", c)
	}
	if c.backend != "virtual" || c.queueTimeout != 20*time.Millisecond || len(c.interfaces()) != 2 {
		t.Fatalf("can section: %+v", c)
	}
	if c.heartbeatTO != 500*time.Millisecond || c.logLevel != "debug" {
		t.Fatalf("safety/log sections: %v %s", c.heartbeatTO, c.logLevel)
	}
	// untouched keys keep their defaults
	if c.hubPolicy != "drop" || c.retries != 3 {
		t.Fatalf("defaults lost: %+v", c)
	}
}

func TestApplyINI_BadValue(t *testing.T) {
	if err := applyINI(defaultConfig(), []byte("[uart]\nbaud = fast\n"), map[string]struct{}{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPrecedence_FlagEnvINI(t *testing.T) {
	path := writeINI(t, sampleINI)
	t.Setenv("PANDA_GW_LISTEN", ":9100")
	t.Setenv("PANDA_GW_BAUD", "500000")
	cfg, _, err := parseArgs([]string{"--config", path, "--baud", "115200"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.baud != 115200 {
		t.Fatalf("flag must win over env and ini, got %d", cfg.baud)
	}
	if cfg.listenAddr != ":9100" {
		t.Fatalf("env must win over ini, got %q", cfg.listenAddr)
	}
	if cfg.uartDev != "/dev/ttyAMA0" {
		t.Fatalf("ini must win over default, got %q", cfg.uartDev)
	}
	if cfg.statusInterval != time.Second {
		t.Fatalf("default expected, got %v", cfg.statusInterval)
	}
}

func TestConfigFromEnvPath(t *testing.T) {
	t.Setenv("PANDA_GW_CONFIG", writeINI(t, sampleINI))
	cfg, _, err := parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.backend != "virtual" {
		t.Fatalf("config from env path not applied: %q", cfg.backend)
	}
}

func TestConfigMissingFile(t *testing.T) {
	if _, _, err := parseArgs([]string{"--config", filepath.Join(t.TempDir(), "none.ini")}, io.Discard); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
