package main

import (
	"io"
	"testing"
	"time"
)

func validConfig() *appConfig {
	c := defaultConfig()
	c.uartDev = "/dev/null"
	return c
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := validConfig()
	c.listenAddr = ""
	if err := c.validate(); err != nil {
		t.Fatalf("uart only: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"tooManyIfs", func(c *appConfig) { c.canIf = "a,b,c,d" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badRetries", func(c *appConfig) { c.retries = 0 }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = -1 }},
		{"badUARTTO", func(c *appConfig) { c.uartReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badHeartbeat", func(c *appConfig) { c.heartbeatTO = 0 }},
		{"noClients", func(c *appConfig) { c.maxClients = 0 }},
		{"tooManyClients", func(c *appConfig) { c.maxClients = 5 }},
		{"badAuthKey", func(c *appConfig) { c.authKey = "zz" }},
		{"noTransport", func(c *appConfig) { c.uartDev, c.listenAddr = "", "" }},
		{"negMetricsLog", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseArgs_Defaults(t *testing.T) {
	cfg, showVersion, err := parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatal("version not requested")
	}
	if cfg.listenAddr != ":8080" || cfg.maxClients != 4 || cfg.baud != 3000000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.heartbeatTO != time.Second || cfg.chunkIdleTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.heartbeatTO, cfg.chunkIdleTimeout)
	}
	if got := cfg.interfaces(); len(got) != 3 || got[2] != "can2" {
		t.Fatalf("interfaces: %v", got)
	}
}

func TestParseArgs_Flags(t *testing.T) {
	cfg, _, err := parseArgs([]string{"--uart", "/dev/ttyS1", "--listen", "", "--can-backend", "virtual", "--can-if", "a, ,c"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.uartDev != "/dev/ttyS1" || cfg.listenAddr != "" || cfg.backend != "virtual" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if got := cfg.interfaces(); len(got) != 3 || got[1] != "" || got[2] != "c" {
		t.Fatalf("interfaces: %q", got)
	}
}

func TestParseArgs_Version(t *testing.T) {
	_, showVersion, err := parseArgs([]string{"--version", "--log-level", "bogus"}, io.Discard)
	if err != nil || !showVersion {
		t.Fatalf("version: %v %v", showVersion, err)
	}
}

func TestParseArgs_Invalid(t *testing.T) {
	if _, _, err := parseArgs([]string{"--hub-policy", "spill"}, io.Discard); err == nil {
		t.Fatal("expected validation error")
	}
	if _, _, err := parseArgs([]string{"--no-such-flag"}, io.Discard); err == nil {
		t.Fatal("expected flag error")
	}
}
