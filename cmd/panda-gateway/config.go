package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/hub"
	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/kstaniek/go-panda-gateway/internal/serial"
)

const envPrefix = "PANDA_GW_"

type appConfig struct {
	// uart
	uartDev          string
	baud             int
	uartReadTO       time.Duration
	chunkIdleTimeout time.Duration
	retries          int
	// bridge
	listenAddr   string
	maxClients   int
	authKey      string
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string
	mdnsEnable   bool
	mdnsName     string
	// can
	backend        string
	canIf          string
	canFD          bool
	txQueue        int
	rxQueue        int
	queueTimeout   time.Duration
	statusInterval time.Duration
	// safety
	heartbeatTO    time.Duration
	heartbeatCheck time.Duration
	safetyPolicy   string
	// metrics and logs
	metricsAddr     string
	logMetricsEvery time.Duration
	logFormat       string
	logLevel        string

	configPath string
}

func defaultConfig() *appConfig {
	return &appConfig{
		baud:             serial.DefaultBaud,
		uartReadTO:       100 * time.Millisecond,
		chunkIdleTimeout: 2 * time.Second,
		retries:          3,
		listenAddr:       ":8080",
		maxClients:       bridge.MaxClients,
		handshakeTO:      3 * time.Second,
		clientReadTO:     60 * time.Second,
		hubBuffer:        hub.DefaultOutBufSize,
		hubPolicy:        "drop",
		backend:          "socketcan",
		canIf:            "can0,can1,can2",
		canFD:            true,
		txQueue:          64,
		rxQueue:          128,
		queueTimeout:     10 * time.Millisecond,
		statusInterval:   time.Second,
		heartbeatTO:      time.Second,
		heartbeatCheck:   100 * time.Millisecond,
		logFormat:        "text",
		logLevel:         "info",
	}
}

// setting binds one flag to its environment variable and ini key.
type setting struct {
	flag    string
	section string
	key     string
	set     func(c *appConfig, v string) error
}

func (s setting) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.flag, "-", "_"))
}

func str(f func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *f(c) = v; return nil }
}

func num(f func(*appConfig) *int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

func dur(f func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

func boolean(f func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*f(c) = true
		case "0", "false", "no", "off":
			*f(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

var settings = []setting{
	{"uart", "uart", "device", str(func(c *appConfig) *string { return &c.uartDev })},
	{"baud", "uart", "baud", num(func(c *appConfig) *int { return &c.baud })},
	{"uart-read-timeout", "uart", "read_timeout", dur(func(c *appConfig) *time.Duration { return &c.uartReadTO })},
	{"chunk-idle-timeout", "uart", "chunk_idle_timeout", dur(func(c *appConfig) *time.Duration { return &c.chunkIdleTimeout })},
	{"retries", "uart", "retries", num(func(c *appConfig) *int { return &c.retries })},

	{"listen", "bridge", "listen", str(func(c *appConfig) *string { return &c.listenAddr })},
	{"max-clients", "bridge", "max_clients", num(func(c *appConfig) *int { return &c.maxClients })},
	{"auth-key", "bridge", "auth_key", str(func(c *appConfig) *string { return &c.authKey })},
	{"handshake-timeout", "bridge", "handshake_timeout", dur(func(c *appConfig) *time.Duration { return &c.handshakeTO })},
	{"client-read-timeout", "bridge", "client_read_timeout", dur(func(c *appConfig) *time.Duration { return &c.clientReadTO })},
	{"hub-buffer", "bridge", "hub_buffer", num(func(c *appConfig) *int { return &c.hubBuffer })},
	{"hub-policy", "bridge", "hub_policy", str(func(c *appConfig) *string { return &c.hubPolicy })},
	{"mdns-enable", "bridge", "mdns_enable", boolean(func(c *appConfig) *bool { return &c.mdnsEnable })},
	{"mdns-name", "bridge", "mdns_name", str(func(c *appConfig) *string { return &c.mdnsName })},

	{"can-backend", "can", "backend", str(func(c *appConfig) *string { return &c.backend })},
	{"can-if", "can", "interfaces", str(func(c *appConfig) *string { return &c.canIf })},
	{"can-fd", "can", "fd", boolean(func(c *appConfig) *bool { return &c.canFD })},
	{"can-tx-queue", "can", "tx_queue", num(func(c *appConfig) *int { return &c.txQueue })},
	{"can-rx-queue", "can", "rx_queue", num(func(c *appConfig) *int { return &c.rxQueue })},
	{"queue-timeout", "can", "queue_timeout", dur(func(c *appConfig) *time.Duration { return &c.queueTimeout })},
	{"status-interval", "can", "status_interval", dur(func(c *appConfig) *time.Duration { return &c.statusInterval })},

	{"heartbeat-timeout", "safety", "heartbeat_timeout", dur(func(c *appConfig) *time.Duration { return &c.heartbeatTO })},
	{"heartbeat-check", "safety", "heartbeat_check", dur(func(c *appConfig) *time.Duration { return &c.heartbeatCheck })},
	{"safety-policy", "safety", "policy", str(func(c *appConfig) *string { return &c.safetyPolicy })},

	{"metrics-addr", "metrics", "addr", str(func(c *appConfig) *string { return &c.metricsAddr })},
	{"log-metrics-interval", "metrics", "log_interval", dur(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},

	{"log-format", "log", "format", str(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", "log", "level", str(func(c *appConfig) *string { return &c.logLevel })},
}

// parseArgs resolves the configuration: flag, then environment, then the
// ini file named by --config, then the built-in default.
func parseArgs(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("panda-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.uartDev, "uart", cfg.uartDev, "UART device for the host link; empty disables it")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "UART baud rate")
	fs.DurationVar(&cfg.uartReadTO, "uart-read-timeout", cfg.uartReadTO, "UART receive timeout")
	fs.DurationVar(&cfg.chunkIdleTimeout, "chunk-idle-timeout", cfg.chunkIdleTimeout, "Abort a chunked transfer after this much silence")
	fs.IntVar(&cfg.retries, "retries", cfg.retries, "UART control request attempts")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP bridge listen address; empty disables it")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP bridge clients")
	fs.StringVar(&cfg.authKey, "auth-key", cfg.authKey, "Hex AES key for client authentication; empty disables it")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client authentication timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Drop TCP clients silent for this long")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client CAN-in queue (packets)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Advertise the TCP bridge via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default panda-gateway-<hostname>)")
	fs.StringVar(&cfg.backend, "can-backend", cfg.backend, "CAN backend: virtual|socketcan|brutella")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "Comma separated CAN interfaces for buses 0..2; empty entries stay detached")
	fs.BoolVar(&cfg.canFD, "can-fd", cfg.canFD, "Enable CAN-FD frames on socketcan interfaces")
	fs.IntVar(&cfg.txQueue, "can-tx-queue", cfg.txQueue, "Shared CAN TX queue capacity")
	fs.IntVar(&cfg.rxQueue, "can-rx-queue", cfg.rxQueue, "Per-bus and UART CAN-in queue capacity")
	fs.DurationVar(&cfg.queueTimeout, "queue-timeout", cfg.queueTimeout, "How long a full queue may block before BufferFull")
	fs.DurationVar(&cfg.statusInterval, "status-interval", cfg.statusInterval, "UART status report period")
	fs.DurationVar(&cfg.heartbeatTO, "heartbeat-timeout", cfg.heartbeatTO, "Enter NO_OUTPUT when no heartbeat arrives for this long")
	fs.DurationVar(&cfg.heartbeatCheck, "heartbeat-check", cfg.heartbeatCheck, "Heartbeat monitor period")
	fs.StringVar(&cfg.safetyPolicy, "safety-policy", cfg.safetyPolicy, "Ini file with per-mode allow lists and forward routes")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics HTTP listen address (e.g. :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.configPath, "config", cfg.configPath, "Optional ini configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	if _, ok := set["config"]; !ok {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok && strings.TrimSpace(v) != "" {
			cfg.configPath = strings.TrimSpace(v)
		}
	}
	if cfg.configPath != "" {
		if err := applyINI(cfg, cfg.configPath, set); err != nil {
			return nil, false, err
		}
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyEnvOverrides maps PANDA_GW_* variables onto cfg unless the matching
// flag was given. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var errs []error
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(s.env())
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := s.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", s.env(), err))
		}
	}
	return errors.Join(errs...)
}

// applyINI loads src (path, []byte or io.Reader) and applies every key not
// overridden by a flag.
func applyINI(c *appConfig, src any, set map[string]struct{}) error {
	f, err := ini.Load(src)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var errs []error
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		sec := f.Section(s.section)
		if !sec.HasKey(s.key) {
			continue
		}
		v := strings.TrimSpace(sec.Key(s.key).String())
		if err := s.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("config [%s] %s: %w", s.section, s.key, err))
		}
	}
	return errors.Join(errs...)
}

// interfaces splits --can-if into at most one name per bus.
func (c *appConfig) interfaces() []string {
	if strings.TrimSpace(c.canIf) == "" {
		return nil
	}
	parts := strings.Split(c.canIf, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validate checks values and ranges only; devices and listeners are opened
// later.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if !logging.ValidFormat(c.logFormat) {
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	switch c.backend {
	case "virtual", "socketcan", "brutella":
	default:
		return fmt.Errorf("invalid can-backend: %s", c.backend)
	}
	if ifs := c.interfaces(); len(ifs) > can.NumBuses {
		return fmt.Errorf("can-if names %d interfaces, at most %d buses", len(ifs), can.NumBuses)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %w", err)
	}
	if c.authKey != "" {
		if _, err := bridge.ParseKey(c.authKey); err != nil {
			return fmt.Errorf("invalid auth-key: %w", err)
		}
	}
	if c.uartDev == "" && c.listenAddr == "" {
		return errors.New("no host transport: set --uart and/or --listen")
	}
	for _, p := range []struct {
		name string
		n    int
	}{{"baud", c.baud}, {"retries", c.retries}, {"hub-buffer", c.hubBuffer}, {"can-tx-queue", c.txQueue}, {"can-rx-queue", c.rxQueue}} {
		if p.n <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", p.name, p.n)
		}
	}
	if c.maxClients < 1 || c.maxClients > bridge.MaxClients {
		return fmt.Errorf("max-clients must be 1..%d (got %d)", bridge.MaxClients, c.maxClients)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"uart-read-timeout", c.uartReadTO}, {"chunk-idle-timeout", c.chunkIdleTimeout},
		{"handshake-timeout", c.handshakeTO}, {"client-read-timeout", c.clientReadTO},
		{"queue-timeout", c.queueTimeout}, {"status-interval", c.statusInterval},
		{"heartbeat-timeout", c.heartbeatTO}, {"heartbeat-check", c.heartbeatCheck},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}
