package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/bridge"
	"github.com/kstaniek/go-panda-gateway/internal/gateway"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/server"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, showVersion, err := parseArgs(os.Args[1:], os.Stderr)
	if showVersion {
		fmt.Printf("panda-gateway %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	h := initHub(cfg, l)
	gate, err := initGate(cfg, l)
	if err != nil {
		l.Error("safety_init_error", "error", err)
		return err
	}
	buses, err := openBuses(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return err
	}
	gw := gateway.New(buses, gate, h,
		gateway.WithTxQueue(cfg.txQueue),
		gateway.WithQueueTimeout(cfg.queueTimeout),
		gateway.WithHeartbeatCheck(cfg.heartbeatCheck),
		gateway.WithStatusInterval(cfg.statusInterval),
		gateway.WithVersion(version),
		gateway.WithLogger(l),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	gw.Start(ctx)
	defer gw.Close()
	startMetricsLogger(ctx, cfg.logMetricsEvery, gw, l, &wg)

	var (
		srv  *server.Server
		uart *gateway.UART
	)
	if cfg.listenAddr != "" {
		srv, err = startBridge(ctx, cancel, cfg, gw, l)
		if err != nil {
			l.Error("bridge_init_error", "error", err)
			return err
		}
	}
	if cfg.uartDev != "" {
		uart, err = startUART(ctx, cfg, gw, l, &wg)
		if err != nil {
			l.Error("uart_init_error", "error", err)
			return err
		}
	}

	metrics.SetReadinessFunc(func() bool { return ready(ctx, srv, uart) })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
		l.Warn("shutdown_on_error")
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("tcp_shutdown_error", "error", err)
		}
		scancel()
	}
	wg.Wait()
	return nil
}

// startBridge serves TCP clients and routes gateway notices to their
// serial stream. Serve failures cancel ctx.
func startBridge(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, gw *gateway.Gateway, l *slog.Logger) (*server.Server, error) {
	opts := []server.ServerOption{
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(gw.Hub()),
		server.WithHandler(gw),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	}
	if cfg.authKey != "" {
		a, err := bridge.ParseKey(cfg.authKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithAuth(a))
	}
	srv := server.NewServer(opts...)
	gw.AddNoticeSink(func(b []byte) { srv.Notify(bridge.StreamSerial, bridge.TypeSerial, b) })
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		cleanup, err := startMDNS(ctx, cfg, srv.Addr())
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "addr", srv.Addr())
		}
		<-ctx.Done()
		cleanup()
	}()
	return srv, nil
}

// ready reports whether every enabled host transport is up.
func ready(ctx context.Context, srv *server.Server, uart *gateway.UART) bool {
	if ctx.Err() != nil {
		return false
	}
	if srv != nil && !closed(srv.Ready()) {
		return false
	}
	if uart != nil && !closed(uart.Ready()) {
		return false
	}
	return true
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
