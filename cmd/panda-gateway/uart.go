package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-panda-gateway/internal/gateway"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/serial"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// startUART opens the host UART and serves it until ctx is done.
func startUART(ctx context.Context, cfg *appConfig, gw *gateway.Gateway, l *slog.Logger, wg *sync.WaitGroup) (*gateway.UART, error) {
	port, err := openSerialPort(cfg.uartDev, cfg.baud, cfg.uartReadTO)
	if err != nil {
		return nil, fmt.Errorf("open uart: %w", err)
	}
	link := serial.NewLink(port,
		serial.WithReceiveTimeout(cfg.uartReadTO),
		serial.WithRetries(cfg.retries),
		serial.WithChunkIdleTimeout(cfg.chunkIdleTimeout),
		serial.WithFrameErrorHook(func(err error) {
			metrics.IncMalformed()
			l.Debug("uart_frame_error", "error", err)
		}),
	)
	l.Info("uart_open", "device", cfg.uartDev, "baud", cfg.baud)
	u := gateway.NewUART(gw, link,
		gateway.WithUARTQueue(cfg.rxQueue),
		gateway.WithUARTQueueTimeout(cfg.queueTimeout),
		gateway.WithUARTTx(cfg.txQueue, cfg.queueTimeout),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := u.Run(ctx); err != nil {
			l.Error("uart_service_error", "error", err)
		}
	}()
	return u, nil
}
