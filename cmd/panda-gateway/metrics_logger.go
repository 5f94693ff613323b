package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/gateway"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, gw *gateway.Gateway, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				st := gw.Stats()
				l.Info("metrics_snapshot",
					"uart_rx", snap.UARTRx,
					"uart_tx", snap.UARTTx,
					"can_rx", snap.CANRx,
					"can_tx", snap.CANTx,
					"can_fwd", snap.CANFwd,
					"tcp_rx", snap.TCPRx,
					"tcp_tx", snap.TCPTx,
					"safety_mode", st.Safety.Mode.String(),
					"safety_blocked", snap.SafetyBlocked,
					"safety_violations", snap.SafetyViolations,
					"checksum_errors", snap.ChecksumErrors,
					"frame_loss", snap.FrameLoss,
					"queue_full", snap.QueueFull,
					"tx_queue", st.TxQueue,
					"hub_clients", snap.HubClients,
					"hub_drops", snap.HubDrops,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
