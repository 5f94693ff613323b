package gateway

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/frame"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/safety"
)

// Control executes one host control request. Speeds are given in kbit/s:
// SET_CAN_SPEED and SET_CAN_FD_DATA_SPEED take the bus in Value and the
// rate in Index.
func (g *Gateway) Control(req frame.ControlRequest) ([]byte, error) {
	switch req.Request {
	case frame.CmdHeartbeat:
		g.gate.OnHeartbeat()
		return nil, nil
	case frame.CmdGetVersion:
		out := binary.LittleEndian.AppendUint16(nil, frame.ProtocolVersion)
		return append(out, g.version...), nil
	case frame.CmdGetHealth:
		out := g.Status().AppendTo(make([]byte, 0, frame.StatusSize+can.NumBuses*can.HealthSize))
		for bus := 0; bus < can.NumBuses; bus++ {
			out = g.Health(uint8(bus)).AppendBinary(out)
		}
		return out, nil
	case frame.CmdSetSafetyMode:
		if req.Value > 0xFF {
			return nil, frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeControl), Data: req.Value, Message: "bad safety mode"}
		}
		m := safety.Mode(req.Value)
		prev := g.gate.Mode()
		g.gate.SetMode(m)
		metrics.SetSafetyMode(uint8(m))
		g.log.Info("safety_mode_set", "from", prev.String(), "to", m.String())
		return nil, nil
	case frame.CmdSetCANSpeed:
		return nil, g.configure(req, false)
	case frame.CmdSetCANFDDataRate:
		return nil, g.configure(req, true)
	case frame.CmdReset:
		g.ResetStats()
		g.log.Info("gateway_reset")
		g.Notice("reset")
		return nil, nil
	}
	return nil, frame.ErrorInfo{Code: frame.ErrCodeUnsupported, Source: uint8(frame.TypeControl), Data: uint16(req.Request),
		Message: fmt.Sprintf("request 0x%02X", req.Request)}
}

func (g *Gateway) configure(req frame.ControlRequest, data bool) error {
	bad := func(msg string) error {
		return frame.ErrorInfo{Code: frame.ErrCodeInvalidFrame, Source: uint8(frame.TypeControl), Data: req.Value, Message: msg}
	}
	if req.Value >= can.NumBuses {
		return bad("bad bus")
	}
	if req.Index == 0 {
		return bad("zero speed")
	}
	d := g.buses[req.Value]
	if d == nil {
		return bad("bus not attached")
	}
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	cfg := g.cfg[req.Value]
	rate := uint32(req.Index) * 1000
	if data {
		cfg.Data, cfg.FD = rate, true
	} else {
		cfg.Nominal = rate
	}
	if cfg.Nominal == 0 {
		cfg.Nominal = 500000
	}
	if err := d.Configure(cfg.Nominal, cfg.Data, cfg.FD); err != nil {
		g.log.Warn("can_configure_error", "bus", req.Value, "error", err)
		return frame.ErrorInfo{Code: frame.ErrCodeCANFailed, Source: uint8(frame.TypeControl), Data: req.Value, Message: err.Error()}
	}
	g.cfg[req.Value] = cfg
	g.log.Info("can_configure", "bus", req.Value, "nominal", cfg.Nominal, "data", cfg.Data, "fd", cfg.FD)
	return nil
}

// BusStats are the counters of one bus.
type BusStats struct {
	Rx, Tx, Forwarded    uint64
	RxErrors, TxErrors   uint64
	RxBlocked, TxBlocked uint64
	ChecksumErrors       uint64
	TxLost               uint64
}

// Stats is a snapshot of the gateway.
type Stats struct {
	Uptime  time.Duration
	Buses   [can.NumBuses]BusStats
	Safety  safety.Stats
	TxQueue int
}

func (g *Gateway) Stats() Stats {
	s := Stats{Uptime: time.Since(g.started), Safety: g.gate.Stats()}
	for i := range g.counters {
		c := &g.counters[i]
		s.Buses[i] = BusStats{
			Rx: c.rx.Load(), Tx: c.tx.Load(), Forwarded: c.fwd.Load(),
			RxErrors: c.rxErr.Load(), TxErrors: c.txErr.Load(),
			RxBlocked: c.rxBlocked.Load(), TxBlocked: c.txBlocked.Load(),
			ChecksumErrors: c.checksum.Load(), TxLost: c.txLost.Load(),
		}
	}
	if tx := g.tx.Load(); tx != nil {
		s.TxQueue = tx.Len()
	}
	return s
}

// ResetStats zeroes the bus counters and the gate counters. The safety mode
// is left alone.
func (g *Gateway) ResetStats() {
	for i := range g.counters {
		c := &g.counters[i]
		for _, v := range []*atomic.Uint64{&c.rx, &c.tx, &c.fwd, &c.rxErr, &c.txErr, &c.rxBlocked, &c.txBlocked, &c.checksum, &c.txLost} {
			v.Store(0)
		}
	}
	g.gate.ResetStats()
}

// Health reports bus as the vehicle protocol's per-bus health record.
func (g *Gateway) Health(bus uint8) can.Health {
	if int(bus) >= can.NumBuses {
		return can.Health{}
	}
	s := g.Stats().Buses[bus]
	errs := s.RxErrors + s.TxErrors + s.ChecksumErrors
	return can.Health{
		TotalErrorCnt:           uint32(errs),
		TotalTxCnt:              uint32(s.Tx),
		TotalRxCnt:              uint32(s.Rx),
		TotalTxChecksumErrorCnt: uint32(s.ChecksumErrors),
		TotalTxLostCnt:          uint32(s.TxLost),
		TotalFwdCnt:             uint32(s.Forwarded),
	}
}

// Status is the periodic status report.
func (g *Gateway) Status() frame.Status {
	st := g.Stats()
	s := frame.Status{UptimeMs: uint32(st.Uptime / time.Millisecond)}
	var errs uint64
	for i, b := range st.Buses {
		s.RxCount[i] = uint32(b.Rx)
		s.TxCount[i] = uint32(b.Tx)
		s.CANStatus[i] = g.Health(uint8(i)).StatusByte()
		errs += b.RxErrors + b.TxErrors + b.ChecksumErrors
	}
	s.ErrorCount = uint16(min(errs, 0xFFFF))
	if st.Safety.FailSafe {
		s.SystemStatus |= frame.SystemFailSafe
	}
	if g.gate.HeartbeatAlive(time.Now()) {
		s.SystemStatus |= frame.SystemHeartbeat
	}
	return s
}
