package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-panda-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	UARTRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_rx_frames_total",
		Help: "Total valid frames decoded from the UART host link.",
	})
	UARTTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uart_tx_frames_total",
		Help: "Total frames written to the UART host link.",
	})
	CANRxPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_packets_total",
		Help: "CAN packets received from the vehicle buses.",
	}, []string{"bus"})
	CANTxPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_packets_total",
		Help: "CAN packets written to the vehicle buses.",
	}, []string{"bus"})
	CANFwdPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_fwd_packets_total",
		Help: "CAN packets relayed bus to bus by the forward policy.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total bridge frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total bridge frames sent to TCP clients.",
	})
	SafetyBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_blocked_total",
		Help: "CAN packets blocked by the safety gate.",
	})
	SafetyViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_violations_total",
		Help: "Heartbeat timeouts that forced the fail-safe mode.",
	})
	SafetyMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_mode",
		Help: "Active safety mode identifier.",
	})
	ChecksumErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_checksum_errors_total",
		Help: "Frames or packets dropped because their checksum did not match.",
	})
	FrameLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frame_loss_total",
		Help: "Frames missing according to peer sequence numbers.",
	})
	ChunkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_errors_total",
		Help: "Chunks dropped for ordering or length errors, and stalled transfers.",
	})
	QueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "queue_full_total",
		Help: "Enqueue attempts rejected because a bounded queue stayed full.",
	})
	HubDroppedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_packets_total",
		Help: "Total CAN packets dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (max-clients, failed auth).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued packets among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued packets per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad sync, oversize, truncated, protocol violations).",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrAuth         = "auth"
	ErrProtocol     = "protocol"
	ErrUARTRead     = "uart_read"
	ErrUARTWrite    = "uart_write"
	ErrUARTOverflow = "uart_tx_overflow"
	ErrCANRead      = "can_read"
	ErrCANWrite     = "can_write"
	ErrCANOverflow  = "can_tx_overflow"
	ErrControl      = "control"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localUARTRx     atomic.Uint64
	localUARTTx     atomic.Uint64
	localCANRx      atomic.Uint64
	localCANTx      atomic.Uint64
	localCANFwd     atomic.Uint64
	localTCPRx      atomic.Uint64
	localTCPTx      atomic.Uint64
	localBlocked    atomic.Uint64
	localViolations atomic.Uint64
	localChecksum   atomic.Uint64
	localLoss       atomic.Uint64
	localChunkErr   atomic.Uint64
	localQueueFull  atomic.Uint64
	localHubDrop    atomic.Uint64
	localHubKick    atomic.Uint64
	localHubReject  atomic.Uint64
	localErrors     atomic.Uint64
	localHubClients atomic.Uint64
	localFanout     atomic.Uint64
	localMalformed  atomic.Uint64
	localQDMax      atomic.Uint64
	localQDAvg      atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	UARTRx           uint64
	UARTTx           uint64
	CANRx            uint64 // summed over buses
	CANTx            uint64
	CANFwd           uint64
	TCPRx            uint64
	TCPTx            uint64
	SafetyBlocked    uint64
	SafetyViolations uint64
	ChecksumErrors   uint64
	FrameLoss        uint64
	ChunkErrors      uint64
	QueueFull        uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	Errors           uint64 // sum across error labels
	HubClients       uint64
	Fanout           uint64
	Malformed        uint64
	QueueDepthMax    uint64
	QueueDepthAvg    uint64
}

func Snap() Snapshot {
	return Snapshot{
		UARTRx:           localUARTRx.Load(),
		UARTTx:           localUARTTx.Load(),
		CANRx:            localCANRx.Load(),
		CANTx:            localCANTx.Load(),
		CANFwd:           localCANFwd.Load(),
		TCPRx:            localTCPRx.Load(),
		TCPTx:            localTCPTx.Load(),
		SafetyBlocked:    localBlocked.Load(),
		SafetyViolations: localViolations.Load(),
		ChecksumErrors:   localChecksum.Load(),
		FrameLoss:        localLoss.Load(),
		ChunkErrors:      localChunkErr.Load(),
		QueueFull:        localQueueFull.Load(),
		HubDrops:         localHubDrop.Load(),
		HubKicks:         localHubKick.Load(),
		HubRejects:       localHubReject.Load(),
		Errors:           localErrors.Load(),
		HubClients:       localHubClients.Load(),
		Fanout:           localFanout.Load(),
		Malformed:        localMalformed.Load(),
		QueueDepthMax:    localQDMax.Load(),
		QueueDepthAvg:    localQDAvg.Load(),
	}
}

// Wrapper helpers to keep call sites simple.
func IncUARTRx() {
	UARTRxFrames.Inc()
	localUARTRx.Add(1)
}

func IncUARTTx() {
	UARTTxFrames.Inc()
	localUARTTx.Add(1)
}

// IncCANRx counts a packet read from bus.
func IncCANRx(bus uint8) {
	CANRxPackets.WithLabelValues(busLabel(bus)).Inc()
	localCANRx.Add(1)
}

// IncCANTx counts a packet written to bus.
func IncCANTx(bus uint8) {
	CANTxPackets.WithLabelValues(busLabel(bus)).Inc()
	localCANTx.Add(1)
}

func IncCANFwd() {
	CANFwdPackets.Inc()
	localCANFwd.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncSafetyBlocked() {
	SafetyBlocked.Inc()
	localBlocked.Add(1)
}

func IncSafetyViolation() {
	SafetyViolations.Inc()
	localViolations.Add(1)
}

func SetSafetyMode(mode uint8) { SafetyMode.Set(float64(mode)) }

func IncChecksumError() {
	ChecksumErrors.Inc()
	localChecksum.Add(1)
}

// AddFrameLoss records frames skipped in a peer's sequence.
func AddFrameLoss(n int) {
	if n <= 0 {
		return
	}
	FrameLoss.Add(float64(n))
	localLoss.Add(uint64(n))
}

func IncChunkError() {
	ChunkErrors.Inc()
	localChunkErr.Add(1)
}

func IncQueueFull() {
	QueueFull.Inc()
	localQueueFull.Add(1)
}

func IncHubDrop() {
	HubDroppedPackets.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	localFanout.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	localQDMax.Store(uint64(max))
	localQDAvg.Store(uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrAuth, ErrProtocol,
		ErrUARTRead, ErrUARTWrite, ErrUARTOverflow,
		ErrCANRead, ErrCANWrite, ErrCANOverflow, ErrControl,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

func busLabel(bus uint8) string { return strconv.Itoa(int(bus)) }
