package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SecureTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "secure_tx_frames_total",
		Help: "Total authenticated frames written to the bus, by frame kind.",
	}, []string{"kind"})
	SecureRxMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "secure_rx_messages_total",
		Help: "Total received secure messages, by verification verdict.",
	}, []string{"verdict"})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total accepted frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	KnownNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "secure_known_nodes",
		Help: "Number of nodes in the link registry.",
	})
	LocalAddress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "secure_local_address",
		Help: "Address claimed by the local node.",
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
		Help: "Total rejected malformed frames (bad size, length, tag region, checksum).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrLinkWrite      = "link_write"
	ErrLinkRead       = "link_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrGatewaySend    = "gateway_send"
	ErrGatewayOver    = "gateway_tx_overflow"
)

// Verdict label values; mirror secure.Verdict strings.
const (
	VerdictAccepted     = "accepted"
	VerdictForged       = "forged"
	VerdictReplay       = "replay"
	VerdictNotAddressed = "not_addressed"
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
	localSecureTx     uint64
	localAccepted     uint64
	localForged       uint64
	localReplay       uint64
	localNotAddressed uint64
	localSerialRx     uint64
	localSerialTx     uint64
	localSocketCANTx  uint64
	localSocketCANRx  uint64
	localTCPRx        uint64
	localTCPTx        uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localHubClients   uint64
	localErrors       uint64
	localMalformed    uint64
	localKnownNodes   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SecureTx     uint64
	Accepted     uint64
	Forged       uint64
	Replay       uint64
	NotAddressed uint64
	SerialRx     uint64
	SocketCANRx  uint64
	SerialTx     uint64
	SocketCANTx  uint64
	TCPRx        uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	HubClients   uint64
	Errors       uint64 // sum across error labels
	Malformed    uint64
	KnownNodes   uint64
}

func Snap() Snapshot {
	return Snapshot{
		SecureTx:     atomic.LoadUint64(&localSecureTx),
		Accepted:     atomic.LoadUint64(&localAccepted),
		Forged:       atomic.LoadUint64(&localForged),
		Replay:       atomic.LoadUint64(&localReplay),
		NotAddressed: atomic.LoadUint64(&localNotAddressed),
		SerialRx:     atomic.LoadUint64(&localSerialRx),
		SocketCANRx:  atomic.LoadUint64(&localSocketCANRx),
		SerialTx:     atomic.LoadUint64(&localSerialTx),
		SocketCANTx:  atomic.LoadUint64(&localSocketCANTx),
		TCPRx:        atomic.LoadUint64(&localTCPRx),
		TCPTx:        atomic.LoadUint64(&localTCPTx),
		HubDrops:     atomic.LoadUint64(&localHubDrop),
		HubKicks:     atomic.LoadUint64(&localHubKick),
		HubRejects:   atomic.LoadUint64(&localHubReject),
		HubClients:   atomic.LoadUint64(&localHubClients),
		Errors:       atomic.LoadUint64(&localErrors),
		Malformed:    atomic.LoadUint64(&localMalformed),
		KnownNodes:   atomic.LoadUint64(&localKnownNodes),
	}
}

// IncSecureTx counts one authenticated frame of the given kind (classic|fd).
func IncSecureTx(kind string) {
	SecureTxFrames.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localSecureTx, 1)
}

// IncVerdict counts one received message by verdict.
func IncVerdict(verdict string) {
	SecureRxMessages.WithLabelValues(verdict).Inc()
	switch verdict {
	case VerdictAccepted:
		atomic.AddUint64(&localAccepted, 1)
	case VerdictForged:
		atomic.AddUint64(&localForged, 1)
	case VerdictReplay:
		atomic.AddUint64(&localReplay, 1)
	case VerdictNotAddressed:
		atomic.AddUint64(&localNotAddressed, 1)
	}
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

// SetLinkState records the registry size and the claimed local address.
func SetLinkState(known int, local uint8) {
	KnownNodes.Set(float64(known))
	LocalAddress.Set(float64(local))
	atomic.StoreUint64(&localKnownNodes, uint64(known))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so first increments do not pay registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrLinkWrite, ErrLinkRead,
		ErrSerialWrite, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANRead,
		ErrGatewaySend, ErrGatewayOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, v := range []string{VerdictAccepted, VerdictForged, VerdictReplay, VerdictNotAddressed} {
		SecureRxMessages.WithLabelValues(v).Add(0)
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
