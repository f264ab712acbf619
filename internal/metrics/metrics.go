// Package metrics exposes Prometheus counters/gauges for the CANopen
// runtime, in the same promauto + local-atomic-mirror style as the
// teacher's hub/serial/TCP metrics, retargeted to this domain: CAN bus
// state, the event loop, crash-safe storage, and the gateway server.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/conode-linux/conode/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CANRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Total CAN frames read from a SocketCAN interface.",
	}, []string{"if"})
	CANTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Total CAN frames successfully written to a SocketCAN interface.",
	}, []string{"if"})
	CANTxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_retries_total",
		Help: "Total deferred-transmit retry attempts scanned on the mainline tick.",
	}, []string{"if"})
	CANTxOverflow = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_overflow_total",
		Help: "Total transmit attempts rejected because the retry slot table was full.",
	}, []string{"if"})
	CANErrListenOnly = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_err_listen_only_total",
		Help: "Total transitions into the listen-only bus state.",
	})
	CANErrBusOff = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_err_bus_off_total",
		Help: "Total bus-off error frames observed.",
	})
	CANErrInterfaceResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_interface_resets_total",
		Help: "Total interface down/up cycles dispatched after bus-off.",
	})
	EventLoopWakeups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventloop_wakeups_total",
		Help: "Total epoll wake-ups by source.",
	}, []string{"source"})
	EventLoopTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventloop_tick_seconds",
		Help:    "Wall time spent processing one mainline tick.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	StorageSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_saves_total",
		Help: "Total storage entries written, by outcome.",
	}, []string{"entry", "outcome"})
	StorageRestores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_restores_total",
		Help: "Total storage entries read at startup, by outcome.",
	}, []string{"entry", "outcome"})
	GatewayConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total gateway connections accepted, by transport.",
	}, []string{"transport"})
	GatewayIdleTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idle_timeouts_total",
		Help: "Total gateway connections closed for exceeding the idle timeout.",
	})
	GatewayCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_total",
		Help: "Total gateway commands processed, by outcome.",
	}, []string{"outcome"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrCANRead     = "can_read"
	ErrCANWrite    = "can_write"
	ErrStorageSave = "storage_save"
	ErrGatewayConn = "gateway_conn"
	ErrNetReset    = "net_reset"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready on addr.
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, reported periodically via Snap without scraping
// Prometheus in-process.
var (
	localCANRx        uint64
	localCANTx        uint64
	localCANTxRetries uint64
	localErrors       uint64
	localStorageSaves uint64
	localGatewayConns uint64
)

// Snapshot is a cheap copy of local counters for periodic logging.
type Snapshot struct {
	CANRx        uint64
	CANTx        uint64
	CANTxRetries uint64
	Errors       uint64
	StorageSaves uint64
	GatewayConns uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANRx:        atomic.LoadUint64(&localCANRx),
		CANTx:        atomic.LoadUint64(&localCANTx),
		CANTxRetries: atomic.LoadUint64(&localCANTxRetries),
		Errors:       atomic.LoadUint64(&localErrors),
		StorageSaves: atomic.LoadUint64(&localStorageSaves),
		GatewayConns: atomic.LoadUint64(&localGatewayConns),
	}
}

func IncCANRx(iface string) {
	CANRxFrames.WithLabelValues(iface).Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx(iface string) {
	CANTxFrames.WithLabelValues(iface).Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncCANTxRetry(iface string) {
	CANTxRetries.WithLabelValues(iface).Inc()
	atomic.AddUint64(&localCANTxRetries, 1)
}

func IncCANTxOverflow(iface string) { CANTxOverflow.WithLabelValues(iface).Inc() }

func IncCANErrListenOnly() { CANErrListenOnly.Inc() }

func IncCANErrBusOff() { CANErrBusOff.Inc() }

func IncCANErrInterfaceReset() { CANErrInterfaceResets.Inc() }

func IncEventLoopWakeup(source string) { EventLoopWakeups.WithLabelValues(source).Inc() }

func ObserveTickDuration(seconds float64) { EventLoopTickDuration.Observe(seconds) }

func IncStorageSave(entry string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	StorageSaves.WithLabelValues(entry, outcome).Inc()
	atomic.AddUint64(&localStorageSaves, 1)
}

func IncStorageRestore(entry string, outcome string) {
	StorageRestores.WithLabelValues(entry, outcome).Inc()
}

func IncGatewayConnection(transport string) {
	GatewayConnections.WithLabelValues(transport).Inc()
	atomic.AddUint64(&localGatewayConns, 1)
}

func IncGatewayIdleTimeout() { GatewayIdleTimeouts.Inc() }

func IncGatewayCommand(outcome string) { GatewayCommands.WithLabelValues(outcome).Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers common error
// label series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrCANRead, ErrCANWrite, ErrStorageSave, ErrGatewayConn, ErrNetReset} {
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
