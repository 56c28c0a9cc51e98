package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"

	LoopRead  = "read"
	LoopWrite = "write"

	RejectQueueFull  = "queue_full"
	RejectNotRunning = "not_running"
	RejectEncode     = "encode"
	RejectOversized  = "oversized"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streampush",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames moved over protocol sessions.",
		},
		[]string{"direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "frame_bytes_total",
			Help:      "Payload bytes moved over protocol sessions.",
		},
		[]string{"direction"},
	)
	sendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "send_failures_total",
			Help:      "Queued payloads the write loop failed to send.",
		},
	)
	enqueueRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "enqueue_rejected_total",
			Help:      "Enqueue calls rejected before reaching the outbound queue.",
		},
		[]string{"reason"},
	)
	dispatchDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "dispatch_drops_total",
			Help:      "Inbound frames dropped before reaching a handler.",
		},
		[]string{"reason"},
	)
	handlerFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "handler_faults_total",
			Help:      "Recovered handler panics by kind.",
		},
		[]string{"kind"},
	)
	loopsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "streampush",
			Subsystem: "session",
			Name:      "loops_running",
			Help:      "Session loops currently running.",
		},
		[]string{"loop"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			frames,
			frameBytes,
			sendFailures,
			enqueueRejected,
			dispatchDrops,
			handlerFaults,
			loopsRunning,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(direction string, size int) {
	RegisterMetrics()
	frames.WithLabelValues(direction).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(size))
}

func RecordSendFailure() {
	RegisterMetrics()
	sendFailures.Inc()
}

func RecordEnqueueRejected(reason string) {
	RegisterMetrics()
	enqueueRejected.WithLabelValues(reason).Inc()
}

// RecordDispatchDrop counts frames that were undecodable or unroutable.
// Kinds are not labeled here since they come from the peer.
func RecordDispatchDrop(reason string) {
	RegisterMetrics()
	dispatchDrops.WithLabelValues(reason).Inc()
}

func RecordHandlerFault(kind string) {
	RegisterMetrics()
	handlerFaults.WithLabelValues(kind).Inc()
}

func LoopStarted(loop string) {
	RegisterMetrics()
	loopsRunning.WithLabelValues(loop).Inc()
}

func LoopStopped(loop string) {
	RegisterMetrics()
	loopsRunning.WithLabelValues(loop).Dec()
}
