package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "pingwatch"

// Collector provides a central place for all agent metrics
type Collector struct {
	// Poll loop metrics
	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram
	CyclePanics   prometheus.Counter
	ServerState   *prometheus.GaugeVec

	// Tailer metrics
	TailerBytesRead prometheus.Counter
	TailerRotations prometheus.Counter
	TailerEvents    *prometheus.CounterVec

	// Probe metrics
	ProbesTotal   *prometheus.CounterVec
	LatencyLast   prometheus.Gauge
	LatencyMs     prometheus.Histogram
	ProbeDuration prometheus.Histogram

	// Session metrics
	SessionsClosed prometheus.Counter
	RecordFailures *prometheus.CounterVec

	// Geo metrics
	GeoLookups      *prometheus.CounterVec
	ServiceRequests *prometheus.CounterVec
	GeoCacheEntries *prometheus.GaugeVec
	TableUpdates    *prometheus.CounterVec

	// Export metrics
	ExportedSessions *prometheus.CounterVec
	ExportDuration   *prometheus.HistogramVec
	ExportBacklog    *prometheus.GaugeVec

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
	stop     chan struct{}
}

// NewCollector creates a collector backed by its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.initLoopMetrics()
	c.initTailerMetrics()
	c.initProbeMetrics()
	c.initSessionMetrics()
	c.initGeoMetrics()
	c.initExportMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initLoopMetrics() {
	f := promauto.With(c.registry)

	c.Cycles = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "cycles_total",
		Help:      "Total number of poll cycles run",
	})

	c.CycleDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one poll cycle",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
	})

	c.CyclePanics = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "cycle_panics_total",
		Help:      "Poll cycles that panicked and were recovered",
	})

	c.ServerState = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "server_state",
		Help:      "Current server state (1 for the active state, 0 otherwise)",
	}, []string{"state"})
}

func (c *Collector) initTailerMetrics() {
	f := promauto.With(c.registry)

	c.TailerBytesRead = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "bytes_read_total",
		Help:      "Bytes of game log consumed",
	})

	c.TailerRotations = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "rotations_total",
		Help:      "Game log rotations detected",
	})

	c.TailerEvents = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tailer",
		Name:      "events_total",
		Help:      "Connection markers found in the game log",
	}, []string{"kind"})
}

func (c *Collector) initProbeMetrics() {
	f := promauto.With(c.registry)

	c.ProbesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "total",
		Help:      "Latency probes by result",
	}, []string{"result"})

	c.LatencyLast = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "latency_last_ms",
		Help:      "Most recent round-trip time in milliseconds",
	})

	c.LatencyMs = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "latency_ms",
		Help:      "Round-trip time distribution in milliseconds",
		Buckets:   []float64{10, 20, 30, 50, 75, 100, 150, 200, 300, 500, 1000},
	})

	c.ProbeDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "probe",
		Name:      "duration_seconds",
		Help:      "Wall time spent running the probe command",
		Buckets:   prometheus.DefBuckets,
	})
}

func (c *Collector) initSessionMetrics() {
	f := promauto.With(c.registry)

	c.SessionsClosed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Sessions aggregated and recorded",
	})

	c.RecordFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "record_failures_total",
		Help:      "Failed attempts to persist a session, by recorder",
	}, []string{"recorder"})
}

func (c *Collector) initGeoMetrics() {
	f := promauto.With(c.registry)

	c.GeoLookups = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "geo",
		Name:      "lookups_total",
		Help:      "Location lookups by source (cache, service, stale, table, mmdb, unknown)",
	}, []string{"source"})

	c.ServiceRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "geo",
		Name:      "service_requests_total",
		Help:      "Requests to the lookup service by outcome",
	}, []string{"status"})

	c.GeoCacheEntries = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "geo",
		Name:      "cache_entries",
		Help:      "Entries held in the location cache, by table",
	}, []string{"table"})

	c.TableUpdates = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "geo",
		Name:      "table_updates_total",
		Help:      "Network table update checks by result",
	}, []string{"result"})
}

func (c *Collector) initExportMetrics() {
	f := promauto.With(c.registry)

	c.ExportedSessions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "export",
		Name:      "sessions_total",
		Help:      "Sessions exported, by sink",
	}, []string{"sink"})

	c.ExportDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "export",
		Name:      "duration_seconds",
		Help:      "Time spent exporting one session",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sink"})

	c.ExportBacklog = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "export",
		Name:      "backlog_sessions",
		Help:      "Sessions waiting in the dead-letter queue, by sink",
	}, []string{"sink"})
}

func (c *Collector) initSystemMetrics() {
	f := promauto.With(c.registry)

	c.SystemGoroutines = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "goroutines",
		Help:      "Number of goroutines",
	})

	c.SystemMemAlloc = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "memory_alloc_bytes",
		Help:      "Bytes of allocated heap objects",
	})

	c.HealthStatus = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "health",
		Name:      "status",
		Help:      "Health status of components (1=healthy, 0=unhealthy)",
	}, []string{"component"})
}

// SetServerState marks state as the only active server state
func (c *Collector) SetServerState(state string, all ...string) {
	for _, s := range all {
		c.ServerState.WithLabelValues(s).Set(0)
	}
	c.ServerState.WithLabelValues(state).Set(1)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	stop := make(chan struct{})
	c.stop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				c.collectSystemMetrics()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends periodic collection
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
