// Package profiling serves pprof and runtime statistics for diagnosing the
// agent itself, and optionally dumps CPU and heap profiles.
package profiling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
)

// Config holds profiling configuration
type Config struct {
	Enabled            bool
	Address            string // HTTP server address for pprof
	CPUProfilePath     string
	MemProfilePath     string // written on Stop
	BlockProfile       bool
	MutexProfile       bool
	GoroutineThreshold int           // warn if goroutines exceed this
	CheckInterval      time.Duration // goroutine check cadence
}

// Profiler manages performance profiling
type Profiler struct {
	config  Config
	logger  *logging.Logger
	metrics *metrics.Collector
	server  *http.Server
	addr    string

	cpuFile *os.File

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new profiler. m may be nil.
func New(config Config, m *metrics.Collector, logger *logging.Logger) *Profiler {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.Address == "" {
		config.Address = "localhost:6060"
	}
	if config.GoroutineThreshold == 0 {
		config.GoroutineThreshold = 1000
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 30 * time.Second
	}

	return &Profiler{
		config:  config,
		logger:  logger.WithComponent("profiling"),
		metrics: m,
	}
}

// Start begins profiling. The listener is bound before Start returns.
func (p *Profiler) Start() error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return errors.New("profiler already started")
	}

	if p.config.BlockProfile {
		runtime.SetBlockProfileRate(1)
	}
	if p.config.MutexProfile {
		runtime.SetMutexProfileFraction(1)
	}

	if p.config.CPUProfilePath != "" {
		if err := p.startCPUProfile(); err != nil {
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		p.stopCPUProfile()
		return fmt.Errorf("failed to listen on %s: %w", p.config.Address, err)
	}
	p.addr = ln.Addr().String()

	p.server = &http.Server{
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error().Err(err).Msg("Profiling server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitorGoroutines(ctx)

	p.logger.Info().Str("address", p.addr).Msg("Profiling server started")
	return nil
}

// Addr returns the bound address once started
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Handler returns the debug mux
func (p *Profiler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", p.statsHandler)
	return mux
}

// Stop shuts the server down and writes any configured profiles
func (p *Profiler) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil

	var errs []error
	p.stopCPUProfile()
	if p.config.MemProfilePath != "" {
		if err := p.writeMemProfile(); err != nil {
			errs = append(errs, fmt.Errorf("failed to write memory profile: %w", err))
		}
	}
	if err := p.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down profiling server: %w", err))
	}
	return errors.Join(errs...)
}

// Name implements shutdown.Component
func (p *Profiler) Name() string {
	return "profiling"
}

func (p *Profiler) startCPUProfile() error {
	f, err := os.Create(p.config.CPUProfilePath)
	if err != nil {
		return err
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	p.cpuFile = f
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profiling started")
	return nil
}

func (p *Profiler) stopCPUProfile() {
	if p.cpuFile == nil {
		return
	}
	runtimepprof.StopCPUProfile()
	p.cpuFile.Close()
	p.cpuFile = nil
	p.logger.Info().Str("path", p.config.CPUProfilePath).Msg("CPU profile saved")
}

func (p *Profiler) writeMemProfile() error {
	f, err := os.Create(p.config.MemProfilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	runtime.GC()
	if err := runtimepprof.WriteHeapProfile(f); err != nil {
		return err
	}
	p.logger.Info().Str("path", p.config.MemProfilePath).Msg("Memory profile saved")
	return nil
}

// monitorGoroutines warns when the goroutine count suggests a leak. The
// agent runs a handful of goroutines, so a large count is never expected.
func (p *Profiler) monitorGoroutines(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := runtime.NumGoroutine()
			if p.metrics != nil {
				p.metrics.SystemGoroutines.Set(float64(count))
			}
			if count > p.config.GoroutineThreshold {
				p.logger.Warn().
					Int("goroutines", count).
					Int("threshold", p.config.GoroutineThreshold).
					Msg("High goroutine count detected")
			}
		}
	}
}

func (p *Profiler) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Fprintf(w, "Alloc: %d KB\n", m.Alloc/1024)
	fmt.Fprintf(w, "Sys: %d KB\n", m.Sys/1024)
	fmt.Fprintf(w, "HeapObjects: %d\n", m.HeapObjects)
	fmt.Fprintf(w, "NumGC: %d\n", m.NumGC)
	if m.NumGC > 0 {
		fmt.Fprintf(w, "LastGC: %s\n", time.Unix(0, int64(m.LastGC)).Format(time.RFC3339))
	}
}
