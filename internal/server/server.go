package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks. When no
// health address is given the health routes share the metrics listener.
type Server struct {
	servers []*http.Server
	addrs   []string
	logger  *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	s := &Server{logger: cfg.Logger.WithComponent("server")}

	var metricsMux *http.ServeMux
	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		metricsMux = http.NewServeMux()
		metricsMux.Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
		s.add(cfg.MetricsAddress, metricsMux)
	}

	if cfg.HealthChecker != nil {
		switch {
		case cfg.HealthAddress != "" && cfg.HealthAddress != cfg.MetricsAddress:
			mux := http.NewServeMux()
			registerHealth(mux, cfg)
			s.add(cfg.HealthAddress, mux)
		case metricsMux != nil:
			registerHealth(metricsMux, cfg)
		}
	}

	return s
}

func registerHealth(mux *http.ServeMux, cfg Config) {
	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/health/live"
	}

	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/health/ready"
	}

	mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
	mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
	mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())
}

func (s *Server) add(addr string, handler http.Handler) {
	s.servers = append(s.servers, &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
}

// Start binds every listener, then serves in the background. A bind
// failure closes whatever was already bound.
func (s *Server) Start() error {
	listeners := make([]net.Listener, 0, len(s.servers))
	for _, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	s.addrs = s.addrs[:0]
	for i, srv := range s.servers {
		ln := listeners[i]
		s.addrs = append(s.addrs, ln.Addr().String())
		s.logger.Info().Str("address", ln.Addr().String()).Msg("Starting HTTP server")

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server error")
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the bound addresses, in configuration order, after Start
func (s *Server) Addrs() []string {
	return s.addrs
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error
	for _, srv := range s.servers {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Str("address", srv.Addr).Msg("Error shutting down HTTP server")
			if err == nil {
				err = shutdownErr
			}
		}
	}
	return err
}
