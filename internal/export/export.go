// Package export ships closed session records to external sinks.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

var ErrClosed = errors.New("recorder is closed")

// Recorder is a session sink that holds resources
type Recorder interface {
	Record(ctx context.Context, s types.SessionStats) error
	Name() string
	Close() error
}

// Document is the JSON shape of an exported session
type Document struct {
	Host      string    `json:"host"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	DurationS float64   `json:"duration_s"`
	Address   string    `json:"address"`
	Port      string    `json:"port"`
	Count     int       `json:"count"`
	Min       int       `json:"min_ms"`
	Max       int       `json:"max_ms"`
	Median    float64   `json:"median_ms"`
	Mean      float64   `json:"mean_ms"`
	P75       *float64  `json:"p75_ms,omitempty"`
	P90       *float64  `json:"p90_ms,omitempty"`
}

// NewDocument converts a session for export
func NewDocument(host string, s types.SessionStats) Document {
	return Document{
		Host:      host,
		Start:     s.Start,
		End:       s.End,
		DurationS: s.End.Sub(s.Start).Seconds(),
		Address:   s.Connection.Address,
		Port:      s.Connection.Port,
		Count:     s.Count,
		Min:       s.Min,
		Max:       s.Max,
		Median:    s.Median,
		Mean:      s.Mean,
		P75:       s.P75,
		P90:       s.P90,
	}
}

// Hostname returns the host name used to tag documents
func Hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Guarded wraps a recorder with a circuit breaker and metrics so a dead sink
// fails fast instead of costing every session close a full timeout. With a
// queue attached, rejected sessions are parked and redelivered after the
// sink's next success.
type Guarded struct {
	next    Recorder
	breaker *reliability.CircuitBreaker
	metrics *metrics.Collector
	queue   *dlq.DeadLetterQueue
	logger  *logging.Logger
}

// NewGuarded wraps next. m may be nil.
func NewGuarded(next Recorder, breaker reliability.CircuitBreakerConfig, m *metrics.Collector) *Guarded {
	return &Guarded{
		next:    next,
		breaker: reliability.NewCircuitBreaker(breaker),
		metrics: m,
		logger:  logging.Nop(),
	}
}

// WithQueue parks failed sessions in q
func (g *Guarded) WithQueue(q *dlq.DeadLetterQueue) *Guarded {
	g.queue = q
	g.observeBacklog()
	return g
}

// WithLogger reports redelivery problems to logger
func (g *Guarded) WithLogger(logger *logging.Logger) *Guarded {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Record implements stats.Recorder
func (g *Guarded) Record(ctx context.Context, s types.SessionStats) error {
	if err := g.send(ctx, s); err != nil {
		if g.queue != nil {
			if qerr := g.queue.Enqueue(g.Name(), s, err); qerr != nil {
				err = errors.Join(err, fmt.Errorf("dead-letter queue: %w", qerr))
			}
			g.observeBacklog()
		}
		return fmt.Errorf("%s: %w", g.Name(), err)
	}

	if g.queue != nil && g.queue.Size(g.Name()) > 0 {
		// Entries that fail again stay queued for the next success.
		n, err := g.queue.Replay(g.Name(), func(old types.SessionStats) error {
			return g.send(ctx, old)
		})
		if err != nil {
			g.logger.Warn().Err(err).
				Str("sink", g.Name()).
				Int("delivered", n).
				Int("remaining", g.queue.Size(g.Name())).
				Msg("Dead-letter replay stopped")
		} else if n > 0 {
			g.logger.Info().Str("sink", g.Name()).Int("delivered", n).Msg("Redelivered queued sessions")
		}
		g.observeBacklog()
	}
	return nil
}

func (g *Guarded) send(ctx context.Context, s types.SessionStats) error {
	start := time.Now()
	err := g.breaker.Execute(func() error {
		return g.next.Record(ctx, s)
	})
	if g.metrics != nil {
		g.metrics.ExportDuration.WithLabelValues(g.Name()).Observe(time.Since(start).Seconds())
		if err == nil {
			g.metrics.ExportedSessions.WithLabelValues(g.Name()).Inc()
		}
	}
	return err
}

func (g *Guarded) observeBacklog() {
	if g.metrics != nil && g.queue != nil {
		g.metrics.ExportBacklog.WithLabelValues(g.Name()).Set(float64(g.queue.Size(g.Name())))
	}
}

// Name implements stats.Recorder
func (g *Guarded) Name() string {
	return g.next.Name()
}

// Close closes the wrapped recorder
func (g *Guarded) Close() error {
	return g.next.Close()
}

// State returns the breaker state
func (g *Guarded) State() reliability.State {
	return g.breaker.State()
}
