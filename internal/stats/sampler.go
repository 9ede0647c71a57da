package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// DefaultWindow is the rolling-average size used for live display
const DefaultWindow = 10

// Recorder persists a closed session somewhere
type Recorder interface {
	Record(ctx context.Context, s types.SessionStats) error
	Name() string
}

// Config holds sampler configuration
type Config struct {
	Window        int
	RecordTimeout time.Duration
	Now           func() time.Time
	Metrics       *metrics.Collector
}

type session struct {
	start   time.Time
	samples []int
}

// Sampler keeps per-session latency samples. A session exists from the
// first sample of a connection until EndSession.
type Sampler struct {
	window    int
	timeout   time.Duration
	now       func() time.Time
	sessions  map[types.ConnectionDetails]*session
	recorders []Recorder
	metrics   *metrics.Collector
	logger    *logging.Logger
}

// NewSampler creates a sampler writing closed sessions to recorders
func NewSampler(cfg Config, logger *logging.Logger, recorders ...Recorder) *Sampler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Sampler{
		window:    cfg.Window,
		timeout:   cfg.RecordTimeout,
		now:       cfg.Now,
		sessions:  make(map[types.ConnectionDetails]*session),
		recorders: recorders,
		metrics:   cfg.Metrics,
		logger:    logger.WithComponent("stats"),
	}
}

// Add records one latency sample, opening the session if needed
func (s *Sampler) Add(conn types.ConnectionDetails, latencyMs int) {
	sess, ok := s.sessions[conn]
	if !ok {
		sess = &session{start: s.now()}
		s.sessions[conn] = sess
		s.logger.Debug().Str("connection", conn.String()).Msg("Session opened")
	}
	sess.samples = append(sess.samples, latencyMs)

	if s.metrics != nil {
		s.metrics.LatencyLast.Set(float64(latencyMs))
		s.metrics.LatencyMs.Observe(float64(latencyMs))
	}
}

// Samples returns a copy of the open session's samples
func (s *Sampler) Samples(conn types.ConnectionDetails) []int {
	sess, ok := s.sessions[conn]
	if !ok {
		return nil
	}
	out := make([]int, len(sess.samples))
	copy(out, sess.samples)
	return out
}

// HasSession reports whether conn has an open session
func (s *Sampler) HasSession(conn types.ConnectionDetails) bool {
	_, ok := s.sessions[conn]
	return ok
}

// Live is the snapshot shown while a session is running. Min and Max cover
// the whole session, Average only the rolling window.
type Live struct {
	Last    int
	Min     int
	Max     int
	Average float64
	Window  int
}

// LiveStats summarises the open session of conn
func (s *Sampler) LiveStats(conn types.ConnectionDetails) (Live, bool) {
	sess, ok := s.sessions[conn]
	if !ok || len(sess.samples) == 0 {
		return Live{}, false
	}

	lo, hi := MinMax(sess.samples)
	recent := sess.samples
	if len(recent) > s.window {
		recent = recent[len(recent)-s.window:]
	}

	return Live{
		Last:    sess.samples[len(sess.samples)-1],
		Min:     lo,
		Max:     hi,
		Average: Mean(recent),
		Window:  len(recent),
	}, true
}

// LiveStatsString renders LiveStats for the status line
func (s *Sampler) LiveStatsString(conn types.ConnectionDetails) string {
	live, ok := s.LiveStats(conn)
	if !ok {
		return "Ping=n/a"
	}
	return fmt.Sprintf("Ping=%dms, Min=%dms, Max=%dms, Avg(%d)=%.1fms",
		live.Last, live.Min, live.Max, live.Window, live.Average)
}

// EndSession aggregates and persists the session of conn, then forgets it.
// The sentinel connection and sessions without samples are ignored.
// Recorder failures are logged and never returned.
func (s *Sampler) EndSession(ctx context.Context, conn types.ConnectionDetails) {
	if conn.IsNone() {
		return
	}
	sess, ok := s.sessions[conn]
	if !ok {
		return
	}
	delete(s.sessions, conn)
	if len(sess.samples) == 0 {
		return
	}

	summary := Summarize(conn, sess.start, s.now(), sess.samples)
	s.logger.Info().
		Str("connection", conn.String()).
		Int("count", summary.Count).
		Float64("mean", summary.Mean).
		Msg("Session closed")

	if s.metrics != nil {
		s.metrics.SessionsClosed.Inc()
	}

	for _, rec := range s.recorders {
		recCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := rec.Record(recCtx, summary)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("recorder", rec.Name()).Msg("Failed to record session")
			if s.metrics != nil {
				s.metrics.RecordFailures.WithLabelValues(rec.Name()).Inc()
			}
		}
	}
}

// EndAll closes every open session, used on shutdown
func (s *Sampler) EndAll(ctx context.Context) {
	for conn := range s.sessions {
		s.EndSession(ctx, conn)
	}
}

// Summarize computes the aggregate record for one session
func Summarize(conn types.ConnectionDetails, start, end time.Time, samples []int) types.SessionStats {
	lo, hi := MinMax(samples)
	out := types.SessionStats{
		Start:      start,
		End:        end,
		Connection: conn,
		Count:      len(samples),
		Min:        lo,
		Max:        hi,
		Median:     Median(samples),
		Mean:       Mean(samples),
	}
	if p, ok := Percentile(samples, 3, 4); ok {
		out.P75 = &p
	}
	if p, ok := Percentile(samples, 9, 10); ok {
		out.P90 = &p
	}
	return out
}
