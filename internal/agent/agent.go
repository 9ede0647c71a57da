// Package agent runs the poll loop: tail the game log, derive the
// connection state, probe the server, sample latency and resolve the
// server's location, once per tick.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/connection"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/geo"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/probe"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/stats"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tailer"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tracing"
	"github.com/therealutkarshpriyadarshi/pingwatch/pkg/types"
)

// Status texts
const (
	TextNotRunning   = "Game is not running"
	TextNotConnected = "Not connected to server"
	TextStarting     = "Game is starting"
	TextUpToDate     = "IP addresses are already up to date"
	TextDownloaded   = "Downloaded new IP addresses"
)

var allStates = []string{
	types.StateNotConnected.String(),
	types.StateConnected.String(),
	types.StateGameStarting.String(),
}

// Status is the outcome of one cycle
type Status struct {
	Text       string
	State      types.ServerState
	Connection types.ConnectionDetails
	Reachable  bool
	LatencyMs  int
	Location   types.Location
	// Stale is set when the log has not been written for StaleAfter
	Stale bool
}

// Tailer is the part of tailer.Tailer the loop needs
type Tailer interface {
	Poll() tailer.PollResult
	Position() types.LogPosition
	Restore(pos types.LogPosition) bool
}

// Updater refreshes the offline network table
type Updater interface {
	Update(ctx context.Context) (geo.UpdateResult, error)
}

// Config holds agent configuration
type Config struct {
	LogPath    string
	Interval   time.Duration
	StaleAfter time.Duration // 0 disables the check
	// MinWakeGap spaces cycles triggered by file activity. Defaults to
	// half the interval.
	MinWakeGap time.Duration
	Now        func() time.Time
}

// Deps are the components the agent drives. Checkpoint, Wake, Updater,
// Metrics, Tracer, Logger and Report may be nil.
type Deps struct {
	Tailer     Tailer
	Sampler    *stats.Sampler
	Prober     probe.Prober
	Resolver   geo.Resolver
	Checkpoint *checkpoint.Manager
	Wake       <-chan struct{}
	Updater    Updater
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	Logger     *logging.Logger
	Report     func(Status)
}

// Agent owns every piece of mutable state of the poll loop. Cycle and Run
// must be called from one goroutine.
type Agent struct {
	cfg     Config
	deps    Deps
	machine *connection.Machine
	logger  *logging.Logger
	wake    *rate.Limiter

	cycles    uint64
	last      Status
	lastCycle atomic.Int64

	// resolved caches the location of the current connection after the
	// first successful lookup.
	resolved   types.ConnectionDetails
	location   types.Location
	ckptFailed bool
}

// New creates an agent and, when a checkpoint exists for the current log
// incarnation, resumes from it.
func New(cfg Config, deps Deps) (*Agent, error) {
	if deps.Tailer == nil || deps.Sampler == nil || deps.Prober == nil || deps.Resolver == nil {
		return nil, errors.New("agent requires a tailer, sampler, prober and resolver")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MinWakeGap <= 0 {
		cfg.MinWakeGap = cfg.Interval / 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("pingwatch")
	}

	a := &Agent{
		cfg:     cfg,
		deps:    deps,
		machine: connection.NewMachine(deps.Sampler, deps.Logger),
		logger:  deps.Logger.WithComponent("agent"),
		wake:    rate.NewLimiter(rate.Every(cfg.MinWakeGap), 1),
		last:    Status{Text: TextNotConnected, Connection: types.NoConnection},
	}
	a.restore()
	return a, nil
}

func (a *Agent) restore() {
	if a.deps.Checkpoint == nil {
		return
	}
	state, ok, err := a.deps.Checkpoint.Load()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Ignoring unreadable checkpoint")
		return
	}
	if !ok || !a.deps.Tailer.Restore(state.Position) {
		return
	}
	a.machine.Restore(state.Connection)
	a.logger.Info().
		Str("connection", state.Connection.String()).
		Time("saved_at", state.SavedAt).
		Msg("Restored state from checkpoint")
}

// CheckLogPath verifies once that the game log can be opened. A missing
// log is expected before the game first runs and is only logged.
func (a *Agent) CheckLogPath() error {
	f, err := os.Open(a.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warn().Str("path", a.cfg.LogPath).Msg("Game log not found yet")
		} else {
			a.logger.Error().Err(err).Str("path", a.cfg.LogPath).Msg("Cannot read game log")
		}
		return fmt.Errorf("failed to open game log: %w", err)
	}
	return f.Close()
}

// Prepare refreshes the network table, if an updater is configured, and
// returns the result as a status.
func (a *Agent) Prepare(ctx context.Context) Status {
	st := Status{Text: TextNotConnected, Connection: types.NoConnection}
	if a.deps.Updater == nil {
		return st
	}

	res, err := a.deps.Updater.Update(ctx)
	switch {
	case err != nil:
		a.logger.Warn().Err(err).Msg("Network table update failed")
		st.Text = "Failed to download new IP addresses: " + err.Error()
	case res == geo.Downloaded:
		st.Text = TextDownloaded
	default:
		st.Text = TextUpToDate
	}
	a.report(st)
	return st
}

// Machine exposes the connection state machine
func (a *Agent) Machine() *connection.Machine {
	return a.machine
}

// LastCycle returns when the last cycle finished; safe for concurrent use
func (a *Agent) LastCycle() time.Time {
	ns := a.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Cycle runs one tail → state → probe → sample → resolve pass. A panic
// anywhere in the cycle is logged and the previous status is returned.
func (a *Agent) Cycle(ctx context.Context) (st Status) {
	start := time.Now()
	a.cycles++
	ctx, span := tracing.TraceCycle(ctx, a.deps.Tracer, a.cycles)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Interface("panic", r).
				Uint64("cycle", a.cycles).
				Msg("Recovered from panic in poll cycle")
			if a.deps.Metrics != nil {
				a.deps.Metrics.CyclePanics.Inc()
			}
			tracing.RecordError(ctx, fmt.Errorf("panic: %v", r))
			st = a.last
		}
		span.End()
		a.last = st
		a.lastCycle.Store(time.Now().UnixNano())
		if a.deps.Metrics != nil {
			a.deps.Metrics.Cycles.Inc()
			a.deps.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	st = a.cycle(ctx)
	span.SetAttributes(
		attribute.String("state", st.State.String()),
		attribute.String("connection", st.Connection.String()),
	)
	return st
}

func (a *Agent) cycle(ctx context.Context) Status {
	res := a.deps.Tailer.Poll()
	a.observePoll(res)

	a.machine.Apply(ctx, res)
	a.saveCheckpoint()

	// A stale log keeps its last connection so play resumes where the log
	// left off; only the open session is closed.
	stale := res.Present && a.cfg.StaleAfter > 0 && a.cfg.Now().Sub(res.ModTime) > a.cfg.StaleAfter
	if stale {
		a.deps.Sampler.EndSession(ctx, a.machine.Current())
	}

	state, conn := a.machine.State(), a.machine.Current()
	if a.deps.Metrics != nil {
		a.deps.Metrics.SetServerState(state.String(), allStates...)
	}

	st := Status{State: state, Connection: conn, Stale: stale}
	switch {
	case stale:
		st.Text = TextNotRunning
		return st
	case state == types.StateGameStarting:
		st.Text = TextStarting
		return st
	case state != types.StateConnected:
		st.Text = TextNotConnected
		return st
	}

	result, err := a.measure(ctx, conn.Address)
	if err != nil {
		st.Text = "Could not reach server IP: " + conn.Address
		return st
	}
	st.Reachable, st.LatencyMs = true, result.LatencyMs
	a.deps.Sampler.Add(conn, result.LatencyMs)

	st.Location = a.locate(ctx, conn)
	live := a.deps.Sampler.LiveStatsString(conn)
	if st.Location == types.UnknownLocation {
		st.Text = fmt.Sprintf("IP=%s, %s", conn.Address, live)
	} else {
		st.Text = fmt.Sprintf("Region=%s, Location=%s, %s", st.Location.Region, st.Location.Place, live)
	}
	return st
}

func (a *Agent) observePoll(res tailer.PollResult) {
	m := a.deps.Metrics
	if m == nil {
		return
	}
	m.TailerBytesRead.Add(float64(res.BytesRead))
	if res.Rotated {
		m.TailerRotations.Inc()
	}
	for _, ev := range res.Events {
		m.TailerEvents.WithLabelValues(ev.Kind.String()).Inc()
	}
}

func (a *Agent) measure(ctx context.Context, address string) (probe.Result, error) {
	ctx, span := tracing.TraceProbe(ctx, a.deps.Tracer, address)
	defer span.End()

	start := time.Now()
	result, err := a.deps.Prober.Measure(ctx, address)
	if m := a.deps.Metrics; m != nil {
		m.ProbeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.ProbesTotal.WithLabelValues("unreachable").Inc()
		} else {
			m.ProbesTotal.WithLabelValues("ok").Inc()
		}
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return probe.Result{}, err
	}
	span.SetAttributes(attribute.Int("latency_ms", result.LatencyMs))
	return result, nil
}

// locate resolves conn once per connection; an unknown answer or a
// failed lookup is retried on the next successful cycle.
func (a *Agent) locate(ctx context.Context, conn types.ConnectionDetails) types.Location {
	if conn == a.resolved {
		return a.location
	}

	ctx, span := tracing.TraceResolve(ctx, a.deps.Tracer, conn.Address)
	defer span.End()

	loc, err := a.deps.Resolver.Resolve(ctx, conn.Address)
	if err != nil {
		tracing.RecordError(ctx, err)
		a.logger.Debug().Err(err).Str("address", conn.Address).Msg("Location lookup failed")
	}
	if err == nil && loc != types.UnknownLocation {
		a.resolved, a.location = conn, loc
	}
	return loc
}

func (a *Agent) saveCheckpoint() {
	if a.deps.Checkpoint == nil {
		return
	}
	err := a.deps.Checkpoint.Update(a.deps.Tailer.Position(), a.machine.Current())
	if err != nil && !a.ckptFailed {
		a.logger.Warn().Err(err).Msg("Failed to save checkpoint")
	}
	a.ckptFailed = err != nil
}

func (a *Agent) report(st Status) {
	if a.deps.Report != nil {
		a.deps.Report(st)
	}
}

// Run cycles once immediately, then on every tick and on file activity
// until ctx is done. A cycle already running when ctx is cancelled is
// allowed to finish.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	cycleCtx := context.WithoutCancel(ctx)
	a.report(a.Cycle(cycleCtx))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-a.deps.Wake:
			if !a.wake.Allow() {
				continue
			}
			ticker.Reset(a.cfg.Interval)
		}
		a.report(a.Cycle(cycleCtx))
	}
}

// Close ends any open session and writes a final checkpoint. Call it after
// Run has returned.
func (a *Agent) Close(ctx context.Context) error {
	_, span := tracing.TraceSessionEnd(ctx, a.deps.Tracer, a.machine.Current().String())
	defer span.End()

	a.deps.Sampler.EndAll(ctx)
	if a.deps.Checkpoint == nil {
		return nil
	}
	if err := a.deps.Checkpoint.Update(a.deps.Tailer.Position(), a.machine.Current()); err != nil {
		return fmt.Errorf("failed to save final checkpoint: %w", err)
	}
	return nil
}
