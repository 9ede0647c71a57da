package probe

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
)

var (
	// ErrUnreachable is returned when the probe got no usable reply
	ErrUnreachable = errors.New("address unreachable")
)

// Result is the outcome of one measurement
type Result struct {
	Reachable bool
	LatencyMs int
}

// Prober measures round-trip latency to an address
type Prober interface {
	Measure(ctx context.Context, address string) (Result, error)
}

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Config holds probe configuration
type Config struct {
	Timeout  time.Duration // per-reply wait handed to ping
	Overhead time.Duration // slack for process start-up on top of Timeout
	Command  string
	GOOS     string
}

// Default values
const (
	DefaultTimeout  = 1 * time.Second
	DefaultOverhead = 500 * time.Millisecond
	DefaultCommand  = "ping"
)

// replyPattern matches "time=23ms", "time=23.4 ms" and "time<1ms".
var replyPattern = regexp.MustCompile(`(?i)time\s*([=<])\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)

// PingProbe runs the operating system's ping once per measurement
type PingProbe struct {
	cfg    Config
	run    Runner
	logger *logging.Logger
}

// NewPingProbe creates a probe for the current platform
func NewPingProbe(cfg Config, logger *logging.Logger) *PingProbe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = DefaultOverhead
	}
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &PingProbe{
		cfg:    cfg,
		run:    execRunner,
		logger: logger.WithComponent("probe"),
	}
}

// WithRunner replaces the command runner, for tests
func (p *PingProbe) WithRunner(run Runner) *PingProbe {
	p.run = run
	return p
}

// Measure sends exactly one echo request. There is no retry; the poll
// interval is the retry cadence.
func (p *PingProbe) Measure(ctx context.Context, address string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout+p.cfg.Overhead)
	defer cancel()

	args := Args(p.cfg.GOOS, address, p.cfg.Timeout)
	out, err := p.run(ctx, p.cfg.Command, args...)
	if err != nil {
		p.logger.Debug().Err(err).Str("address", address).Msg("Ping failed")
		return Result{}, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}

	ms, ok := ParseLatency(out)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s: no reply time in output", ErrUnreachable, address)
	}

	return Result{Reachable: true, LatencyMs: ms}, nil
}

// Args builds the ping arguments for one echo request on goos
func Args(goos, address string, timeout time.Duration) []string {
	ms := timeout.Milliseconds()
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(ms, 10), address}
	case "darwin", "freebsd", "openbsd", "netbsd":
		return []string{"-c", "1", "-W", strconv.FormatInt(ms, 10), address}
	default:
		secs := int64(math.Ceil(timeout.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return []string{"-c", "1", "-W", strconv.FormatInt(secs, 10), address}
	}
}

// ParseLatency finds the reply time in ping output, rounded to whole
// milliseconds. "time<1ms" is reported as 0.
func ParseLatency(out []byte) (int, bool) {
	m := replyPattern.FindSubmatch(out)
	if m == nil {
		return 0, false
	}
	if string(m[1]) == "<" {
		return 0, true
	}

	v, err := strconv.ParseFloat(string(m[2]), 64)
	if err != nil {
		return 0, false
	}
	return int(math.Round(v)), true
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	hideWindow(cmd)
	return cmd.Output()
}
