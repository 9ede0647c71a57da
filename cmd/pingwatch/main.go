package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/agent"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/probe"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/stats"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tailer"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tracing"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "0.1.0"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("pingwatch", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(*configFile)
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Status lines own stdout
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: os.Stderr,
	})
	logging.SetGlobal(logger)
	defer logger.Close()

	logger.Info().
		Str("version", version).
		Str("log", cfg.Log.Path).
		Str("data_dir", cfg.DataDir).
		Str("geo_mode", cfg.Geo.Mode).
		Msg("Starting pingwatch")

	ctx := context.Background()

	// Steps run in reverse order: the agent closes first, tracing last.
	sd := shutdown.New(shutdown.Config{Timeout: cfg.Shutdown.Timeout, Logger: logger})

	tp, err := tracing.NewProvider(ctx, tracingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	sd.RegisterFunc("tracing", tp.Shutdown)

	m := metrics.NewCollector()
	m.Start(0)
	sd.RegisterFunc("metrics", func(context.Context) error {
		m.Stop()
		return nil
	})

	if cfg.Profiling != nil && cfg.Profiling.Enabled {
		prof := profiling.New(profiling.Config{
			Enabled:            true,
			Address:            cfg.Profiling.Address,
			CPUProfilePath:     cfg.Profiling.CPUProfilePath,
			MemProfilePath:     cfg.Profiling.MemProfilePath,
			BlockProfile:       cfg.Profiling.BlockProfile,
			MutexProfile:       cfg.Profiling.MutexProfile,
			GoroutineThreshold: cfg.Profiling.GoroutineThreshold,
		}, m, logger)
		if err := prof.Start(); err != nil {
			return errors.Join(err, sd.Shutdown())
		}
		sd.RegisterComponent(prof)
	}

	exports, err := buildSinks(ctx, cfg, m, logger, sd)
	if err != nil {
		return errors.Join(err, sd.Shutdown())
	}
	sampler := stats.NewSampler(stats.Config{
		Window:        cfg.Stats.Window,
		RecordTimeout: cfg.Export.Timeout,
		Metrics:       m,
	}, logger, exports.recorders...)

	locator, err := buildGeo(cfg, m, logger, sd)
	if err != nil {
		return errors.Join(err, sd.Shutdown())
	}

	tl, err := tailer.New(tailer.Config{
		LogPath:          cfg.Log.Path,
		PreviousLogPath:  cfg.Log.PreviousPath,
		ConnectMarker:    cfg.Log.ConnectMarker,
		DisconnectMarker: cfg.Log.DisconnectMarker,
	}, logger)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create tailer: %w", err), sd.Shutdown())
	}

	var wake <-chan struct{}
	if cfg.Log.WatchEnabled() {
		w, err := tailer.NewWatcher([]string{cfg.Log.Path, cfg.Log.PreviousPath}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("File notifications unavailable, polling only")
		} else {
			wake = w.Wake()
			sd.RegisterFunc("watcher", func(context.Context) error { return w.Close() })
		}
	}

	var ckpt *checkpoint.Manager
	if cfg.Checkpoint.IsEnabled() {
		ckpt, err = checkpoint.NewManager(cfg.Checkpoint.Path)
		if err != nil {
			return errors.Join(err, sd.Shutdown())
		}
	}

	deps := agent.Deps{
		Tailer:     tl,
		Sampler:    sampler,
		Prober:     probe.NewPingProbe(probe.Config{Timeout: cfg.Probe.Timeout, Command: cfg.Probe.Command}, logger),
		Resolver:   locator.resolver,
		Checkpoint: ckpt,
		Wake:       wake,
		Metrics:    m,
		Tracer:     tp.Tracer(),
		Logger:     logger,
		Report:     printStatus,
	}
	if locator.updater != nil {
		deps.Updater = locator.updater
	}

	a, err := agent.New(agent.Config{
		LogPath:    cfg.Log.Path,
		Interval:   cfg.Poll.Interval,
		StaleAfter: cfg.Log.StaleAfter,
	}, deps)
	if err != nil {
		return errors.Join(err, sd.Shutdown())
	}
	// A missing log is normal before the game first runs
	_ = a.CheckLogPath()

	if _, err := startServer(cfg, m, a, locator, exports, logger, sd); err != nil {
		return errors.Join(err, sd.Shutdown())
	}

	sd.RegisterFunc("agent", a.Close)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		sd.WaitForSignal(runCtx)
		cancel()
	}()

	a.Prepare(runCtx)
	runErr := a.Run(runCtx)

	logger.Info().Msg("Poll loop stopped")
	return errors.Join(runErr, sd.Shutdown())
}

func printStatus(st agent.Status) {
	fmt.Fprintln(os.Stdout, st.Text)
}
