package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/agent"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/export"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/geo"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/health"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/reliability"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/security"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/server"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/stats"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tracing"
)

func tracingConfig(cfg *config.Config) tracing.Config {
	if cfg.Tracing == nil {
		return tracing.Config{}
	}
	return tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		Insecure:   cfg.Tracing.Insecure,
		SampleRate: cfg.Tracing.SampleRate,
	}
}

type sinks struct {
	recorders []stats.Recorder
	guarded   []*export.Guarded
}

// buildSinks opens the stats CSV and every configured export sink
func buildSinks(ctx context.Context, cfg *config.Config, m *metrics.Collector, logger *logging.Logger, sd *shutdown.Manager) (sinks, error) {
	var out sinks

	csvLog, err := stats.NewCSVLog(cfg.Stats.Path)
	if err != nil {
		return out, fmt.Errorf("failed to open stats log: %w", err)
	}
	out.recorders = append(out.recorders, csvLog)

	if !cfg.Export.Enabled() {
		return out, nil
	}

	queue, err := dlq.NewDeadLetterQueue(dlq.DLQConfig{
		Dir:     cfg.Export.DeadLetter.Dir,
		MaxSize: cfg.Export.DeadLetter.MaxSize,
		MaxAge:  cfg.Export.DeadLetter.MaxAge,
	})
	if err != nil {
		return out, err
	}
	sd.RegisterFunc("dead-letter", func(context.Context) error { return queue.Close() })
	if n := queue.Size(); n > 0 {
		logger.Info().Int("sessions", n).Msg("Undelivered sessions waiting for export")
	}

	breaker := reliability.CircuitBreakerConfig{}
	if cb := cfg.Export.CircuitBreaker; cb != nil {
		breaker.FailureThreshold = cb.FailureThreshold
		breaker.OpenTimeout = cb.Timeout
	}

	exporters, err := openExporters(ctx, cfg.Export, logger)
	if err != nil {
		return out, err
	}
	for _, rec := range exporters {
		g := export.NewGuarded(rec, breaker, m).WithQueue(queue).WithLogger(logger)
		out.recorders = append(out.recorders, g)
		out.guarded = append(out.guarded, g)
		sd.RegisterFunc("export-"+rec.Name(), func(context.Context) error { return rec.Close() })
	}
	return out, nil
}

func openExporters(ctx context.Context, cfg config.ExportConfig, logger *logging.Logger) ([]export.Recorder, error) {
	var recs []export.Recorder

	if k := cfg.Kafka; k != nil {
		tlsCfg, err := security.LoadTLSConfig(tlsOf(k.TLS))
		if err != nil {
			return nil, fmt.Errorf("kafka export: %w", err)
		}
		password, err := security.ResolveSecret(k.SASLPassword)
		if err != nil {
			return nil, fmt.Errorf("kafka export: %w", err)
		}
		rec, err := export.NewKafkaRecorder(export.KafkaConfig{
			Brokers:          k.Brokers,
			Topic:            k.Topic,
			ClientID:         k.ClientID,
			Version:          k.Version,
			RequiredAcks:     k.RequiredAcks,
			CompressionCodec: k.CompressionCodec,
			Timeout:          k.Timeout,
			EnableTLS:        k.EnableTLS,
			TLS:              tlsCfg,
			SASLEnabled:      k.SASLEnabled,
			SASLMechanism:    k.SASLMechanism,
			SASLUsername:     k.SASLUsername,
			SASLPassword:     password,
		})
		if err != nil {
			return nil, err
		}
		logSink(logger, "kafka", map[string]string{
			"brokers":       strings.Join(k.Brokers, ","),
			"topic":         k.Topic,
			"sasl_username": k.SASLUsername,
			"sasl_password": password,
		})
		recs = append(recs, rec)
	}

	if es := cfg.Elasticsearch; es != nil {
		tlsCfg, err := security.LoadTLSConfig(tlsOf(es.TLS))
		if err != nil {
			return nil, fmt.Errorf("elasticsearch export: %w", err)
		}
		password, err := security.ResolveSecret(es.Password)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch export: %w", err)
		}
		apiKey, err := security.ResolveSecret(es.APIKey)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch export: %w", err)
		}
		rec, err := export.NewElasticsearchRecorder(export.ElasticsearchConfig{
			Addresses:  es.Addresses,
			Index:      es.Index,
			Pipeline:   es.Pipeline,
			Username:   es.Username,
			Password:   password,
			CloudID:    es.CloudID,
			APIKey:     apiKey,
			MaxRetries: es.MaxRetries,
			TLS:        tlsCfg,
		})
		if err != nil {
			return nil, err
		}
		logSink(logger, "elasticsearch", map[string]string{
			"addresses": strings.Join(es.Addresses, ","),
			"index":     es.Index,
			"username":  es.Username,
			"password":  password,
			"api_key":   apiKey,
		})
		recs = append(recs, rec)
	}

	if s := cfg.S3; s != nil {
		rec, err := export.NewS3Recorder(ctx, export.S3Config{
			Bucket:       s.Bucket,
			Region:       s.Region,
			Prefix:       s.Prefix,
			KeyTemplate:  s.KeyTemplate,
			StorageClass: s.StorageClass,
			Compression:  export.CompressionType(s.Compression),
			Endpoint:     s.Endpoint,
			UsePathStyle: s.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		logSink(logger, "s3", map[string]string{
			"bucket":      s.Bucket,
			"region":      s.Region,
			"compression": s.Compression,
		})
		recs = append(recs, rec)
	}

	return recs, nil
}

func tlsOf(c *config.TLSConfig) *security.TLSConfig {
	if c == nil {
		return nil
	}
	return &security.TLSConfig{
		Enabled:            c.Enabled,
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

func logSink(logger *logging.Logger, name string, fields map[string]string) {
	ev := logger.Info().Str("sink", name)
	for k, v := range security.Redact(fields) {
		ev = ev.Str(k, v)
	}
	ev.Msg("Export sink configured")
}

type geoStack struct {
	resolver geo.Resolver
	updater  *geo.TableUpdater
	// breaker reports the lookup service's breaker; nil in offline mode
	breaker func() reliability.State
}

// buildGeo assembles the offline resolver and, in service mode, the cached
// lookup service in front of it.
func buildGeo(cfg *config.Config, m *metrics.Collector, logger *logging.Logger, sd *shutdown.Manager) (geoStack, error) {
	var out geoStack
	g := cfg.Geo

	audit, err := geo.NewUnknownLog(g.UnknownLog, nil)
	if err != nil {
		return out, err
	}

	table, skipped, err := geo.LoadTable(g.Table.Path)
	if err != nil {
		logger.Warn().Err(err).Str("path", g.Table.Path).Msg("Network table unreadable, continuing without it")
		table = nil
	} else if skipped > 0 {
		logger.Warn().Int("skipped", skipped).Str("path", g.Table.Path).Msg("Ignored malformed network table rows")
	}

	var mmdb *geo.MMDB
	if g.MMDB != nil {
		mmdb, err = geo.OpenMMDB(g.MMDB.CityPath, g.MMDB.ASNPath)
		if err != nil {
			return out, err
		}
		sd.RegisterFunc("mmdb", func(context.Context) error { return mmdb.Close() })
	}

	offline := geo.NewOfflineResolver(table, mmdb, audit, m, logger)
	if g.Table.UpdateOnStart {
		out.updater, err = geo.NewTableUpdater(geo.UpdaterConfig{
			CommitsURL: g.Table.CommitsURL,
			RawURL:     g.Table.RawURL,
			Path:       g.Table.Path,
			Timeout:    g.Table.Timeout,
		}, offline, m, logger)
		if err != nil {
			return out, err
		}
	}

	if g.Mode == "offline" {
		out.resolver = offline
		return out, nil
	}

	cache, err := geo.NewCache(geo.CacheConfig{Dir: g.CacheDir, Window: g.Freshness})
	if err != nil {
		return out, err
	}
	if err := cache.Load(); err != nil {
		logger.Warn().Err(err).Str("dir", g.CacheDir).Msg("Location cache unreadable, starting empty")
	}
	sd.RegisterFunc("geo-cache", func(context.Context) error { return cache.Save() })

	client := geo.NewServiceClient(geo.ServiceConfig{
		BaseURL:           g.Service.URL,
		Fields:            g.Service.Fields,
		Timeout:           g.Service.Timeout,
		RequestsPerMinute: g.Service.RequestsPerMinute,
		MaxRetries:        g.Service.MaxRetries,
		InitialBackoff:    g.Service.InitialBackoff,
		BreakerThreshold:  g.Service.BreakerThreshold,
		BreakerTimeout:    g.Service.BreakerTimeout,
	}, m, logger)

	out.resolver = geo.NewServiceResolver(cache, client, offline, m, logger)
	out.breaker = client.Breaker
	return out, nil
}

// startServer exposes metrics and health when either is enabled. It returns
// nil when both are off.
func startServer(cfg *config.Config, m *metrics.Collector, a *agent.Agent, gs geoStack, s sinks, logger *logging.Logger, sd *shutdown.Manager) (*server.Server, error) {
	metricsOn := cfg.Metrics != nil && cfg.Metrics.Enabled
	healthOn := cfg.Health != nil && cfg.Health.Enabled
	if !metricsOn && !healthOn {
		return nil, nil
	}

	srvCfg := server.Config{Logger: logger}
	if metricsOn {
		srvCfg.MetricsAddress = cfg.Metrics.Address
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsRegistry = m.Registry()
	}
	if healthOn {
		checker := health.NewChecker(cfg.Health.Timeout, m)
		checker.Register("game_log", health.LogFile(cfg.Log.Path))
		// A cycle can take a full probe timeout on top of the interval.
		checker.Register("poll_loop", health.PollLoop(a.LastCycle, 3*cfg.Poll.Interval+cfg.Probe.Timeout))
		if gs.breaker != nil {
			checker.Register("geo_service", health.Breaker(gs.breaker))
		}
		for _, g := range s.guarded {
			checker.Register("export_"+g.Name(), health.Breaker(g.State))
		}

		srvCfg.HealthAddress = cfg.Health.Address
		srvCfg.LivenessPath = cfg.Health.LivenessPath
		srvCfg.ReadinessPath = cfg.Health.ReadinessPath
		srvCfg.HealthChecker = checker
	}

	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	sd.RegisterFunc("server", srv.Stop)
	return srv, nil
}
