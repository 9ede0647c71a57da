package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/agent"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/config"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/geo"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/probe"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/stats"
	"github.com/therealutkarshpriyadarshi/pingwatch/internal/tailer"
)

// loadTestConfig writes body under a fresh data directory and loads it
func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "data_dir: " + dir + "\nlog:\n  path: " + filepath.Join(dir, "Player.log") + "\n" + body
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func newShutdown(t *testing.T) *shutdown.Manager {
	t.Helper()
	sd := shutdown.New(shutdown.Config{Logger: logging.Nop()})
	t.Cleanup(func() { sd.Shutdown() })
	return sd
}

// isolateAWS keeps the default credential chain away from the host's files
func isolateAWS(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
}

func TestTracingConfig(t *testing.T) {
	cfg := loadTestConfig(t, "")
	if got := tracingConfig(cfg); got.Enabled {
		t.Errorf("expected tracing disabled without a tracing section, got %+v", got)
	}

	cfg = loadTestConfig(t, "tracing:\n  enabled: true\n  endpoint: collector:4317\n  insecure: true\n")
	got := tracingConfig(cfg)
	if !got.Enabled || got.Endpoint != "collector:4317" || !got.Insecure || got.SampleRate != 1.0 {
		t.Errorf("unexpected tracing config %+v", got)
	}
}

func TestBuildSinksStatsOnly(t *testing.T) {
	cfg := loadTestConfig(t, "")
	sd := newShutdown(t)

	s, err := buildSinks(context.Background(), cfg, metrics.NewCollector(), logging.Nop(), sd)
	if err != nil {
		t.Fatalf("buildSinks() error = %v", err)
	}
	if len(s.recorders) != 1 || s.recorders[0].Name() != "csv" {
		t.Errorf("expected only the stats CSV, got %d recorders", len(s.recorders))
	}
	if len(s.guarded) != 0 {
		t.Errorf("expected no export sinks, got %d", len(s.guarded))
	}
	if _, err := os.Stat(cfg.Export.DeadLetter.Dir); !os.IsNotExist(err) {
		t.Errorf("dead-letter directory should not exist without exports, stat err = %v", err)
	}
}

func TestBuildSinksS3(t *testing.T) {
	isolateAWS(t)
	cfg := loadTestConfig(t, `
export:
  s3:
    bucket: sessions
    region: eu-west-1
    endpoint: http://127.0.0.1:1
    use_path_style: true
    compression: gzip
`)
	sd := newShutdown(t)

	s, err := buildSinks(context.Background(), cfg, metrics.NewCollector(), logging.Nop(), sd)
	if err != nil {
		t.Fatalf("buildSinks() error = %v", err)
	}
	if len(s.recorders) != 2 {
		t.Fatalf("expected stats CSV plus one export, got %d recorders", len(s.recorders))
	}
	if len(s.guarded) != 1 || s.guarded[0].Name() != "s3" {
		t.Fatalf("expected guarded s3 sink, got %+v", s.guarded)
	}
	if _, err := os.Stat(cfg.Export.DeadLetter.Dir); err != nil {
		t.Errorf("expected dead-letter directory: %v", err)
	}
	if err := sd.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestBuildSinksUnresolvedSecret(t *testing.T) {
	cfg := loadTestConfig(t, `
export:
  kafka:
    brokers: ["127.0.0.1:9092"]
    topic: sessions
    sasl_enabled: true
    sasl_username: pingwatch
    sasl_password: env:PINGWATCH_TEST_UNSET_SECRET
`)
	sd := newShutdown(t)

	_, err := buildSinks(context.Background(), cfg, metrics.NewCollector(), logging.Nop(), sd)
	if err == nil || !strings.Contains(err.Error(), "PINGWATCH_TEST_UNSET_SECRET") {
		t.Errorf("expected unresolved secret error, got %v", err)
	}
}

func TestBuildGeoOffline(t *testing.T) {
	cfg := loadTestConfig(t, "geo:\n  mode: offline\n")
	table := "network,region,location,provider\n34.240.0.0/13,EU,Ireland,AWS\nnot-a-network,EU,Bad,AWS\n"
	if err := os.WriteFile(cfg.Geo.Table.Path, []byte(table), 0644); err != nil {
		t.Fatal(err)
	}
	sd := newShutdown(t)

	g, err := buildGeo(cfg, metrics.NewCollector(), logging.Nop(), sd)
	if err != nil {
		t.Fatalf("buildGeo() error = %v", err)
	}
	if _, ok := g.resolver.(*geo.OfflineResolver); !ok {
		t.Errorf("expected offline resolver, got %T", g.resolver)
	}
	if g.breaker != nil || g.updater != nil {
		t.Error("offline mode without update_on_start should have no breaker or updater")
	}

	loc, err := g.resolver.Resolve(context.Background(), "34.240.1.1")
	if err != nil || loc.Place != "Ireland" {
		t.Errorf("Resolve() = %+v, %v", loc, err)
	}
}

func TestBuildGeoService(t *testing.T) {
	cfg := loadTestConfig(t, `
geo:
  mode: service
  service:
    url: http://127.0.0.1:1/json/
  table:
    update_on_start: true
`)
	sd := newShutdown(t)

	g, err := buildGeo(cfg, metrics.NewCollector(), logging.Nop(), sd)
	if err != nil {
		t.Fatalf("buildGeo() error = %v", err)
	}
	if _, ok := g.resolver.(*geo.ServiceResolver); !ok {
		t.Errorf("expected service resolver, got %T", g.resolver)
	}
	if g.breaker == nil {
		t.Error("expected service breaker to be exposed")
	}
	if g.updater == nil {
		t.Error("expected table updater")
	}
}

func newTestAgent(t *testing.T, cfg *config.Config, resolver geo.Resolver) *agent.Agent {
	t.Helper()
	tl, err := tailer.New(tailer.Config{LogPath: cfg.Log.Path}, nil)
	if err != nil {
		t.Fatal(err)
	}
	a, err := agent.New(agent.Config{LogPath: cfg.Log.Path, Interval: cfg.Poll.Interval}, agent.Deps{
		Tailer:   tl,
		Sampler:  stats.NewSampler(stats.Config{}, nil),
		Prober:   probe.NewPingProbe(probe.Config{}, nil),
		Resolver: resolver,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestStartServerDisabled(t *testing.T) {
	cfg := loadTestConfig(t, "")
	sd := newShutdown(t)
	a := newTestAgent(t, cfg, geo.NewOfflineResolver(nil, nil, nil, nil, nil))

	srv, err := startServer(cfg, metrics.NewCollector(), a, geoStack{}, sinks{}, logging.Nop(), sd)
	if err != nil || srv != nil {
		t.Errorf("startServer() = %v, %v; expected nothing started", srv, err)
	}
}

func TestStartServerSharedListener(t *testing.T) {
	cfg := loadTestConfig(t, `
metrics:
  enabled: true
  address: 127.0.0.1:0
health:
  enabled: true
`)
	sd := newShutdown(t)
	m := metrics.NewCollector()
	resolver := geo.NewOfflineResolver(nil, nil, nil, m, nil)
	a := newTestAgent(t, cfg, resolver)

	srv, err := startServer(cfg, m, a, geoStack{resolver: resolver}, sinks{}, logging.Nop(), sd)
	if err != nil {
		t.Fatalf("startServer() error = %v", err)
	}
	if len(srv.Addrs()) != 1 {
		t.Fatalf("expected one shared listener, got %v", srv.Addrs())
	}
	base := "http://" + srv.Addrs()[0]

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	// No log and no cycle yet: degraded, which still reports ready.
	resp, err = http.Get(base + "/health/ready")
	if err != nil {
		t.Fatalf("GET /health/ready: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readiness status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded readiness, got %v", body["status"])
	}
}

func TestPrintStatus(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w
	printStatus(agent.Status{Text: agent.TextNotConnected})
	os.Stdout = stdout
	w.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != agent.TextNotConnected+"\n" {
		t.Errorf("printStatus wrote %q", got)
	}
}
