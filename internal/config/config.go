package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/pingwatch/internal/security"
)

// Config represents the main configuration
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Poll       PollConfig       `yaml:"poll"`
	Probe      ProbeConfig      `yaml:"probe"`
	Stats      StatsConfig      `yaml:"stats"`
	Geo        GeoConfig        `yaml:"geo"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Export     ExportConfig     `yaml:"export"`
	Metrics    *MetricsConfig   `yaml:"metrics,omitempty"`
	Health     *HealthConfig    `yaml:"health,omitempty"`
	Tracing    *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling  *ProfilingConfig `yaml:"profiling,omitempty"`
	Shutdown   *ShutdownConfig  `yaml:"shutdown,omitempty"`
}

// LogConfig describes the game log being followed
type LogConfig struct {
	Path             string        `yaml:"path"`
	PreviousPath     string        `yaml:"previous_path"`
	ConnectMarker    string        `yaml:"connect_marker,omitempty"`
	DisconnectMarker string        `yaml:"disconnect_marker,omitempty"`
	StaleAfter       time.Duration `yaml:"stale_after,omitempty"`
	Watch            *bool         `yaml:"watch,omitempty"`
}

// WatchEnabled reports whether filesystem notifications should wake the
// poll loop early. Defaults to true.
func (l LogConfig) WatchEnabled() bool {
	return l.Watch == nil || *l.Watch
}

// PollConfig holds the poll loop cadence
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ProbeConfig holds latency probe configuration
type ProbeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Command string        `yaml:"command,omitempty"`
}

// StatsConfig holds sampler and stats log configuration
type StatsConfig struct {
	Window int    `yaml:"window"`
	Path   string `yaml:"path"`
}

// GeoConfig selects and configures the location resolver
type GeoConfig struct {
	Mode       string           `yaml:"mode"` // service, offline
	CacheDir   string           `yaml:"cache_dir"`
	Freshness  time.Duration    `yaml:"freshness"`
	UnknownLog string           `yaml:"unknown_log"`
	Service    GeoServiceConfig `yaml:"service"`
	Table      GeoTableConfig   `yaml:"table"`
	MMDB       *GeoMMDBConfig   `yaml:"mmdb,omitempty"`
}

// GeoServiceConfig holds lookup service configuration
type GeoServiceConfig struct {
	URL               string        `yaml:"url"`
	Fields            string        `yaml:"fields"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff,omitempty"`
	BreakerThreshold  int           `yaml:"breaker_threshold,omitempty"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout,omitempty"`
}

// GeoTableConfig holds the static network table and its updater
type GeoTableConfig struct {
	Path          string        `yaml:"path"`
	CommitsURL    string        `yaml:"commits_url,omitempty"`
	RawURL        string        `yaml:"raw_url,omitempty"`
	UpdateOnStart bool          `yaml:"update_on_start"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// GeoMMDBConfig points at MaxMind databases
type GeoMMDBConfig struct {
	CityPath string `yaml:"city_path,omitempty"`
	ASNPath  string `yaml:"asn_path,omitempty"`
}

// CheckpointConfig holds checkpoint configuration
type CheckpointConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

// IsEnabled defaults to true
func (c CheckpointConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
	File   string `yaml:"file,omitempty"`
}

// ExportConfig lists the optional session sinks
type ExportConfig struct {
	Timeout        time.Duration              `yaml:"timeout,omitempty"`
	CircuitBreaker *CircuitBreakerConfig      `yaml:"circuit_breaker,omitempty"`
	Kafka          *KafkaExportConfig         `yaml:"kafka,omitempty"`
	Elasticsearch  *ElasticsearchExportConfig `yaml:"elasticsearch,omitempty"`
	S3             *S3ExportConfig            `yaml:"s3,omitempty"`
	DeadLetter     DeadLetterConfig           `yaml:"dead_letter"`
}

// Enabled reports whether any sink is configured
func (e ExportConfig) Enabled() bool {
	return e.Kafka != nil || e.Elasticsearch != nil || e.S3 != nil
}

// DeadLetterConfig holds the queue for sessions a sink rejected
type DeadLetterConfig struct {
	Dir     string        `yaml:"dir"`
	MaxSize int           `yaml:"max_size,omitempty"`
	MaxAge  time.Duration `yaml:"max_age,omitempty"`
}

// TLSConfig points at PEM files for an outbound TLS connection
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// KafkaExportConfig holds Kafka-specific configuration
type KafkaExportConfig struct {
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	ClientID         string        `yaml:"client_id,omitempty"`
	Version          string        `yaml:"version,omitempty"`
	RequiredAcks     int16         `yaml:"required_acks,omitempty"`
	CompressionCodec string        `yaml:"compression_codec,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	SASLEnabled      bool          `yaml:"sasl_enabled,omitempty"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string        `yaml:"sasl_username,omitempty"`
	SASLPassword     string        `yaml:"sasl_password,omitempty"` // env:VAR and file:PATH are resolved
	EnableTLS        bool          `yaml:"enable_tls,omitempty"`
	TLS              *TLSConfig    `yaml:"tls,omitempty"`
}

// ElasticsearchExportConfig holds Elasticsearch-specific configuration
type ElasticsearchExportConfig struct {
	Addresses  []string   `yaml:"addresses"`
	Index      string     `yaml:"index"`
	Pipeline   string     `yaml:"pipeline,omitempty"`
	Username   string     `yaml:"username,omitempty"`
	Password   string     `yaml:"password,omitempty"`
	CloudID    string     `yaml:"cloud_id,omitempty"`
	APIKey     string     `yaml:"api_key,omitempty"`
	MaxRetries int        `yaml:"max_retries,omitempty"`
	TLS        *TLSConfig `yaml:"tls,omitempty"`
}

// S3ExportConfig holds S3-specific configuration
type S3ExportConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix,omitempty"`
	KeyTemplate  string `yaml:"key_template,omitempty"`
	StorageClass string `yaml:"storage_class,omitempty"`
	Compression  string `yaml:"compression,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig holds the pprof debug server and profile dumps
type ProfilingConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Address            string `yaml:"address"`
	CPUProfilePath     string `yaml:"cpu_profile,omitempty"`
	MemProfilePath     string `yaml:"mem_profile,omitempty"`
	BlockProfile       bool   `yaml:"block_profile,omitempty"`
	MutexProfile       bool   `yaml:"mutex_profile,omitempty"`
	GoroutineThreshold int    `yaml:"goroutine_threshold,omitempty"`
}

// ShutdownConfig bounds the cleanup phase
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Default values
const (
	DefaultPollInterval      = 1 * time.Second
	DefaultProbeTimeout      = 1 * time.Second
	DefaultStaleAfter        = 1 * time.Hour
	DefaultStatsWindow       = 10
	DefaultGeoMode           = "service"
	DefaultFreshness         = 7 * 24 * time.Hour
	DefaultServiceURL        = "http://ip-api.com/json/"
	DefaultServiceFields     = "66846719"
	DefaultServiceTimeout    = 5 * time.Second
	DefaultRequestsPerMinute = 45
	DefaultServiceRetries    = 5
	DefaultTableCommitsURL   = "https://api.github.com/repos/notatallshaw/fall_guys_ping_estimate/commits?path=fgpe%2Fdata%2FFall_Guys_IP_Networks.csv"
	DefaultTableRawURL       = "https://raw.githubusercontent.com/notatallshaw/fall_guys_ping_estimate/main/fgpe/data/Fall_Guys_IP_Networks.csv"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
	DefaultMetricsAddress    = "127.0.0.1:9464"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultProfilingAddress  = "localhost:6060"
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration. Relative
// data file paths are placed under DataDir.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}

	if c.Log.Path == "" {
		c.Log.Path = DefaultLogPath()
	}
	if c.Log.PreviousPath == "" {
		c.Log.PreviousPath = filepath.Join(filepath.Dir(c.Log.Path), "Player-prev.log")
	}
	if c.Log.StaleAfter == 0 {
		c.Log.StaleAfter = DefaultStaleAfter
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = DefaultProbeTimeout
	}

	if c.Stats.Window == 0 {
		c.Stats.Window = DefaultStatsWindow
	}
	c.Stats.Path = c.dataPath(c.Stats.Path, "stats.csv")

	c.applyGeoDefaults()

	c.Checkpoint.Path = c.dataPath(c.Checkpoint.Path, "checkpoint.json")

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	if c.Metrics != nil {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}
	if c.Health != nil {
		if c.Health.LivenessPath == "" {
			c.Health.LivenessPath = "/health/live"
		}
		if c.Health.ReadinessPath == "" {
			c.Health.ReadinessPath = "/health/ready"
		}
		if c.Health.Timeout == 0 {
			c.Health.Timeout = 5 * time.Second
		}
	}
	c.Export.DeadLetter.Dir = c.dataPath(c.Export.DeadLetter.Dir, "dlq")
	if c.Profiling != nil && c.Profiling.Address == "" {
		c.Profiling.Address = DefaultProfilingAddress
	}
	if c.Tracing != nil && c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Shutdown == nil {
		c.Shutdown = &ShutdownConfig{}
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultShutdownTimeout
	}
}

func (c *Config) applyGeoDefaults() {
	g := &c.Geo
	if g.Mode == "" {
		g.Mode = DefaultGeoMode
	}
	g.CacheDir = c.dataPath(g.CacheDir, "cache")
	if g.Freshness == 0 {
		g.Freshness = DefaultFreshness
	}
	g.UnknownLog = c.dataPath(g.UnknownLog, "unknown_ips.csv")

	if g.Service.URL == "" {
		g.Service.URL = DefaultServiceURL
	}
	if g.Service.Fields == "" {
		g.Service.Fields = DefaultServiceFields
	}
	if g.Service.Timeout == 0 {
		g.Service.Timeout = DefaultServiceTimeout
	}
	if g.Service.RequestsPerMinute == 0 {
		g.Service.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if g.Service.MaxRetries == 0 {
		g.Service.MaxRetries = DefaultServiceRetries
	}

	g.Table.Path = c.dataPath(g.Table.Path, "Fall_Guys_IP_Networks.csv")
	if g.Table.CommitsURL == "" {
		g.Table.CommitsURL = DefaultTableCommitsURL
	}
	if g.Table.RawURL == "" {
		g.Table.RawURL = DefaultTableRawURL
	}
}

func (c *Config) dataPath(path, name string) string {
	if path == "" {
		return filepath.Join(c.DataDir, name)
	}
	if !filepath.IsAbs(path) {
		return filepath.Join(c.DataDir, path)
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Log.Path == "" {
		return fmt.Errorf("log path must be configured")
	}
	if c.Log.StaleAfter < 0 {
		return fmt.Errorf("log stale_after must not be negative")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.Stats.Window < 1 {
		return fmt.Errorf("stats window must be at least 1, got %d", c.Stats.Window)
	}

	switch c.Geo.Mode {
	case "service", "offline":
	default:
		return fmt.Errorf("invalid geo mode: %s", c.Geo.Mode)
	}
	if c.Geo.Freshness <= 0 {
		return fmt.Errorf("geo freshness must be positive")
	}
	if c.Geo.Service.RequestsPerMinute < 0 {
		return fmt.Errorf("geo service requests_per_minute must not be negative")
	}

	if err := c.Export.validate(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Health != nil && c.Health.Enabled && c.Health.Address == "" {
		if c.Metrics == nil || !c.Metrics.Enabled {
			return fmt.Errorf("health checks need an address or an enabled metrics server")
		}
	}
	if c.Tracing != nil && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1")
	}

	return nil
}

func (e ExportConfig) validate() error {
	if k := e.Kafka; k != nil {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("kafka export has no brokers configured")
		}
		if k.Topic == "" {
			return fmt.Errorf("kafka export has no topic configured")
		}
		for _, b := range k.Brokers {
			if err := security.ValidateHostPort(b); err != nil {
				return fmt.Errorf("kafka export: %w", err)
			}
		}
		if k.SASLEnabled && k.SASLUsername == "" {
			return fmt.Errorf("kafka export enables SASL without a username")
		}
	}
	if es := e.Elasticsearch; es != nil {
		if len(es.Addresses) == 0 && es.CloudID == "" {
			return fmt.Errorf("elasticsearch export has no addresses configured")
		}
		if es.Index == "" {
			return fmt.Errorf("elasticsearch export has no index configured")
		}
	}
	if s3 := e.S3; s3 != nil {
		if s3.Bucket == "" {
			return fmt.Errorf("s3 export has no bucket configured")
		}
		if s3.Region == "" {
			return fmt.Errorf("s3 export has no region configured")
		}
		switch s3.Compression {
		case "", "none", "gzip", "snappy":
		default:
			return fmt.Errorf("invalid s3 compression: %s", s3.Compression)
		}
	}
	if e.DeadLetter.MaxSize < 0 || e.DeadLetter.MaxAge < 0 {
		return fmt.Errorf("dead_letter limits must not be negative")
	}
	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir is where caches, stats and checkpoints live
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pingwatch"
	}
	return filepath.Join(dir, "pingwatch")
}

// DefaultLogPath is where the game client writes Player.log
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "AppData", "LocalLow", "Mediatonic", "FallGuys_client", "Player.log")
	}
	return filepath.Join(home, ".config", "unity3d", "Mediatonic", "FallGuys_client", "Player.log")
}
