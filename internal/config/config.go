// Package config handles loading and validation of platelookup
// configuration from YAML files and environment variables. Environment
// variables always override file-based values. Env var names follow the
// struct path with a PLATELOOKUP_ prefix:
//
//	upstream.base_url → PLATELOOKUP_UPSTREAM_BASE_URL
//	quota.production_max_requests → PLATELOOKUP_QUOTA_PRODUCTION_MAX_REQUESTS
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via PLATELOOKUP_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/platelookup/config.yaml"

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PLATELOOKUP_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// Environment selects which quota ceiling applies.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentDevelopment Environment = "development"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvironmentProduction, EnvironmentDevelopment:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level platelookup configuration.
type Config struct {
	Admin    AdminConfig    `yaml:"admin"    envPrefix:"ADMIN_"`
	Upstream UpstreamConfig `yaml:"upstream" envPrefix:"UPSTREAM_"`
	Cache    CacheConfig    `yaml:"cache"    envPrefix:"CACHE_"`
	Quota    QuotaConfig    `yaml:"quota"    envPrefix:"QUOTA_"`
	Breaker  BreakerConfig  `yaml:"breaker"  envPrefix:"BREAKER_"`
	Lookup   LookupConfig   `yaml:"lookup"   envPrefix:"LOOKUP_"`
	Events   EventsConfig   `yaml:"events"   envPrefix:"EVENTS_"`
	Logging  LoggingConfig  `yaml:"logging"  envPrefix:"LOGGING_"`
	Tracing  TracingConfig  `yaml:"tracing"  envPrefix:"TRACING_"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// UpstreamConfig describes the third-party plate API.
type UpstreamConfig struct {
	BaseURL         string         `yaml:"base_url"          env:"BASE_URL"`
	Email           string         `yaml:"email"             env:"EMAIL"`
	APIKey          RedactedString `yaml:"api_key"           env:"API_KEY"`
	Timeout         string         `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int            `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string         `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`

	// MaxResponseBytes caps the upstream body read. 0 uses the default (64 KiB).
	MaxResponseBytes int64 `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	// MaxConcurrentRequests caps in-flight upstream calls. 0 means unlimited.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" env:"MAX_CONCURRENT_REQUESTS"`
	// MaxRPS paces outbound requests. 0 disables pacing.
	MaxRPS float64 `yaml:"max_rps" env:"MAX_RPS"`
}

// CacheConfig holds the record cache settings.
type CacheConfig struct {
	TTL        string `yaml:"ttl"         env:"TTL"`
	MaxEntries int    `yaml:"max_entries" env:"MAX_ENTRIES"`
}

// QuotaConfig holds the per-client lookup quota.
type QuotaConfig struct {
	Environment            Environment `yaml:"environment"              env:"ENVIRONMENT"`
	Window                 string      `yaml:"window"                   env:"WINDOW"`
	ProductionMaxRequests  int         `yaml:"production_max_requests"  env:"PRODUCTION_MAX_REQUESTS"`
	DevelopmentMaxRequests int         `yaml:"development_max_requests" env:"DEVELOPMENT_MAX_REQUESTS"`
}

// Limit returns the ceiling for the configured environment.
func (q QuotaConfig) Limit() int {
	if q.Environment == EnvironmentDevelopment {
		return q.DevelopmentMaxRequests
	}
	return q.ProductionMaxRequests
}

// BreakerConfig holds circuit breaker tuning parameters for upstream calls.
type BreakerConfig struct {
	// Timeout bounds a single upstream call; expiry counts as a failure.
	Timeout                  string `yaml:"timeout"                    env:"TIMEOUT"`
	ErrorThresholdPercentage int    `yaml:"error_threshold_percentage" env:"ERROR_THRESHOLD_PERCENTAGE"`
	ResetTimeout             string `yaml:"reset_timeout"              env:"RESET_TIMEOUT"`
	VolumeThreshold          int    `yaml:"volume_threshold"           env:"VOLUME_THRESHOLD"`
	RollingWindow            string `yaml:"rolling_window"             env:"ROLLING_WINDOW"`
	RollingBuckets           int    `yaml:"rolling_buckets"            env:"ROLLING_BUCKETS"`
}

// LookupConfig holds orchestrator settings.
type LookupConfig struct {
	// DedupeInflight collapses concurrent upstream calls for the same plate.
	DedupeInflight bool `yaml:"dedupe_inflight" env:"DEDUPE_INFLIGHT"`
	// JanitorInterval is how often expired quota windows and cache index
	// entries are swept. "0" disables the janitor.
	JanitorInterval string `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
}

// EventsConfig holds optional lookup event emission settings. When enabled,
// every lookup outcome is posted in batches to an HTTP receiver (webhook
// pattern).
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	// MaxRetries is how many times a failed batch is re-sent before it is
	// dropped. 0 sends once.
	MaxRetries   int    `yaml:"max_retries"   env:"MAX_RETRIES"`
	RetryBackoff string `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL     string            `yaml:"url"     env:"URL"`
	Headers map[string]string `yaml:"headers" env:"HEADERS"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "15s",
			IdleTimeout:  "30s",
			DrainTimeout: "15s",
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://api.consultarplaca.com.br/v2",
			Timeout:               "10s",
			MaxIdleConns:          16,
			IdleConnTimeout:       "90s",
			MaxResponseBytes:      64 << 10,
			MaxConcurrentRequests: 50,
		},
		Cache: CacheConfig{
			TTL:        "24h",
			MaxEntries: 10_000,
		},
		Quota: QuotaConfig{
			Environment:            EnvironmentProduction,
			Window:                 "15m",
			ProductionMaxRequests:  20,
			DevelopmentMaxRequests: 200,
		},
		Breaker: BreakerConfig{
			Timeout:                  "10s",
			ErrorThresholdPercentage: 50,
			ResetTimeout:             "30s",
			VolumeThreshold:          5,
			RollingWindow:            "10s",
			RollingBuckets:           10,
		},
		Lookup: LookupConfig{
			DedupeInflight:  true,
			JanitorInterval: "1m",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10_000,
			MaxRetries:    3,
			RetryBackoff:  "100ms",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "platelookup",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv(EnvPrefix + "CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/platelookup/config.yaml
// and can be overridden via PLATELOOKUP_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and trims values that are commonly
// pasted with stray whitespace.
func (cfg *Config) normalize() {
	cfg.Quota.Environment = Environment(strings.ToLower(strings.TrimSpace(string(cfg.Quota.Environment))))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	cfg.Upstream.Email = strings.TrimSpace(cfg.Upstream.Email)
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateCache(cfg); err != nil {
		return err
	}
	if err := validateQuota(cfg); err != nil {
		return err
	}
	if err := validateBreaker(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateUpstream(cfg *Config) error {
	u := cfg.Upstream
	if u.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	parsed, err := url.Parse(u.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream.base_url %q: %w", u.BaseURL, err)
	}
	if parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("invalid upstream.base_url %q: http(s) scheme and host are required", u.BaseURL)
	}
	if u.Email == "" {
		return fmt.Errorf("upstream.email is required")
	}
	if u.APIKey == "" {
		return fmt.Errorf("upstream.api_key is required")
	}
	if u.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be >= 0")
	}
	if u.MaxConcurrentRequests < 0 {
		return fmt.Errorf("upstream.max_concurrent_requests must be >= 0")
	}
	if u.MaxRPS < 0 {
		return fmt.Errorf("upstream.max_rps must be >= 0")
	}
	return nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"admin.drain_timeout", cfg.Admin.DrainTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"cache.ttl", cfg.Cache.TTL},
		{"quota.window", cfg.Quota.Window},
		{"breaker.timeout", cfg.Breaker.Timeout},
		{"breaker.reset_timeout", cfg.Breaker.ResetTimeout},
		{"breaker.rolling_window", cfg.Breaker.RollingWindow},
		{"lookup.janitor_interval", cfg.Lookup.JanitorInterval},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"events.retry_backoff", cfg.Events.RetryBackoff},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateCache(cfg *Config) error {
	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be >= 0")
	}
	return nil
}

func validateQuota(cfg *Config) error {
	q := cfg.Quota
	if !q.Environment.Valid() {
		return fmt.Errorf("invalid quota.environment %q: must be production or development", q.Environment)
	}
	if q.ProductionMaxRequests < 1 {
		return fmt.Errorf("quota.production_max_requests must be >= 1")
	}
	if q.DevelopmentMaxRequests < 1 {
		return fmt.Errorf("quota.development_max_requests must be >= 1")
	}
	if w := MustParseDuration(q.Window, 0); w == 0 && q.Window != "" {
		return fmt.Errorf("quota.window must be positive")
	}
	return nil
}

func validateBreaker(cfg *Config) error {
	b := cfg.Breaker
	if b.ErrorThresholdPercentage < 0 || b.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("breaker.error_threshold_percentage must be between 0 and 100")
	}
	if b.VolumeThreshold < 0 {
		return fmt.Errorf("breaker.volume_threshold must be >= 0")
	}
	if b.RollingBuckets < 0 {
		return fmt.Errorf("breaker.rolling_buckets must be >= 0")
	}
	window := MustParseDuration(b.RollingWindow, 10*time.Second)
	if b.RollingBuckets > 0 && window/time.Duration(b.RollingBuckets) < time.Millisecond {
		return fmt.Errorf("breaker.rolling_window %q is too short for %d buckets", b.RollingWindow, b.RollingBuckets)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if cfg.Events.Enabled && cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	if cfg.Events.BatchSize < 0 || cfg.Events.BufferSize < 0 {
		return fmt.Errorf("events.batch_size and events.buffer_size must be >= 0")
	}
	if cfg.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be >= 0")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Upstream.BaseURL != old.Upstream.BaseURL {
		fields = append(fields, "upstream.base_url")
	}
	if c.Upstream.Email != old.Upstream.Email || c.Upstream.APIKey != old.Upstream.APIKey {
		fields = append(fields, "upstream.credentials")
	}
	if c.Upstream.MaxConcurrentRequests != old.Upstream.MaxConcurrentRequests {
		fields = append(fields, "upstream.max_concurrent_requests")
	}
	if c.Cache.MaxEntries != old.Cache.MaxEntries {
		fields = append(fields, "cache.max_entries")
	}
	if c.Events.Enabled != old.Events.Enabled || c.Events.HTTP.URL != old.Events.HTTP.URL {
		fields = append(fields, "events")
	}
	if c.Tracing != old.Tracing {
		fields = append(fields, "tracing")
	}
	return fields
}
