// Package config handles loading and validating switchboard configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for switchboard.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`           // Default: ~/.switchboard/data. Override: SWITCHBOARD_DATA_DIR.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under DataDir
	Database      *DatabaseConfig      `json:"database,omitempty" yaml:"database,omitempty"`           // Generic table executor settings.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Orchestrator  *OrchestratorConfig  `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`
	Webhook       *WebhookConfig       `json:"webhook,omitempty" yaml:"webhook,omitempty"`             // nil = notify intents are not served
	Memory        *MemoryConfig        `json:"memory,omitempty" yaml:"memory,omitempty"`               // nil = no conversation history
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/switchboard.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// DatabaseConfig configures the generic table executor.
type DatabaseConfig struct {
	Namespace               string `json:"namespace" yaml:"namespace"`                                 // Schema (postgres) or table prefix (sqlite) for generic tables. Default: "user_data".
	DSN                     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                         // Optional dedicated postgres DSN. Empty = reuse the storage connection.
	DefaultRows             int    `json:"default_rows" yaml:"default_rows"`                           // Default: 10
	MaxRows                 int    `json:"max_rows" yaml:"max_rows"`                                   // Default: 100
	StatementTimeoutSeconds int    `json:"statement_timeout_seconds" yaml:"statement_timeout_seconds"` // Default: 30
}

// NamespaceName returns the generic table namespace with a default of "user_data".
func (d *DatabaseConfig) NamespaceName() string {
	if d != nil && d.Namespace != "" {
		return strings.ToLower(d.Namespace)
	}
	return "user_data"
}

// RowLimits returns the default and maximum row counts for reads.
func (d *DatabaseConfig) RowLimits() (defaultRows, maxRows int) {
	defaultRows, maxRows = 10, 100
	if d != nil && d.DefaultRows > 0 {
		defaultRows = d.DefaultRows
	}
	if d != nil && d.MaxRows > 0 {
		maxRows = d.MaxRows
	}
	if defaultRows > maxRows {
		defaultRows = maxRows
	}
	return defaultRows, maxRows
}

// StatementTimeout returns the per-call executor timeout with a default of 30s.
func (d *DatabaseConfig) StatementTimeout() time.Duration {
	if d != nil && d.StatementTimeoutSeconds > 0 {
		return time.Duration(d.StatementTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// OrchestratorConfig configures intent dispatch.
type OrchestratorConfig struct {
	StepTimeoutSeconds int `json:"step_timeout_seconds" yaml:"step_timeout_seconds"` // Default: 30
	MaxIntents         int `json:"max_intents" yaml:"max_intents"`                   // Default: 8
	RetryBackoffMS     int `json:"retry_backoff_ms" yaml:"retry_backoff_ms"`         // Delay before the single read-only retry. Default: 200
}

// StepTimeout returns the per-step timeout with a default of 30s.
func (o *OrchestratorConfig) StepTimeout() time.Duration {
	if o != nil && o.StepTimeoutSeconds > 0 {
		return time.Duration(o.StepTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// IntentLimit returns the max intents per message with a default of 8.
func (o *OrchestratorConfig) IntentLimit() int {
	if o != nil && o.MaxIntents > 0 {
		return o.MaxIntents
	}
	return 8
}

// RetryBackoff returns the read-only retry delay with a default of 200ms.
func (o *OrchestratorConfig) RetryBackoff() time.Duration {
	if o != nil && o.RetryBackoffMS > 0 {
		return time.Duration(o.RetryBackoffMS) * time.Millisecond
	}
	return 200 * time.Millisecond
}

// WebhookConfig configures ticket notification delivery.
// URL can be overridden by the WEBHOOK_URL env var.
type WebhookConfig struct {
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10
	AllowPrivate   bool   `json:"allow_private" yaml:"allow_private"`     // Allow loopback/private targets (local receivers, tests).
	CheckOnReady   bool   `json:"check_on_ready" yaml:"check_on_ready"`   // Include the webhook endpoint in /readyz.
}

// Timeout returns the delivery timeout with a default of 10s.
func (w *WebhookConfig) Timeout() time.Duration {
	if w != nil && w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// MemoryConfig configures persistent conversation history per session.
// When nil, each message is dispatched without history.
type MemoryConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	MaxHistoryMessages int    `json:"max_history_messages" yaml:"max_history_messages"` // Default: 20
	RetentionHours     int    `json:"retention_hours" yaml:"retention_hours"`           // 0 = keep forever.
	PruneSchedule      string `json:"prune_schedule" yaml:"prune_schedule"`             // Cron expression. Default: "0 * * * *".
}

// MaxHistory returns the max history messages with a default of 20.
func (m *MemoryConfig) MaxHistory() int {
	if m != nil && m.MaxHistoryMessages > 0 {
		return m.MaxHistoryMessages
	}
	return 20
}

// Retention returns how long turns are kept. Zero disables pruning.
func (m *MemoryConfig) Retention() time.Duration {
	if m != nil && m.RetentionHours > 0 {
		return time.Duration(m.RetentionHours) * time.Hour
	}
	return 0
}

// Schedule returns the prune cron expression with a default of hourly.
func (m *MemoryConfig) Schedule() string {
	if m != nil && m.PruneSchedule != "" {
		return m.PruneSchedule
	}
	return "0 * * * *"
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`       // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "switchboard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`

	ServiceVersion string            `json:"service_version,omitempty" yaml:"service_version,omitempty"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Extra OTLP export headers, e.g. auth tokens.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// GatewaysConfig defines which gateways are enabled and their settings.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080"
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Empty = no authentication. Override: SWITCHBOARD_API_KEY.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the websocket chat endpoint mounted on the HTTP gateway.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`       // Default: "/chat/ws"
}

// WSPath returns the websocket path with a default of "/chat/ws".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/chat/ws"
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "openai", "anthropic", "ollama". Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`       // Override: OPENAI_MODEL.
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// DefaultConfigPath returns the default config file path (~/.switchboard/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/switchboard.yaml"
	}
	return filepath.Join(home, ".switchboard", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path yields a config built from defaults and
// environment variables only. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist) && isDefaultPath(resolved):
		// Run from env only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".switchboard", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

func isDefaultPath(resolved string) bool {
	def, err := resolvePath(DefaultConfigPath())
	return err == nil && def == resolved
}

// applyEnv applies environment variable overrides on top of file values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Providers.OpenAI.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("SWITCHBOARD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		if cfg.Webhook == nil {
			cfg.Webhook = &WebhookConfig{}
		}
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("SWITCHBOARD_API_KEY"); v != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.APIKeys = append(cfg.Gateways.HTTP.APIKeys, v)
	}

	// A full DSN wins over discrete POSTGRES_* parts.
	dsn := os.Getenv("SWITCHBOARD_DB_DSN")
	if dsn == "" {
		dsn = postgresDSNFromEnv()
	}
	if dsn != "" {
		pg := cfg.postgres()
		pg.DSN = dsn
		cfg.Storage.Driver = "postgres"
	}

	pool := map[string]*int{}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pool["DB_POOL_MAX_SIZE"] = &cfg.Storage.Postgres.MaxOpenConns
		pool["DB_POOL_MIN_SIZE"] = &cfg.Storage.Postgres.MaxIdleConns
	}
	for key, dst := range pool {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}
		*dst = n
	}
	if v := os.Getenv("DB_POOL_TIMEOUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing DB_POOL_TIMEOUT: %w", err)
		}
		if cfg.Database == nil {
			cfg.Database = &DatabaseConfig{}
		}
		cfg.Database.StatementTimeoutSeconds = n
	}
	return nil
}

func (c *Config) postgres() *PostgresStorageConfig {
	if c.Storage == nil {
		c.Storage = &StorageConfig{}
	}
	if c.Storage.Postgres == nil {
		c.Storage.Postgres = &PostgresStorageConfig{}
	}
	return c.Storage.Postgres
}

// postgresDSNFromEnv builds a key/value DSN from POSTGRES_* variables.
// Returns "" when POSTGRES_HOST is unset.
func postgresDSNFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	parts := []string{"host=" + host}
	for _, kv := range []struct{ key, env, def string }{
		{"port", "POSTGRES_PORT", "5432"},
		{"user", "POSTGRES_USER", "postgres"},
		{"password", "POSTGRES_PASSWORD", ""},
		{"dbname", "POSTGRES_DB", "postgres"},
	} {
		v := os.Getenv(kv.env)
		if v == "" {
			v = kv.def
		}
		if v != "" {
			parts = append(parts, kv.key+"="+v)
		}
	}
	parts = append(parts, "sslmode=disable")
	return strings.Join(parts, " ")
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".switchboard", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "switchboard.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

var namespacePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,40}$`)

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set SWITCHBOARD_DB_DSN)")
	}
	if ns := c.Database.NamespaceName(); !namespacePattern.MatchString(ns) {
		return fmt.Errorf("database.namespace %q must match %s", ns, namespacePattern)
	}
	if c.Database != nil && c.Database.DSN != "" && c.StorageDriverName() != "postgres" {
		return fmt.Errorf("database.dsn requires storage.driver=postgres")
	}
	if def, limit := c.Database.RowLimits(); def <= 0 || limit <= 0 {
		return fmt.Errorf("database row limits must be positive")
	}
	if c.Webhook != nil && c.Webhook.URL != "" {
		if !strings.HasPrefix(c.Webhook.URL, "http://") && !strings.HasPrefix(c.Webhook.URL, "https://") {
			return fmt.Errorf("webhook.url must use http or https")
		}
	}
	if c.Gateways.HTTP != nil && c.Gateways.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("gateways.http.rate_limit.requests_per_minute must not be negative")
	}
	for _, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback must not repeat the default provider %q", name)
		}
	}
	return nil
}

// ValidateProvider checks that the selected LLM provider and its fallbacks have
// the required fields. Commands that never reach the LLM skip this check.
func (c *Config) ValidateProvider() error {
	for _, name := range append([]string{c.Providers.Default}, c.Providers.Fallback...) {
		if err := c.validateProvider(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use openai, anthropic, or ollama)", name)
	}
	return nil
}
