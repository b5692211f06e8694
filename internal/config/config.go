// Package config handles loading and validating Idhini configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Idhini.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.idhini/data. Override: IDHINI_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Conversation  ConversationConfig   `json:"conversation" yaml:"conversation"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProviderConfig selects and configures the LLM provider.
type ProviderConfig struct {
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to https://api.anthropic.com.
}

// ConversationConfig bounds the conversation loop.
type ConversationConfig struct {
	MaxIterations      int `json:"max_iterations" yaml:"max_iterations"`             // Model round-trips per user turn. Default: 10.
	MaxTokens          int `json:"max_tokens" yaml:"max_tokens"`                     // Per-response token cap. Default: 4096.
	MaxHistoryMessages int `json:"max_history_messages" yaml:"max_history_messages"` // Default: 100.
}

// Iterations returns the max model round-trips per turn with a default of 10.
func (c *ConversationConfig) Iterations() int {
	if c != nil && c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return 10
}

// Tokens returns the per-response token cap with a default of 4096.
func (c *ConversationConfig) Tokens() int {
	if c != nil && c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 4096
}

// MaxHistory returns the max history messages with a default of 100.
func (c *ConversationConfig) MaxHistory() int {
	if c != nil && c.MaxHistoryMessages > 0 {
		return c.MaxHistoryMessages
	}
	return 100
}

// ApprovalConfig configures the proposal lifecycle.
type ApprovalConfig struct {
	TTLSeconds    int    `json:"ttl_seconds" yaml:"ttl_seconds"`       // How long undecided proposals live. 0 = sweeper disabled.
	SweepSchedule string `json:"sweep_schedule" yaml:"sweep_schedule"` // Cron expression. Default: every minute.
}

// TTL returns the proposal expiry duration. Zero means no expiry.
func (a *ApprovalConfig) TTL() time.Duration {
	if a != nil && a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 0
}

// ToolsConfig configures the tool families.
type ToolsConfig struct {
	Issues  *IssuesToolConfig  `json:"issues,omitempty" yaml:"issues,omitempty"`   // nil = issue tracker tools not registered.
	Repos   *ReposToolConfig   `json:"repos,omitempty" yaml:"repos,omitempty"`     // nil = code hosting tools not registered.
	Records *RecordsToolConfig `json:"records,omitempty" yaml:"records,omitempty"` // nil = record tools not registered.
	MCP     []MCPServerConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`         // External MCP tool servers.
}

// IssuesToolConfig configures the issue tracker API client.
type IssuesToolConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: ISSUES_API_TOKEN env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// ReposToolConfig configures the code hosting API client.
type ReposToolConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: REPOS_API_TOKEN env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// RecordsToolConfig configures the internal records database tools.
type RecordsToolConfig struct {
	DSN            string   `json:"dsn" yaml:"dsn"` // Override: IDHINI_RECORDS_DSN env var.
	MaxRows        int      `json:"max_rows" yaml:"max_rows"`               // Maximum rows per query. Default: 1000.
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query timeout. Default: 30.
	WritableTables []string `json:"writable_tables" yaml:"writable_tables"` // Tables update_record may touch. Empty = no writes.
}

// MCPServerConfig defines a single external MCP server connection.
// Idhini acts as an MCP client, connecting at startup, discovering tools,
// and registering them read-only in the tool registry.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "wiki").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"` // Accepted bearer keys. Override: IDHINI_API_KEY env var (appended).
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the WebSocket event stream endpoint.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // URL path. Default: "/ws/conversations".
}

// WSPath returns the WebSocket path with a default of "/ws/conversations".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/conversations"
}

// RateLimitConfig configures per-key rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and
// tool failure-rate detection. When nil, all features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "idhini"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures tool failure-rate detection.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.idhini/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/idhini.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".idhini", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. API keys and tokens can be set in the config file or
// overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Provider.Anthropic.APIKey = envKey
	}
	if envDD := os.Getenv("IDHINI_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envKey := os.Getenv("ISSUES_API_TOKEN"); envKey != "" && cfg.Tools.Issues != nil {
		cfg.Tools.Issues.Token = envKey
	}
	if envKey := os.Getenv("REPOS_API_TOKEN"); envKey != "" && cfg.Tools.Repos != nil {
		cfg.Tools.Repos.Token = envKey
	}
	if envDSN := os.Getenv("IDHINI_RECORDS_DSN"); envDSN != "" && cfg.Tools.Records != nil {
		cfg.Tools.Records.DSN = envDSN
	}
	if envKey := os.Getenv("IDHINI_API_KEY"); envKey != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.APIKeys = append(cfg.Gateways.HTTP.APIKeys, envKey)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".idhini", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
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
		return filepath.Join(home, ".idhini", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "idhini.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Provider.Anthropic.Model == "" {
		return fmt.Errorf("provider.anthropic.model is required")
	}
	if c.Provider.Anthropic.APIKey == "" {
		return fmt.Errorf("provider.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
	}
	if c.Approval.TTLSeconds < 0 {
		return fmt.Errorf("approval.ttl_seconds must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	// Tool family validation.
	if c.Tools.Issues != nil && c.Tools.Issues.BaseURL == "" {
		return fmt.Errorf("tools.issues.base_url is required when issue tools are enabled")
	}
	if c.Tools.Repos != nil && c.Tools.Repos.BaseURL == "" {
		return fmt.Errorf("tools.repos.base_url is required when repo tools are enabled")
	}
	if c.Tools.Records != nil && c.Tools.Records.DSN == "" {
		return fmt.Errorf("tools.records.dsn is required when record tools are enabled (set IDHINI_RECORDS_DSN env var)")
	}
	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
