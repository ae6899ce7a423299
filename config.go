package warden

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"

	// Registers the postgres driver for DSN-configured policy and
	// audit sources.
	_ "github.com/lib/pq"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Policy (allow-list) configuration
	Policy PolicyConfig `mapstructure:"policy"`

	// Firewall (egress packet filter) configuration
	Firewall FirewallConfig `mapstructure:"firewall"`

	// Audit reporter configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Upstream (parent proxy) configuration
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	// Addr to listen on (e.g., "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`

	// AuthToken requires clients to present the token via
	// Proxy-Authorization. Empty disables proxy auth.
	AuthToken string `mapstructure:"auth_token"`

	// MaxConns caps concurrent proxied connections (0 = unlimited).
	MaxConns int `mapstructure:"max_conns"`

	// RateLimit is requests/second per client (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the per-client burst size.
	RateBurst int `mapstructure:"rate_burst"`

	// MaxBodySize caps outbound request bodies in bytes (0 = unlimited).
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// TunnelIdleTimeout closes idle opaque tunnels.
	TunnelIdleTimeout time.Duration `mapstructure:"tunnel_idle_timeout"`

	// ClientCACert is a PEM bundle path; when set the listener
	// requires mTLS client certificates signed by it.
	ClientCACert string `mapstructure:"client_ca_cert"`
}

// TLSConfig contains interception CA settings.
type TLSConfig struct {
	// Intercept enables TLS interception of CONNECT tunnels.
	Intercept bool `mapstructure:"intercept"`

	// CACert is the path to the CA certificate file.
	CACert string `mapstructure:"ca_cert"`

	// CAKey is the path to the CA private key file.
	CAKey string `mapstructure:"ca_key"`

	// Organization name for a generated CA.
	Organization string `mapstructure:"organization"`

	// LeafTTL is the validity window for minted host certificates.
	LeafTTL time.Duration `mapstructure:"leaf_ttl"`
}

// PolicyConfig contains allow-list settings.
type PolicyConfig struct {
	// Patterns is the inline allow list.
	Patterns []string `mapstructure:"patterns"`

	// DenyReason overrides the reason string attached to denials.
	DenyReason string `mapstructure:"deny_reason"`

	// Sources defines external pattern sources.
	Sources []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for external sources (0 = no auto-reload).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// SourceConfig defines an external pattern source.
type SourceConfig struct {
	// Type of source: "file", "csv", "url", "postgres"
	Type string `mapstructure:"type"`

	// Path for file-based sources.
	Path string `mapstructure:"path"`

	// URL for remote sources.
	URL string `mapstructure:"url"`

	// DSN for database sources.
	DSN string `mapstructure:"dsn"`

	// Query overrides the default database query.
	Query string `mapstructure:"query"`

	// HasHeader indicates if a CSV source has a header row.
	HasHeader bool `mapstructure:"has_header"`
}

// FirewallConfig contains egress packet filter settings.
type FirewallConfig struct {
	// Enabled installs the kernel egress filter on startup.
	Enabled bool `mapstructure:"enabled"`

	// Chain overrides the managed iptables chain name.
	Chain string `mapstructure:"chain"`

	// AllowDNS admits udp/53 so names still resolve.
	AllowDNS bool `mapstructure:"allow_dns"`
}

// AuditConfig contains audit reporter settings.
type AuditConfig struct {
	// Buffer is the reporter channel capacity.
	Buffer int `mapstructure:"buffer"`

	// Log mirrors audit records into the structured log.
	Log bool `mapstructure:"log"`

	// File is a path for the rotating audit file sink (empty = off).
	File string `mapstructure:"file"`

	// FileMaxSize is the rotation threshold in bytes.
	FileMaxSize int64 `mapstructure:"file_max_size"`

	// Compress controls zstd compression of rotated files.
	Compress bool `mapstructure:"compress"`

	// DSN enables the PostgreSQL audit sink (empty = off).
	DSN string `mapstructure:"dsn"`

	// RingSize is the in-memory record count served by the admin API.
	RingSize int `mapstructure:"ring_size"`
}

// UpstreamConfig contains parent proxy settings.
type UpstreamConfig struct {
	// URL of the parent proxy (empty = direct).
	URL string `mapstructure:"url"`

	// ProxyProtocol: 0 = off, 1 = v1, 2 = v2.
	ProxyProtocol int `mapstructure:"proxy_protocol"`
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	// Enabled mounts the admin API on the proxy listener.
	Enabled bool `mapstructure:"enabled"`

	// PathPrefix for admin routes.
	PathPrefix string `mapstructure:"path_prefix"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or a file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8080",
			RateBurst:         50,
			TunnelIdleTimeout: 5 * time.Minute,
		},
		TLS: TLSConfig{
			Intercept:    true,
			CACert:       "ca.crt",
			CAKey:        "ca.key",
			Organization: "Warden Proxy",
			LeafTTL:      DefaultLeafTTL,
		},
		Policy: PolicyConfig{
			ReloadInterval: 5 * time.Minute,
		},
		Firewall: FirewallConfig{
			AllowDNS: true,
		},
		Audit: AuditConfig{
			Buffer:   DefaultAuditBuffer,
			Log:      true,
			Compress: true,
			RingSize: 256,
		},
		Admin: AdminConfig{
			PathPrefix: "/api",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Config files are searched in the following order:
//  1. Explicit path (if provided)
//  2. ./warden.yaml, ./warden.yml, ./warden.json, ./warden.toml
//  3. $HOME/.warden/warden.yaml
//  4. /etc/warden/warden.yaml
//
// Environment variables override file values with a WARDEN_ prefix,
// e.g. WARDEN_SERVER_ADDR.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("warden")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.warden")
	v.AddConfigPath("/etc/warden")

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine, defaults plus env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from raw bytes.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.rate_burst", defaults.Server.RateBurst)
	v.SetDefault("server.tunnel_idle_timeout", defaults.Server.TunnelIdleTimeout)

	v.SetDefault("tls.intercept", defaults.TLS.Intercept)
	v.SetDefault("tls.ca_cert", defaults.TLS.CACert)
	v.SetDefault("tls.ca_key", defaults.TLS.CAKey)
	v.SetDefault("tls.organization", defaults.TLS.Organization)
	v.SetDefault("tls.leaf_ttl", defaults.TLS.LeafTTL)

	v.SetDefault("policy.reload_interval", defaults.Policy.ReloadInterval)

	v.SetDefault("firewall.enabled", false)
	v.SetDefault("firewall.allow_dns", defaults.Firewall.AllowDNS)

	v.SetDefault("audit.buffer", defaults.Audit.Buffer)
	v.SetDefault("audit.log", defaults.Audit.Log)
	v.SetDefault("audit.compress", defaults.Audit.Compress)
	v.SetDefault("audit.ring_size", defaults.Audit.RingSize)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.path_prefix", defaults.Admin.PathPrefix)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
}

// BuildLoader creates a PatternLoader combining the inline patterns
// with the configured external sources.
func (c *Config) BuildLoader() (PatternLoader, error) {
	var loaders []PatternLoader

	if len(c.Policy.Patterns) > 0 {
		loaders = append(loaders, NewStaticLoader(c.Policy.Patterns...))
	}

	for _, source := range c.Policy.Sources {
		switch source.Type {
		case "file":
			loaders = append(loaders, NewFileLoader(source.Path))

		case "csv":
			loader := NewCSVLoader(source.Path)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)

		case "url":
			loaders = append(loaders, NewURLLoader(source.URL))

		case "postgres":
			db, err := sqlx.Open("postgres", source.DSN)
			if err != nil {
				return nil, fmt.Errorf("open postgres source: %w", err)
			}
			loader := NewDBLoader(db)
			loader.Query = source.Query
			loaders = append(loaders, loader)

		default:
			return nil, fmt.Errorf("unknown source type: %s", source.Type)
		}
	}

	if len(loaders) == 0 {
		return NewStaticLoader(), nil
	}
	if len(loaders) == 1 {
		return loaders[0], nil
	}
	return NewMultiLoader(loaders...), nil
}

// BuildAuditSinks creates the configured audit sinks. The returned
// RingSink (nil when ring_size is 0) serves the admin API's recent
// records.
func (c *Config) BuildAuditSinks(logger *slog.Logger) ([]AuditSink, *RingSink, error) {
	var sinks []AuditSink

	if c.Audit.Log {
		sinks = append(sinks, NewSlogSink(logger))
	}

	if c.Audit.File != "" {
		fs := NewFileSink(c.Audit.File)
		fs.MaxSize = c.Audit.FileMaxSize
		fs.Compress = c.Audit.Compress
		sinks = append(sinks, fs)
	}

	if c.Audit.DSN != "" {
		db, err := sqlx.Open("postgres", c.Audit.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit database: %w", err)
		}
		sinks = append(sinks, NewDBSink(db))
	}

	var ring *RingSink
	if c.Audit.RingSize > 0 {
		ring = NewRingSink(c.Audit.RingSize)
		sinks = append(sinks, ring)
	}

	return sinks, ring, nil
}

// BuildLogger creates the slog.Logger described by the logging config.
func (c *Config) BuildLogger() (*slog.Logger, error) {
	var out io.Writer
	switch c.Logging.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}

	var level slog.Level
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Warden egress proxy configuration

server:
  # Address to listen on. Keep this on loopback unless clients
  # authenticate (auth_token or client_ca_cert).
  addr: "127.0.0.1:8080"

  # Require clients to present this token via Proxy-Authorization.
  # auth_token: "change-me"

  # Concurrency and throughput caps (0 = unlimited).
  max_conns: 0
  rate_limit: 0
  rate_burst: 50
  max_body_size: 0

  # Close opaque tunnels idle for this long.
  tunnel_idle_timeout: 5m

  # Require mTLS client certificates signed by this CA bundle.
  # client_ca_cert: "/etc/warden/clients.crt"

tls:
  # Terminate and inspect CONNECT tunnels. When false, allowed
  # tunnels are relayed opaquely.
  intercept: true

  # Interception CA. Generate one with: wardend -gen-ca
  ca_cert: "ca.crt"
  ca_key: "ca.key"
  organization: "Warden Proxy"

  # Validity window for minted host certificates.
  leaf_ttl: 24h

policy:
  # Destinations that may be reached. Everything else is denied.
  # A pattern without a port matches ports 80 and 443 only.
  patterns:
    - "api.github.com"
    - "*.golang.org"
    - "registry.npmjs.org:443"

  # Shown to clients in denial responses.
  # deny_reason: "host is not in the allow list"

  # External pattern sources, merged with the inline patterns.
  sources: []
    # - type: file
    #   path: "/etc/warden/allowlist.txt"
    # - type: csv
    #   path: "/etc/warden/allowlist.csv"
    #   has_header: true
    # - type: url
    #   url: "https://config.internal/warden/allowlist.txt"
    # - type: postgres
    #   dsn: "postgres://warden@db/warden?sslmode=disable"

  # Auto-reload interval for external sources.
  reload_interval: 5m

firewall:
  # Install the kernel egress filter so traffic that skips the proxy
  # is rejected. Requires iptables and root.
  enabled: false
  allow_dns: true

audit:
  # Records buffered between the data path and the sinks.
  buffer: 1024

  # Mirror records into the structured log.
  log: true

  # Rotating audit file; rotated files are zstd-compressed.
  # file: "/var/log/warden/audit.log"
  file_max_size: 67108864
  compress: true

  # PostgreSQL audit sink.
  # dsn: "postgres://warden@db/warden?sslmode=disable"

  # Recent records kept in memory for the admin API.
  ring_size: 256

upstream:
  # Chain through a parent proxy.
  # url: "http://proxy.corp:3128"
  proxy_protocol: 0

admin:
  enabled: false
  path_prefix: "/api"

logging:
  # Level: debug, info, warn, error
  level: "info"

  # Format: text, json
  format: "text"

  # Output: stdout, stderr, or a file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
