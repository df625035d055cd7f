package config

import (
	"time"
)

// Config represents the complete relay configuration
type Config struct {
	Listen   string             `yaml:"listen"` // e.g., ":8080"
	HTTP     HTTPListenerConfig `yaml:"http"`
	Admin    AdminConfig        `yaml:"admin"`
	Logging  LoggingConfig      `yaml:"logging"`
	Store    StoreConfig        `yaml:"store"`
	Forward  ForwardConfig      `yaml:"forward"`
	Replay   ReplayConfig       `yaml:"replay"`
	Notify   NotifyConfig       `yaml:"notify"`
	Tracing  TracingConfig      `yaml:"tracing"`
	Shutdown ShutdownConfig     `yaml:"shutdown"`
	Rules    []RuleConfig       `yaml:"rules"` // seeded into the store at startup and on reload
}

// HTTPListenerConfig defines HTTP server settings
type HTTPListenerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// AdminConfig defines the admin API mounted next to the ingress
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Prefix  string        `yaml:"prefix"` // default "/admin"
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics exposure
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"` // "json" or "console"
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // "stdout", "stderr" or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// StoreConfig selects the persistence backend for captured requests, rules and replays
type StoreConfig struct {
	Type        string      `yaml:"type"`         // "memory" (default) or "redis"
	MaxRequests int         `yaml:"max_requests"` // memory store retention, default 10000
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	TLS         bool          `yaml:"tls"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"` // default "relay:"
}

// ForwardConfig defines forwarding behavior shared by every rule
type ForwardConfig struct {
	MountPrefix    string               `yaml:"mount_prefix"`    // default "/api/proxy"
	MaxChainDepth  int                  `yaml:"max_chain_depth"` // default 5
	DefaultTimeout time.Duration        `yaml:"default_timeout"` // used when a rule has timeout_ms 0
	ChainDeadline  time.Duration        `yaml:"chain_deadline"`  // aggregate deadline for a whole chain, 0 = none
	MaxBodySize    int64                `yaml:"max_body_size"`   // inbound and response capture limit
	Transport      TransportConfig      `yaml:"transport"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TransportConfig defines upstream HTTP transport (connection pool) settings.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
	ForceHTTP2            *bool         `yaml:"force_http2"`
}

// CircuitBreakerConfig defines per-target-host circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	MaxRequests      int           `yaml:"max_requests"`      // probes allowed while half-open
	Timeout          time.Duration `yaml:"timeout"`           // open -> half-open delay
	MaxHosts         int           `yaml:"max_hosts"`         // breakers kept in the LRU
}

// ReplayConfig throttles administrative replays
type ReplayConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec"` // 0 = unlimited
	Burst      int     `yaml:"burst"`
}

// NotifyConfig defines the "new record" notification channels
type NotifyConfig struct {
	Webhooks WebhooksConfig `yaml:"webhooks"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	AMQP     AMQPConfig     `yaml:"amqp"`
}

// WebhooksConfig defines webhook notification settings.
type WebhooksConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Endpoints []WebhookEndpoint  `yaml:"endpoints"`
	Retry     WebhookRetryConfig `yaml:"retry"`
	Timeout   time.Duration      `yaml:"timeout"`
	Workers   int                `yaml:"workers"`
	QueueSize int                `yaml:"queue_size"`
}

// WebhookEndpoint defines a single webhook receiver.
type WebhookEndpoint struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret" redact:"true"`
	Events  []string          `yaml:"events"` // e.g. "record.*"; empty = all
	Headers map[string]string `yaml:"headers"`
}

// WebhookRetryConfig defines retry settings for webhook delivery.
type WebhookRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// PubSubConfig publishes notifications to a gocloud.dev topic URL
// (e.g. "mem://records", "rabbit://records").
type PubSubConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TopicURL string `yaml:"topic_url"`
}

// AMQPConfig publishes notifications directly to a RabbitMQ exchange.
type AMQPConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url" redact:"true"`
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	Timeout    time.Duration `yaml:"timeout"` // per publish, default 5s
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// ShutdownConfig defines graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RuleConfig declares a ForwardRule in the configuration file
type RuleConfig struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	ProxyPath        string            `yaml:"proxy_path"` // may end in "*"
	Method           string            `yaml:"method"`
	TargetURL        string            `yaml:"target_url"` // may contain one "*"
	PathRewrite      string            `yaml:"path_rewrite"`
	AddHeaders       map[string]string `yaml:"add_headers"`
	RemoveHeaders    []string          `yaml:"remove_headers"`
	ExtractTokenFrom string            `yaml:"extract_token_from"` // none, auto, body, headers
	TokenPath        string            `yaml:"token_path"`
	TokenHeaderName  string            `yaml:"token_header_name"`
	NextRule         string            `yaml:"next_rule"`
	Enabled          *bool             `yaml:"enabled"` // default true
	TimeoutMs        int               `yaml:"timeout_ms"`
	RetryCount       int               `yaml:"retry_count"`
	RetryDelayMs     int               `yaml:"retry_delay_ms"`
}

// IsEnabled returns the rule's enabled flag, defaulting to true.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Default values
const (
	DefaultMountPrefix    = "/api/proxy"
	DefaultMaxChainDepth  = 5
	DefaultForwardTimeout = 30 * time.Second
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8080",
		HTTP: HTTPListenerConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Prefix:  "/admin",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
		},
		Store: StoreConfig{
			Type:        "memory",
			MaxRequests: 10000,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				DialTimeout: 5 * time.Second,
				KeyPrefix:   "relay:",
			},
		},
		Forward: ForwardConfig{
			MountPrefix:    DefaultMountPrefix,
			MaxChainDepth:  DefaultMaxChainDepth,
			DefaultTimeout: DefaultForwardTimeout,
			MaxBodySize:    10 << 20,
		},
		Notify: NotifyConfig{
			Webhooks: WebhooksConfig{
				Timeout:   5 * time.Second,
				Workers:   4,
				QueueSize: 1000,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "relay",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
