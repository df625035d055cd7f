package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validExtractModes contains the accepted extract_token_from values.
var validExtractModes = map[string]bool{
	"": true, "none": true, "auto": true, "body": true, "headers": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets returns the registry used to resolve ${scheme:ref} values, so
// callers can register additional providers.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	normalize(cfg)

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// normalize fills zero values that YAML may have cleared and canonicalizes
// case-insensitive fields.
func normalize(cfg *Config) {
	if cfg.Forward.MountPrefix == "" {
		cfg.Forward.MountPrefix = DefaultMountPrefix
	}
	cfg.Forward.MountPrefix = "/" + strings.Trim(cfg.Forward.MountPrefix, "/")
	if cfg.Forward.MaxChainDepth == 0 {
		cfg.Forward.MaxChainDepth = DefaultMaxChainDepth
	}
	if cfg.Forward.DefaultTimeout == 0 {
		cfg.Forward.DefaultTimeout = DefaultForwardTimeout
	}
	if cfg.Admin.Prefix == "" {
		cfg.Admin.Prefix = "/admin"
	}
	if cfg.Admin.Metrics.Path == "" {
		cfg.Admin.Metrics.Path = "/metrics"
	}
	for i := range cfg.Rules {
		cfg.Rules[i].Method = strings.ToUpper(cfg.Rules[i].Method)
		cfg.Rules[i].ExtractTokenFrom = strings.ToLower(cfg.Rules[i].ExtractTokenFrom)
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}

	switch cfg.Store.Type {
	case "memory":
	case "redis":
		if cfg.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}

	if cfg.Forward.MaxChainDepth < 1 {
		return fmt.Errorf("forward.max_chain_depth must be at least 1")
	}
	if cfg.Forward.DefaultTimeout < 0 || cfg.Forward.ChainDeadline < 0 {
		return fmt.Errorf("forward timeouts must not be negative")
	}
	if strings.HasPrefix(cfg.Admin.Prefix, cfg.Forward.MountPrefix+"/") || cfg.Admin.Prefix == cfg.Forward.MountPrefix {
		return fmt.Errorf("admin.prefix %s overlaps forward.mount_prefix %s", cfg.Admin.Prefix, cfg.Forward.MountPrefix)
	}

	if cfg.Replay.RatePerSec < 0 {
		return fmt.Errorf("replay.rate_per_sec must not be negative")
	}

	if cfg.Notify.PubSub.Enabled && cfg.Notify.PubSub.TopicURL == "" {
		return fmt.Errorf("notify.pubsub.topic_url is required when pubsub is enabled")
	}
	if cfg.Notify.AMQP.Enabled && cfg.Notify.AMQP.URL == "" {
		return fmt.Errorf("notify.amqp.url is required when amqp is enabled")
	}
	if cfg.Notify.Webhooks.Enabled {
		for i, ep := range cfg.Notify.Webhooks.Endpoints {
			if ep.URL == "" {
				return fmt.Errorf("notify.webhooks.endpoints[%d]: url is required", i)
			}
			for _, pattern := range ep.Events {
				if !doublestar.ValidatePattern(pattern) {
					return fmt.Errorf("notify.webhooks.endpoints[%d]: invalid event pattern %q", i, pattern)
				}
			}
		}
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return validateRules(cfg.Rules)
}

// validateRules checks every seeded rule and the exact-match uniqueness
// invariant among enabled rules.
func validateRules(rules []RuleConfig) error {
	ids := make(map[string]bool, len(rules))
	exact := make(map[string]string, len(rules))

	for i, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if ids[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		ids[r.ID] = true

		if !strings.HasPrefix(r.ProxyPath, "/") {
			return fmt.Errorf("rule %s: proxy_path must start with /", r.ID)
		}
		if idx := strings.Index(r.ProxyPath, "*"); idx != -1 && idx != len(r.ProxyPath)-1 {
			return fmt.Errorf("rule %s: proxy_path supports only a single trailing *", r.ID)
		}
		if !validHTTPMethods[r.Method] {
			return fmt.Errorf("rule %s: invalid method %q", r.ID, r.Method)
		}
		if r.TargetURL == "" {
			return fmt.Errorf("rule %s: target_url is required", r.ID)
		}
		if strings.Count(r.TargetURL, "*") > 1 {
			return fmt.Errorf("rule %s: target_url supports at most one *", r.ID)
		}
		u, err := url.Parse(strings.Replace(r.TargetURL, "*", "", 1))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("rule %s: target_url must be an absolute URL", r.ID)
		}
		if !validExtractModes[r.ExtractTokenFrom] {
			return fmt.Errorf("rule %s: invalid extract_token_from %q", r.ID, r.ExtractTokenFrom)
		}
		if r.TimeoutMs < 0 || r.RetryCount < 0 || r.RetryDelayMs < 0 {
			return fmt.Errorf("rule %s: timeout_ms, retry_count and retry_delay_ms must not be negative", r.ID)
		}

		if r.IsEnabled() && !strings.HasSuffix(r.ProxyPath, "*") {
			key := r.Method + " " + r.ProxyPath
			if other, dup := exact[key]; dup {
				return fmt.Errorf("rules %s and %s both match %s", other, r.ID, key)
			}
			exact[key] = r.ID
		}
	}

	return nil
}
