package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen: ":9090"
http:
  read_timeout: 10s

store:
  type: redis
  redis:
    address: "localhost:6380"

forward:
  mount_prefix: /proxy/
  max_chain_depth: 3
  default_timeout: 2s

replay:
  rate_per_sec: 5

rules:
  - id: svc
    proxy_path: /api/proxy/svc/*
    method: get
    target_url: https://real/*
    timeout_ms: 1000
    retry_count: 1
    extract_token_from: AUTO
    next_rule: data
  - id: data
    proxy_path: /api/proxy/data
    method: POST
    target_url: https://data.example.com/v1
    enabled: false
`

	loader := NewLoader()
	cfg, err := loader.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected listen :9090, got %s", cfg.Listen)
	}
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Store.Type != "redis" || cfg.Store.Redis.Address != "localhost:6380" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Store.Redis.KeyPrefix != "relay:" {
		t.Errorf("expected default key prefix to survive, got %q", cfg.Store.Redis.KeyPrefix)
	}
	if cfg.Forward.MountPrefix != "/proxy" {
		t.Errorf("expected normalized mount prefix /proxy, got %s", cfg.Forward.MountPrefix)
	}
	if cfg.Forward.MaxChainDepth != 3 {
		t.Errorf("expected max_chain_depth 3, got %d", cfg.Forward.MaxChainDepth)
	}
	if cfg.Forward.DefaultTimeout != 2*time.Second {
		t.Errorf("expected default_timeout 2s, got %v", cfg.Forward.DefaultTimeout)
	}
	if cfg.Replay.RatePerSec != 5 {
		t.Errorf("expected rate_per_sec 5, got %v", cfg.Replay.RatePerSec)
	}

	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if cfg.Rules[0].Method != "GET" {
		t.Errorf("expected method to be upper-cased, got %s", cfg.Rules[0].Method)
	}
	if cfg.Rules[0].ExtractTokenFrom != "auto" {
		t.Errorf("expected extract mode to be lower-cased, got %s", cfg.Rules[0].ExtractTokenFrom)
	}
	if !cfg.Rules[0].IsEnabled() {
		t.Error("rules default to enabled")
	}
	if cfg.Rules[1].IsEnabled() {
		t.Error("expected second rule to be disabled")
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_TARGET", "https://upstream.internal")
	t.Setenv("TEST_REDIS_PASSWORD", "s3cret")

	yaml := `
store:
  redis:
    password: ${TEST_REDIS_PASSWORD}
rules:
  - id: env
    proxy_path: /api/proxy/env
    method: GET
    target_url: ${TEST_TARGET}/v1
    add_headers:
      X-Untouched: ${NOT_SET_ANYWHERE}
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Store.Redis.Password != "s3cret" {
		t.Errorf("expected expanded password, got %q", cfg.Store.Redis.Password)
	}
	if cfg.Rules[0].TargetURL != "https://upstream.internal/v1" {
		t.Errorf("expected expanded target, got %q", cfg.Rules[0].TargetURL)
	}
	if cfg.Rules[0].AddHeaders["X-Untouched"] != "${NOT_SET_ANYWHERE}" {
		t.Errorf("unset variables must be kept verbatim, got %q", cfg.Rules[0].AddHeaders["X-Untouched"])
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid config",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a/*
    method: GET
    target_url: http://localhost:9000/*
`,
		},
		{
			name:    "unknown store",
			yaml:    "store:\n  type: mongo\n",
			wantErr: "invalid store type",
		},
		{
			name: "missing rule id",
			yaml: `
rules:
  - proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9000
`,
			wantErr: "id is required",
		},
		{
			name: "inner wildcard",
			yaml: `
rules:
  - id: a
    proxy_path: /api/*/a
    method: GET
    target_url: http://localhost:9000
`,
			wantErr: "single trailing",
		},
		{
			name: "two target placeholders",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a/*
    method: GET
    target_url: http://localhost:9000/*/x/*
`,
			wantErr: "at most one",
		},
		{
			name: "relative target",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a
    method: GET
    target_url: /just/a/path
`,
			wantErr: "absolute URL",
		},
		{
			name: "bad extract mode",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9000
    extract_token_from: cookie
`,
			wantErr: "extract_token_from",
		},
		{
			name: "duplicate enabled exact match",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9000
  - id: b
    proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9001
`,
			wantErr: "both match",
		},
		{
			name: "duplicate allowed when one is disabled",
			yaml: `
rules:
  - id: a
    proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9000
  - id: b
    proxy_path: /api/proxy/a
    method: GET
    target_url: http://localhost:9001
    enabled: false
`,
		},
		{
			name:    "admin overlaps mount",
			yaml:    "admin:\n  prefix: /api/proxy/admin\n",
			wantErr: "overlaps",
		},
		{
			name:    "pubsub without topic",
			yaml:    "notify:\n  pubsub:\n    enabled: true\n",
			wantErr: "topic_url",
		},
		{
			name: "bad webhook event pattern",
			yaml: `
notify:
  webhooks:
    enabled: true
    endpoints:
      - id: hook
        url: http://example.com/hook
        events: ["record.[created"]
`,
			wantErr: "invalid event pattern",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Listen != ":8080" {
		t.Errorf("expected default listen :8080, got %s", cfg.Listen)
	}
	if cfg.Forward.MountPrefix != "/api/proxy" {
		t.Errorf("expected default mount prefix, got %s", cfg.Forward.MountPrefix)
	}
	if cfg.Forward.MaxChainDepth != 5 {
		t.Errorf("expected default chain depth 5, got %d", cfg.Forward.MaxChainDepth)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Store.Type)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("listen: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("expected :7070, got %s", cfg.Listen)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
