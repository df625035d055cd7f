package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wudi/relay/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr, err := NewTransport(config.TransportConfig{})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	if tr.MaxIdleConns != 100 {
		t.Errorf("expected MaxIdleConns 100, got %d", tr.MaxIdleConns)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("expected HTTP/2 to be attempted by default")
	}
}

func TestNewTransportOverrides(t *testing.T) {
	disable := false
	tr, err := NewTransport(config.TransportConfig{
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     5 * time.Second,
		DisableKeepAlives:   true,
		ForceHTTP2:          &disable,
	})
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	if tr.MaxIdleConnsPerHost != 64 {
		t.Errorf("expected 64, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", tr.IdleConnTimeout)
	}
	if !tr.DisableKeepAlives {
		t.Error("expected keep-alives disabled")
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("expected HTTP/2 disabled")
	}
	if tr.MaxIdleConns != 100 {
		t.Errorf("unset fields must keep defaults, got %d", tr.MaxIdleConns)
	}
}

func TestNewTransportBadCAFile(t *testing.T) {
	if _, err := NewTransport(config.TransportConfig{CAFile: "/nonexistent/ca.pem"}); err == nil {
		t.Error("expected error for missing CA file")
	}

	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTransport(config.TransportConfig{CAFile: path}); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}

func TestMergeTransportConfig(t *testing.T) {
	base := config.TransportConfig{MaxIdleConns: 10, DialTimeout: time.Second}
	merged := MergeTransportConfig(base, config.TransportConfig{DialTimeout: 3 * time.Second, InsecureSkipVerify: true})

	if merged.MaxIdleConns != 10 {
		t.Errorf("expected base value kept, got %d", merged.MaxIdleConns)
	}
	if merged.DialTimeout != 3*time.Second {
		t.Errorf("expected overlay dial timeout, got %v", merged.DialTimeout)
	}
	if !merged.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify from overlay")
	}
}
