package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/relay/internal/config"
)

// DefaultTransportConfig provides default upstream transport settings.
var DefaultTransportConfig = config.TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// MergeTransportConfig applies non-zero values from overlay onto base.
func MergeTransportConfig(base, overlay config.TransportConfig) config.TransportConfig {
	if overlay.MaxIdleConns > 0 {
		base.MaxIdleConns = overlay.MaxIdleConns
	}
	if overlay.MaxIdleConnsPerHost > 0 {
		base.MaxIdleConnsPerHost = overlay.MaxIdleConnsPerHost
	}
	if overlay.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = overlay.MaxConnsPerHost
	}
	if overlay.IdleConnTimeout > 0 {
		base.IdleConnTimeout = overlay.IdleConnTimeout
	}
	if overlay.DialTimeout > 0 {
		base.DialTimeout = overlay.DialTimeout
	}
	if overlay.TLSHandshakeTimeout > 0 {
		base.TLSHandshakeTimeout = overlay.TLSHandshakeTimeout
	}
	if overlay.ExpectContinueTimeout > 0 {
		base.ExpectContinueTimeout = overlay.ExpectContinueTimeout
	}
	if overlay.DisableKeepAlives {
		base.DisableKeepAlives = true
	}
	if overlay.InsecureSkipVerify {
		base.InsecureSkipVerify = true
	}
	if overlay.CAFile != "" {
		base.CAFile = overlay.CAFile
	}
	if overlay.ForceHTTP2 != nil {
		base.ForceHTTP2 = overlay.ForceHTTP2
	}
	return base
}

// NewTransport creates the transport used for every outbound leg. Settings
// not present in cfg fall back to DefaultTransportConfig.
func NewTransport(cfg config.TransportConfig) (*http.Transport, error) {
	cfg = MergeTransportConfig(DefaultTransportConfig, cfg)

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("ca_file %s contains no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	forceHTTP2 := true
	if cfg.ForceHTTP2 != nil {
		forceHTTP2 = *cfg.ForceHTTP2
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     forceHTTP2,
	}, nil
}
