package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
)

// Server wraps the gateway with an HTTP server and config hot reload.
type Server struct {
	gateway *Gateway
	config  *config.Config
	httpSrv *http.Server
	watcher *config.Watcher

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// pinger is implemented by stores that can report their health.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewServer creates a server for gw. When watcher is non-nil, config file
// changes re-seed rules and webhook endpoints.
func NewServer(gw *Gateway, cfg *config.Config, watcher *config.Watcher) *Server {
	s := &Server{
		gateway: gw,
		config:  cfg,
		watcher: watcher,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
	}
	if watcher != nil {
		watcher.OnChange(func(newCfg *config.Config) {
			s.recordReload(gw.Reload(newCfg))
		})
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpSrv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("Relay listening",
			zap.String("address", ln.Addr().String()),
			zap.String("mount_prefix", s.config.Forward.MountPrefix),
		)
		if err := s.httpSrv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down gracefully...")
		return s.Shutdown(s.config.Shutdown.Timeout)
	})

	return g.Wait()
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the gateway.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		logging.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := s.gateway.Close(); err != nil {
		return err
	}

	logging.Info("Server shutdown complete")
	return nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// ReloadHistory returns the results of recent config reloads.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

const maxReloadHistory = 20

func (s *Server) recordReload(result ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, result)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
}

// handleHealth reports liveness and, when the store supports it, its reachability.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]any)
	healthy := true

	if p, ok := g.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		storeStatus := map[string]any{"status": "ok"}
		if err := p.Ping(ctx); err != nil {
			storeStatus["status"] = "error"
			storeStatus["error"] = err.Error()
			healthy = false
		}
		checks["store"] = storeStatus
	}
	if g.tracer.IsEnabled() {
		checks["tracing"] = map[string]any{"status": "ok"}
	}

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(g.startTime).String(),
		"checks":    checks,
	})
}
