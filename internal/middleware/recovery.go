package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
)

// RecoveryConfig configures the recovery middleware.
type RecoveryConfig struct {
	PrintStack bool
	LogFunc    func(err any, stack []byte)
}

// DefaultRecoveryConfig logs the panic with its stack.
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(err any, stack []byte) {
	logging.Error("panic recovered",
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery turns a handler panic into a 500 JSON error.
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(rec, stack)
				}

				relayErr := errors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", rec))
				if id := RequestIDFromContext(r.Context()); id != "" {
					relayErr = relayErr.WithRequestID(id)
				}
				relayErr.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
