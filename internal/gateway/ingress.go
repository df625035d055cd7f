package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/forward"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/middleware"
	"github.com/wudi/relay/internal/store"
)

// RecordIDHeader carries the captured record ID on ingress responses.
const RecordIDHeader = "X-Relay-Record-ID"

// hopHeaders are not copied from a target response back to the caller.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// handleIngress captures the inbound request, announces it and forwards it.
func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	reqID := middleware.RequestIDFromContext(r.Context())

	captured, err := g.capture(w, r)
	if err != nil {
		errors.From(err).WithRequestID(reqID).WriteJSON(w)
		return
	}

	if err := g.store.CreateRequest(r.Context(), captured); err != nil {
		logging.Error("Failed to store captured request",
			zap.String("request_id", captured.ID),
			zap.Error(err),
		)
		errors.Wrap(errors.ErrInternal, err).WithRequestID(reqID).WriteJSON(w)
		return
	}
	g.announce(r.Context(), captured.ID)

	out := g.forwarder.Forward(r.Context(), captured)
	g.metrics.RecordCaptured(captured.Method, out.Status())

	w.Header().Set(RecordIDHeader, captured.ID)
	writeOutcome(w, captured.ID, reqID, out)
}

// capture reads r into a CapturedRequest, bounded by the configured body limit.
func (g *Gateway) capture(w http.ResponseWriter, r *http.Request) (*store.CapturedRequest, error) {
	var body []byte
	if r.Body != nil {
		reader := io.Reader(r.Body)
		if limit := g.config.Forward.MaxBodySize; limit > 0 {
			reader = http.MaxBytesReader(w, r.Body, limit)
		}
		b, err := io.ReadAll(reader)
		if err != nil {
			var maxErr *http.MaxBytesError
			if stderrors.As(err, &maxErr) {
				return nil, errors.New(errors.KindBadRequest, http.StatusRequestEntityTooLarge, "request body too large")
			}
			return nil, errors.ErrBadRequest.WithDetails("failed to read request body")
		}
		body = b
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return &store.CapturedRequest{
		ID:        uuid.NewString(),
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Method:    r.Method,
		Headers:   headers,
		Body:      string(body),
		ClientIP:  middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		CreatedAt: time.Now().UTC(),
		Status:    store.StatusPending,
	}, nil
}

// announce notifies the new record without blocking the request.
func (g *Gateway) announce(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	g.notifications.Add(1)
	go func() {
		defer g.notifications.Done()
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := g.notifier.NotifyNewRecord(ctx, id); err != nil {
			logging.Debug("New record notification failed",
				zap.String("request_id", id),
				zap.Error(err),
			)
		}
	}()
}

// writeOutcome relays the final leg's response, or the error that ended the
// forward. Unmatched requests are acknowledged with 202.
func writeOutcome(w http.ResponseWriter, id, reqID string, out *forward.Outcome) {
	if stderrors.Is(out.Err, errors.ErrNoMatchingRule) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"id":        id,
			"forwarded": false,
		})
		return
	}

	if !out.Success {
		errors.From(out.Err).WithRequestID(reqID).WriteJSON(w)
		return
	}

	for k, v := range out.Headers {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(out.StatusCode)
	w.Write(out.Body)
}
