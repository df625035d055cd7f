package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(KindBadRequest, 400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Kind != KindBadRequest {
		t.Errorf("Kind = %q, want %q", e.Kind, KindBadRequest)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(ErrTransport, inner)

	if e.Code != http.StatusBadGateway {
		t.Errorf("Code = %d, want 502", e.Code)
	}
	want := "transport error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, ErrTransport) {
		t.Error("wrapped error should match its base kind")
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
	if errors.Is(e, ErrTimeout) {
		t.Error("transport error must not match timeout")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("leg 2: %w", ErrChainDepthExceeded.WithDetails("max 5"))
	if !errors.Is(err, ErrChainDepthExceeded) {
		t.Error("expected chain depth error to be found through fmt wrap")
	}
}

func TestWithDetails(t *testing.T) {
	e := ErrBadRequest.WithDetails("field 'proxy_path' is required")

	if e.Details != "field 'proxy_path' is required" {
		t.Errorf("Details = %q", e.Details)
	}
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "Bad Request: field 'proxy_path' is required" {
		t.Errorf("Error() = %q", e.Error())
	}
	if ErrBadRequest.Details != "" {
		t.Error("WithDetails must not mutate the base error")
	}
}

func TestWithRequestID(t *testing.T) {
	e := ErrInternal.WithRequestID("req-123")
	if e.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want req-123", e.RequestID)
	}
	if ErrInternal.RequestID != "" {
		t.Error("WithRequestID must not mutate the base error")
	}
}

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name string
		err  *RelayError
		code int
		kind Kind
	}{
		{"base", ErrNotFound, 404, KindNotFound},
		{"details", ErrDuplicateRule.WithDetails("GET /a"), 409, KindDuplicateRule},
		{"depth", ErrChainDepthExceeded, 508, KindChainDepthExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.err.WriteJSON(w)

			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var body RelayError
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", body.Kind, tt.kind)
			}
		})
	}
}

func TestIsRelayError(t *testing.T) {
	if _, ok := IsRelayError(ErrTimeout); !ok {
		t.Error("expected ErrTimeout to be a RelayError")
	}
	if _, ok := IsRelayError(fmt.Errorf("plain")); ok {
		t.Error("plain error is not a RelayError")
	}
}

func TestFrom(t *testing.T) {
	if got := From(fmt.Errorf("ctx: %w", ErrNotFound)); got.Kind != KindNotFound {
		t.Errorf("From() kind = %q, want not_found", got.Kind)
	}
	if got := From(fmt.Errorf("boom")); got.Kind != KindInternal || got.Code != 500 {
		t.Errorf("From() = %+v, want internal", got)
	}
}
