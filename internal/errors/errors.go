package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a RelayError. Two errors with the same kind satisfy errors.Is.
type Kind string

const (
	KindNoMatchingRule           Kind = "no_matching_rule"
	KindTransport                Kind = "transport"
	KindTimeout                  Kind = "timeout"
	KindChainDepthExceeded       Kind = "chain_depth_exceeded"
	KindTokenExtractionFailed    Kind = "token_extraction_failed"
	KindReplaySourceNotForwarded Kind = "replay_source_not_forwarded"
	KindReplayThrottled          Kind = "replay_throttled"
	KindNotFound                 Kind = "not_found"
	KindDuplicateRule            Kind = "duplicate_rule"
	KindBadRequest               Kind = "bad_request"
	KindInternal                 Kind = "internal"
)

// RelayError is an error that carries a kind and the HTTP status used when
// it surfaces on the ingress or admin API.
type RelayError struct {
	Kind       Kind   `json:"kind"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *RelayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func (e *RelayError) Unwrap() error {
	return e.underlying
}

// Is reports whether target is a RelayError of the same kind.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *RelayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Forwarding errors
var (
	// ErrNoMatchingRule means "do not forward"; callers must not treat it as a failure.
	ErrNoMatchingRule = &RelayError{
		Kind:    KindNoMatchingRule,
		Code:    http.StatusNotFound,
		Message: "no matching forward rule",
	}

	ErrTransport = &RelayError{
		Kind:    KindTransport,
		Code:    http.StatusBadGateway,
		Message: "transport error",
	}

	ErrTimeout = &RelayError{
		Kind:    KindTimeout,
		Code:    http.StatusGatewayTimeout,
		Message: "timeout",
	}

	ErrChainDepthExceeded = &RelayError{
		Kind:    KindChainDepthExceeded,
		Code:    http.StatusLoopDetected,
		Message: "chain depth exceeded",
	}

	ErrTokenExtractionFailed = &RelayError{
		Kind:    KindTokenExtractionFailed,
		Code:    http.StatusOK,
		Message: "token extraction failed",
	}

	ErrReplaySourceNotForwarded = &RelayError{
		Kind:    KindReplaySourceNotForwarded,
		Code:    http.StatusConflict,
		Message: "request was never forwarded",
	}

	ErrReplayThrottled = &RelayError{
		Kind:    KindReplayThrottled,
		Code:    http.StatusTooManyRequests,
		Message: "replay rate limit exceeded",
	}
)

// Admin errors
var (
	ErrNotFound = &RelayError{
		Kind:    KindNotFound,
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrDuplicateRule = &RelayError{
		Kind:    KindDuplicateRule,
		Code:    http.StatusConflict,
		Message: "an enabled rule already matches this path and method",
	}

	ErrBadRequest = &RelayError{
		Kind:    KindBadRequest,
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternal = &RelayError{
		Kind:    KindInternal,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*RelayError][]byte

func init() {
	bases := []*RelayError{
		ErrNoMatchingRule, ErrTransport, ErrTimeout, ErrChainDepthExceeded,
		ErrTokenExtractionFailed, ErrReplaySourceNotForwarded, ErrReplayThrottled,
		ErrNotFound, ErrDuplicateRule, ErrBadRequest, ErrInternal,
	}
	preSerialized = make(map[*RelayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new RelayError
func New(kind Kind, code int, message string) *RelayError {
	return &RelayError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap attaches an underlying cause to a base error, keeping its kind.
func Wrap(base *RelayError, err error) *RelayError {
	return &RelayError{
		Kind:       base.Kind,
		Code:       base.Code,
		Message:    base.Message,
		Details:    base.Details,
		RequestID:  base.RequestID,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *RelayError) WithDetails(details string) *RelayError {
	return &RelayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *RelayError) WithRequestID(requestID string) *RelayError {
	return &RelayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsRelayError checks if an error is a RelayError
func IsRelayError(err error) (*RelayError, bool) {
	if re, ok := err.(*RelayError); ok {
		return re, true
	}
	return nil, false
}

// From converts any error into a RelayError, falling back to ErrInternal.
// It unwraps until a RelayError is found.
func From(err error) *RelayError {
	for e := err; e != nil; {
		if re, ok := e.(*RelayError); ok {
			return re
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return Wrap(ErrInternal, err)
}
