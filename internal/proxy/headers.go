package proxy

import (
	"strings"

	"github.com/wudi/relay/internal/rule"
)

// ForwardTargetHeader is an internal marker that must never reach a target.
const ForwardTargetHeader = "x-forward-target"

var strippedHeaders = []string{"host", ForwardTargetHeader}

// TransformHeaders computes the outbound header set for r: a copy of original
// with RemoveHeaders dropped case-insensitively, AddHeaders overlaid with
// their configured keys, and proxy-internal headers stripped.
func TransformHeaders(original map[string]string, r *rule.ForwardRule) map[string]string {
	out := make(map[string]string, len(original)+len(r.AddHeaders))
	for k, v := range original {
		out[k] = v
	}

	for _, name := range r.RemoveHeaders {
		deleteFold(out, name)
	}
	for k, v := range r.AddHeaders {
		out[k] = v
	}
	for _, name := range strippedHeaders {
		deleteFold(out, name)
	}
	return out
}

// HeaderValue returns the value of name, matched case-insensitively.
func HeaderValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// SetHeader replaces any case variant of name with a single entry.
func SetHeader(headers map[string]string, name, value string) {
	deleteFold(headers, name)
	headers[name] = value
}

func deleteFold(headers map[string]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}
