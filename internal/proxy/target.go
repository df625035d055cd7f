package proxy

import (
	"net/url"
	"strings"

	"github.com/wudi/relay/internal/rule"
)

// BuildTarget derives the outbound URL for originalPath under r. When the
// rule has a PathRewrite or a "*" placeholder in its TargetURL, the Suffix of
// originalPath is substituted into the placeholder (or appended after
// PathRewrite). Otherwise TargetURL is returned verbatim.
func BuildTarget(r *rule.ForwardRule, originalPath, mountPrefix string) string {
	placeholder := strings.Index(r.TargetURL, "*")
	if r.PathRewrite == "" && placeholder == -1 {
		return r.TargetURL
	}

	replacement := Suffix(originalPath, mountPrefix)
	if r.PathRewrite != "" {
		if replacement == "" {
			replacement = r.PathRewrite
		} else {
			replacement = singleJoinSlash(r.PathRewrite, replacement)
		}
	}

	if placeholder == -1 {
		if replacement == "" {
			return r.TargetURL
		}
		return singleJoinSlash(r.TargetURL, replacement)
	}

	before, after := r.TargetURL[:placeholder], r.TargetURL[placeholder+1:]
	if strings.HasSuffix(before, "/") {
		replacement = strings.TrimPrefix(replacement, "/")
	}
	return before + replacement + after
}

// Suffix returns the part of path that follows the mount convention's
// service segment: the mount prefix and the first segment below it are
// dropped, so "/api/proxy/svc/v1/orders" yields "v1/orders". A path outside
// the mount is returned whole without its leading slash.
func Suffix(path, mountPrefix string) string {
	if i := strings.IndexByte(path, '?'); i != -1 {
		path = path[:i]
	}
	rest, ok := underMount(path, mountPrefix)
	if !ok {
		return strings.TrimPrefix(path, "/")
	}
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i != -1 {
		return rest[i+1:]
	}
	return ""
}

// underMount returns the remainder of path after mountPrefix.
func underMount(path, mountPrefix string) (string, bool) {
	mountPrefix = strings.TrimSuffix(mountPrefix, "/")
	if mountPrefix == "" {
		return path, true
	}
	if path == mountPrefix {
		return "", true
	}
	if strings.HasPrefix(path, mountPrefix+"/") {
		return path[len(mountPrefix):], true
	}
	return "", false
}

// IsUnderMount reports whether path lies on the proxy surface.
func IsUnderMount(path, mountPrefix string) bool {
	_, ok := underMount(path, mountPrefix)
	return ok
}

// InternalPath returns the path of targetURL when it designates the relay's
// own mount point, so the caller can resolve it against the rules instead of
// making an HTTP call to itself.
func InternalPath(targetURL, mountPrefix string) (string, bool) {
	u, err := url.Parse(targetURL)
	if err != nil || u.Path == "" {
		return "", false
	}
	if strings.TrimSuffix(mountPrefix, "/") == "" {
		return "", false
	}
	if !IsUnderMount(u.Path, mountPrefix) {
		return "", false
	}
	return u.Path, true
}

// WithQuery appends rawQuery to target, merging with any query already present.
func WithQuery(target, rawQuery string) string {
	rawQuery = strings.TrimPrefix(rawQuery, "?")
	if rawQuery == "" {
		return target
	}
	if strings.Contains(target, "?") {
		return target + "&" + rawQuery
	}
	return target + "?" + rawQuery
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
