package extract

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wudi/relay/internal/proxy"
	"github.com/wudi/relay/internal/rule"
)

// HeaderCandidates are tried in order when no header name is configured.
var HeaderCandidates = []string{
	"authorization",
	"x-auth-token",
	"x-access-token",
	"x-api-key",
	"x-authorization",
	"x-bearer-token",
	"authorization-token",
}

// BodyCandidates are the JSON field names tried in order when no body path
// is configured.
var BodyCandidates = []string{
	"token",
	"accessToken",
	"access_token",
	"authToken",
	"auth_token",
	"bearerToken",
	"bearer_token",
	"apiToken",
	"api_token",
	"jwt",
	"jwtToken",
}

// BodyContainers are the nested objects searched after the top level.
var BodyContainers = []string{"data", "result", "response", "auth", "payload"}

// Func extracts a token from a response. It returns "" when none is found.
type Func func(body []byte, headers map[string]string) string

// Build returns the extractor for an extraction mode and optional token path.
func Build(mode rule.ExtractMode, tokenPath string) Func {
	switch mode {
	case rule.ExtractHeaders:
		if tokenPath != "" {
			return func(_ []byte, headers map[string]string) string {
				return fromHeader(headers, tokenPath)
			}
		}
		return func(_ []byte, headers map[string]string) string {
			return detectHeader(headers)
		}
	case rule.ExtractBody:
		if tokenPath != "" {
			path := strings.TrimPrefix(tokenPath, "$.")
			return func(body []byte, _ map[string]string) string {
				return fromBody(body, path)
			}
		}
		return func(body []byte, _ map[string]string) string {
			return detectBody(body)
		}
	case rule.ExtractAuto:
		return func(body []byte, headers map[string]string) string {
			if tok := detectHeader(headers); tok != "" {
				return tok
			}
			return detectBody(body)
		}
	default:
		return func([]byte, map[string]string) string { return "" }
	}
}

// Token extracts the token r is configured for. A compressed body is decoded
// by its Content-Encoding first. Malformed input is treated as "no token".
func Token(body []byte, headers map[string]string, r *rule.ForwardRule) (string, bool) {
	if r.ExtractTokenFrom == "" || r.ExtractTokenFrom == rule.ExtractNone {
		return "", false
	}
	if enc, ok := proxy.HeaderValue(headers, "Content-Encoding"); ok {
		body = proxy.DecodeBody(body, enc)
	}
	tok := Build(r.ExtractTokenFrom, r.TokenPath)(body, headers)
	return tok, tok != ""
}

func fromHeader(headers map[string]string, name string) string {
	v, ok := proxy.HeaderValue(headers, name)
	if !ok {
		return ""
	}
	return stripBearer(v)
}

func detectHeader(headers map[string]string) string {
	for _, name := range HeaderCandidates {
		if tok := fromHeader(headers, name); tok != "" {
			return tok
		}
	}
	return ""
}

func fromBody(body []byte, path string) string {
	if path == "" || !gjson.ValidBytes(body) {
		return ""
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() || res.Type == gjson.Null {
		return ""
	}
	return res.String()
}

func detectBody(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return ""
	}
	if tok := firstString(doc); tok != "" {
		return tok
	}
	for _, c := range BodyContainers {
		nested := doc.Get(c)
		if !nested.IsObject() {
			continue
		}
		if tok := firstString(nested); tok != "" {
			return tok
		}
	}
	return ""
}

func firstString(obj gjson.Result) string {
	for _, name := range BodyCandidates {
		v := obj.Get(name)
		if v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
