package trafficreplay

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/forward"
	"github.com/wudi/relay/internal/rule"
	"github.com/wudi/relay/internal/store"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name        string
		original    string
		replay      string
		wantKeys    []string
		wantJSON    bool
		wantDiffers bool
	}{
		{"identical json", `{"a":1,"b":[1,2]}`, `{"b":[1,2],"a":1}`, nil, true, false},
		{"whitespace only", `{"a": {"x": 1}}`, `{"a":{"x":1}}`, nil, true, false},
		{"one key changed", `{"a":1,"b":2}`, `{"a":1,"b":3}`, []string{"b"}, true, true},
		{"key added", `{"a":1}`, `{"a":1,"c":true}`, []string{"c"}, true, true},
		{"key removed", `{"a":1,"c":true}`, `{"a":1}`, []string{"c"}, true, true},
		{"plain text same", `hello`, `hello`, nil, false, false},
		{"plain text differs", `hello`, `world`, nil, false, true},
		{"array bodies", `[1,2]`, `[1,2]`, nil, false, false},
		{"json vs text", `{"a":1}`, `oops`, nil, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Compare(
				Sample{StatusCode: 200, Body: []byte(tt.original), ElapsedMs: 10},
				Sample{StatusCode: 200, Body: []byte(tt.replay), ElapsedMs: 15},
			)
			if d.JSON != tt.wantJSON {
				t.Errorf("JSON = %v, want %v", d.JSON, tt.wantJSON)
			}
			if d.BodyDiffers != tt.wantDiffers {
				t.Errorf("BodyDiffers = %v, want %v", d.BodyDiffers, tt.wantDiffers)
			}
			if len(d.Keys) != len(tt.wantKeys) {
				t.Fatalf("expected keys %v, got %v", tt.wantKeys, d.Keys)
			}
			for _, k := range tt.wantKeys {
				if _, ok := d.Keys[k]; !ok {
					t.Errorf("expected key %q in diff", k)
				}
			}
			if d.ElapsedDeltaMs != 5 {
				t.Errorf("expected elapsed delta 5, got %d", d.ElapsedDeltaMs)
			}
			if !tt.wantJSON && d.OriginalHash == "" {
				t.Error("expected fingerprints for non-JSON bodies")
			}
		})
	}
}

func TestCompare_MissingKeyIsNull(t *testing.T) {
	d := Compare(Sample{Body: []byte(`{"a":1}`)}, Sample{Body: []byte(`{}`)})
	kd := d.Keys["a"]
	if string(kd.Original) != "1" || string(kd.Replay) != "null" {
		t.Errorf("unexpected key diff %s -> %s", kd.Original, kd.Replay)
	}
}

func TestCompare_StatusMismatch(t *testing.T) {
	d := Compare(Sample{StatusCode: 200, Body: []byte(`{}`)}, Sample{StatusCode: 500, Body: []byte(`{}`)})
	if d.StatusMatch || d.Empty() {
		t.Error("status mismatch must be reported")
	}
}

func encode(t *testing.T, encoding, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch encoding {
	case "gzip":
		w := gzip.NewWriter(&buf)
		w.Write([]byte(body))
		w.Close()
	case "br":
		w := brotli.NewWriter(&buf)
		w.Write([]byte(body))
		w.Close()
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatal(err)
		}
		defer enc.Close()
		return enc.EncodeAll([]byte(body), nil)
	default:
		return []byte(body)
	}
	return buf.Bytes()
}

func TestCompare_DecodesContentEncoding(t *testing.T) {
	tests := []struct {
		name     string
		origEnc  string
		replEnc  string
		replay   string
		wantKeys int
	}{
		{"gzip vs brotli identical", "gzip", "br", `{"a":1,"b":2}`, 0},
		{"zstd vs plain changed", "zstd", "", `{"a":1,"b":3}`, 1},
		{"gzip vs gzip changed", "gzip", "gzip", `{"a":2,"b":2}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Compare(
				Sample{StatusCode: 200, Body: encode(t, tt.origEnc, `{"a":1,"b":2}`), Encoding: tt.origEnc},
				Sample{StatusCode: 200, Body: encode(t, tt.replEnc, tt.replay), Encoding: tt.replEnc},
			)
			if !d.JSON {
				t.Fatal("expected decoded bodies to compare as JSON")
			}
			if len(d.Keys) != tt.wantKeys {
				t.Errorf("expected %d changed keys, got %v", tt.wantKeys, d.Keys)
			}
		})
	}
}

type fixture struct {
	store   store.Store
	service *Service
	hits    atomic.Int32
	lastReq atomic.Pointer[string]
}

func newFixture(t *testing.T, handler http.HandlerFunc, cfg config.ReplayConfig) (*fixture, *httptest.Server) {
	t.Helper()
	fx := &fixture{store: store.NewMemoryStore(0)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		s := string(b)
		fx.lastReq.Store(&s)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	fwd := forward.NewForwarder(fx.store, forward.NewDispatcher(nil, time.Second), forward.Options{MountPrefix: "/api/proxy"})
	fx.service = NewService(fwd, fx.store, cfg, nil)
	return fx, srv
}

func (fx *fixture) seed(t *testing.T, req *store.CapturedRequest, r *rule.ForwardRule) {
	t.Helper()
	ctx := context.Background()
	if r != nil {
		if err := fx.store.CreateRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := fx.store.CreateRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
}

func TestReplay_IdenticalResponse(t *testing.T) {
	fx, srv := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":5,"state":"ok"}`))
	}, config.ReplayConfig{})

	fx.seed(t, &store.CapturedRequest{
		ID: "req-1", Path: "/api/proxy/orders", Method: http.MethodPost, Body: `{"n":1}`,
		Forwarded: true, RuleID: "orders", TargetURL: srv.URL + "/orders",
		StatusCode: 200, ResponseBody: `{"state":"ok","id":5}`, Status: store.StatusSuccess,
	}, &rule.ForwardRule{
		ID: "orders", ProxyPath: "/api/proxy/orders", Method: http.MethodPost,
		TargetURL: srv.URL + "/orders", Enabled: true, ExtractTokenFrom: rule.ExtractNone,
	})

	rec, err := fx.service.Replay(context.Background(), "req-1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Diff.Empty() {
		t.Errorf("expected empty diff, got %+v", rec.Diff)
	}
	if rec.RuleID != "orders" || rec.StatusCode != 200 {
		t.Errorf("unexpected record %+v", rec)
	}
	if got := *fx.lastReq.Load(); got != `{"n":1}` {
		t.Errorf("expected recorded body to be resent, got %q", got)
	}

	orig, _ := fx.store.GetRequest(context.Background(), "req-1")
	if orig.ReplayCount != 1 || orig.LastReplayAt == nil {
		t.Errorf("expected replay counter to advance, got %+v", orig)
	}
	replays, _ := fx.store.ListReplays(context.Background(), "req-1")
	if len(replays) != 1 || replays[0].ID != rec.ID {
		t.Errorf("expected the replay to be persisted, got %v", replays)
	}
}

func TestReplay_SingleKeyChanged(t *testing.T) {
	fx, srv := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":5,"state":"failed"}`))
	}, config.ReplayConfig{})

	fx.seed(t, &store.CapturedRequest{
		ID: "req-1", Path: "/api/proxy/orders", Method: http.MethodGet,
		Forwarded: true, RuleID: "gone", TargetURL: srv.URL + "/orders?x=1", Query: "x=1",
		StatusCode: 200, ResponseBody: `{"id":5,"state":"ok"}`,
	}, nil)

	rec, err := fx.service.Replay(context.Background(), "req-1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Diff.Keys) != 1 {
		t.Fatalf("expected exactly one changed key, got %v", rec.Diff.Keys)
	}
	kd, ok := rec.Diff.Keys["state"]
	if !ok || string(kd.Original) != `"ok"` || string(kd.Replay) != `"failed"` {
		t.Errorf("unexpected key diff %+v", rec.Diff.Keys)
	}
	if rec.TargetURL != srv.URL+"/orders?x=1" {
		t.Errorf("pass-through rule should reuse the recorded target, got %s", rec.TargetURL)
	}
}

func TestReplay_Overrides(t *testing.T) {
	var gotHeader, gotPath string
	fx, srv := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Debug")
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}, config.ReplayConfig{})

	fx.seed(t, &store.CapturedRequest{
		ID: "req-1", Path: "/api/proxy/orders", Method: http.MethodPost, Body: `{"a":1}`,
		Forwarded: true, TargetURL: "http://unused.invalid/orders", StatusCode: 200,
	}, nil)

	body := `{"a":2,"b":"x"}`
	_, err := fx.service.Replay(context.Background(), "req-1", Options{
		TargetURL: srv.URL + "/staging",
		Headers:   map[string]string{"X-Debug": "1"},
		Body:      &body,
		BodyPatch: map[string]any{"b": "y", "nested.c": 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/staging" || gotHeader != "1" {
		t.Errorf("overrides not applied: path=%s header=%s", gotPath, gotHeader)
	}
	if got := *fx.lastReq.Load(); got != `{"a":2,"b":"y","nested":{"c":3}}` {
		t.Errorf("unexpected patched body %s", got)
	}
}

func TestReplay_NotForwarded(t *testing.T) {
	fx, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {}, config.ReplayConfig{})
	fx.seed(t, &store.CapturedRequest{ID: "req-1", Path: "/api/proxy/x", Method: http.MethodGet, Status: store.StatusNoRule}, nil)

	_, err := fx.service.Replay(context.Background(), "req-1", Options{})
	if !stderrors.Is(err, errors.ErrReplaySourceNotForwarded) {
		t.Fatalf("expected not-forwarded rejection, got %v", err)
	}
	if fx.hits.Load() != 0 {
		t.Error("no call should have been made")
	}
}

func TestReplay_NotFound(t *testing.T) {
	fx, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {}, config.ReplayConfig{})
	_, err := fx.service.Replay(context.Background(), "missing", Options{})
	if !stderrors.Is(err, errors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplay_RateLimited(t *testing.T) {
	fx, srv := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, config.ReplayConfig{RatePerSec: 0.001, Burst: 1})
	fx.seed(t, &store.CapturedRequest{
		ID: "req-1", Path: "/api/proxy/x", Method: http.MethodGet,
		Forwarded: true, TargetURL: srv.URL, StatusCode: 200,
	}, nil)

	if _, err := fx.service.Replay(context.Background(), "req-1", Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.Replay(context.Background(), "req-1", Options{}); !stderrors.Is(err, errors.ErrReplayThrottled) {
		t.Fatalf("expected throttling, got %v", err)
	}
}
