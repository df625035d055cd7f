package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/middleware"
	"github.com/wudi/relay/internal/rule"
	"github.com/wudi/relay/internal/trafficreplay"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxAdminBody     = 1 << 20
)

// registerAdmin mounts the admin API under prefix.
func (g *Gateway) registerAdmin(router *httprouter.Router, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")

	router.GET(prefix+"/rules", g.handleListRules)
	router.POST(prefix+"/rules", g.handleCreateRule)
	router.GET(prefix+"/rules/:id", g.handleGetRule)
	router.PUT(prefix+"/rules/:id", g.handleUpdateRule)
	router.DELETE(prefix+"/rules/:id", g.handleDeleteRule)

	router.GET(prefix+"/requests", g.handleListRequests)
	router.GET(prefix+"/requests/:id", g.handleGetRequest)
	router.POST(prefix+"/requests/:id/replay", g.handleReplay)
	router.GET(prefix+"/requests/:id/replays", g.handleListReplays)

	router.GET(prefix+"/config", g.handleConfig)
	router.GET(prefix+"/circuit-breakers", g.handleCircuitBreakers)
	router.GET(prefix+"/webhooks", g.handleWebhooks)
}

func (g *Gateway) handleListRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rules, err := g.store.ListRules(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (g *Gateway) handleGetRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fr, err := g.store.Rule(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fr)
}

func (g *Gateway) handleCreateRule(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fr, ok := decodeRule(w, r)
	if !ok {
		return
	}
	if err := g.store.CreateRule(r.Context(), fr); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info("Forward rule created",
		zap.String("rule_id", fr.ID),
		zap.String("proxy_path", fr.ProxyPath),
		zap.String("method", fr.Method),
	)
	writeJSON(w, http.StatusCreated, fr)
}

func (g *Gateway) handleUpdateRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fr, ok := decodeRule(w, r)
	if !ok {
		return
	}
	fr.ID = ps.ByName("id")
	if err := g.store.UpdateRule(r.Context(), fr); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info("Forward rule updated", zap.String("rule_id", fr.ID))
	writeJSON(w, http.StatusOK, fr)
}

func (g *Gateway) handleDeleteRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := g.store.DeleteRule(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	g.mu.Lock()
	delete(g.seeded, id)
	g.mu.Unlock()

	logging.Info("Forward rule deleted", zap.String("rule_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListRequests(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, errors.ErrBadRequest.WithDetails("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	reqs, err := g.store.ListRequests(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	req, err := g.store.GetRequest(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (g *Gateway) handleReplay(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var opts trafficreplay.Options
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&opts); err != nil {
			writeError(w, r, errors.ErrBadRequest.WithDetails("invalid replay options: "+err.Error()))
			return
		}
	}

	rec, err := g.replays.Replay(r.Context(), ps.ByName("id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (g *Gateway) handleListReplays(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := g.store.GetRequest(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	replays, err := g.store.ListReplays(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replays)
}

func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	g.mu.Lock()
	cfg := g.active
	g.mu.Unlock()

	redacted, err := config.RedactConfig(cfg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (g *Gateway) handleCircuitBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if g.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  true,
		"breakers": g.breakers.Snapshots(),
	})
}

func (g *Gateway) handleWebhooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if g.webhook == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, g.webhook.Stats())
}

// decodeRule reads, normalizes and validates a rule from the request body.
func decodeRule(w http.ResponseWriter, r *http.Request) (*rule.ForwardRule, bool) {
	fr := rule.ForwardRule{Enabled: true}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&fr); err != nil {
		writeError(w, r, errors.ErrBadRequest.WithDetails("invalid rule: "+err.Error()))
		return nil, false
	}
	fr.Normalize()
	if err := fr.Validate(); err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return &fr, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	errors.From(err).WithRequestID(middleware.RequestIDFromContext(r.Context())).WriteJSON(w)
}
