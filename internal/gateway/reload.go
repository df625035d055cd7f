package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/rule"
)

// ReloadResult describes the outcome of applying a new configuration.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Changes   []string  `json:"changes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SeedRules syncs the config-declared rules into the store. Rules seeded by
// an earlier call and no longer declared are deleted; rules created through
// the admin API are never touched.
func (g *Gateway) SeedRules(ctx context.Context, rules []config.RuleConfig) error {
	_, err := g.seed(ctx, rules)
	return err
}

func (g *Gateway) seed(ctx context.Context, rules []config.RuleConfig) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	declared := make(map[string]bool, len(rules))
	for _, rc := range rules {
		declared[rc.ID] = true
	}

	var changes []string
	var errs []error

	for id := range g.seeded {
		if declared[id] {
			continue
		}
		if err := g.store.DeleteRule(ctx, id); err != nil && !stderrors.Is(err, errors.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete rule %s: %w", id, err))
			continue
		}
		delete(g.seeded, id)
		changes = append(changes, "removed rule "+id)
	}

	for _, rc := range rules {
		fr := rule.FromConfig(rc)
		_, err := g.store.Rule(ctx, fr.ID)
		switch {
		case err == nil:
			err = g.store.UpdateRule(ctx, fr)
			if err == nil && g.seeded[fr.ID] {
				changes = append(changes, "updated rule "+fr.ID)
			}
		case stderrors.Is(err, errors.ErrNotFound):
			err = g.store.CreateRule(ctx, fr)
			if err == nil {
				changes = append(changes, "added rule "+fr.ID)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", fr.ID, err))
			continue
		}
		g.seeded[fr.ID] = true
	}

	if len(changes) > 0 {
		logging.Info("Seeded forward rules",
			zap.Int("declared", len(rules)),
			zap.Strings("changes", changes),
		)
	}
	return changes, stderrors.Join(errs...)
}

// Reload applies the rule and notification settings of cfg. Listener,
// store and transport settings require a restart.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	changes, err := g.seed(context.Background(), cfg.Rules)
	result.Changes = changes
	if err != nil {
		result.Error = err.Error()
		logging.Error("Config reload failed", zap.Error(err))
		return result
	}

	if g.webhook != nil {
		g.webhook.UpdateEndpoints(cfg.Notify.Webhooks.Endpoints)
		result.Changes = append(result.Changes, "webhook endpoints updated")
	}

	g.mu.Lock()
	g.active = cfg
	g.mu.Unlock()

	result.Success = true
	logging.Info("Config reloaded successfully", zap.Int("changes", len(result.Changes)))
	return result
}
