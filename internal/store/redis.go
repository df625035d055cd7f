package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/logging"
	"github.com/wudi/relay/internal/rule"
)

// RedisStore is a Redis-backed Store.
//
// Layout, relative to the key prefix:
//
//	req:<id>                JSON CapturedRequest (without replay stats)
//	req:<id>:replay_count   replay counter
//	req:<id>:last_replay    RFC3339Nano timestamp of the last replay
//	reqs                    ZSET of request ids scored by creation time
//	replays:<id>            LIST of JSON ReplayRecords
//	rule:<id>               JSON ForwardRule
//	rules                   ZSET of rule ids scored by declaration sequence
//	rules:seq               declaration sequence counter
type RedisStore struct {
	client *redis.Client
	prefix string

	// ruleMu serializes rule writes so the duplicate check and the write
	// happen atomically for this process.
	ruleMu sync.Mutex
}

// NewRedisStore creates a store over client. prefix is prepended to every key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) CreateRequest(ctx context.Context, req *CapturedRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("req", req.ID), data, 0)
		pipe.ZAdd(ctx, s.key("reqs"), redis.Z{Score: float64(req.CreatedAt.UnixNano()), Member: req.ID})
		return nil
	})
	return err
}

func (s *RedisStore) GetRequest(ctx context.Context, id string) (*CapturedRequest, error) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.Get(ctx, s.key("req", id))
	countCmd := pipe.Get(ctx, s.key("req", id, "replay_count"))
	lastCmd := pipe.Get(ctx, s.key("req", id, "last_replay"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	data, err := dataCmd.Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound.WithDetails("request " + id)
	}
	if err != nil {
		return nil, err
	}

	var req CapturedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decoding request %s: %w", id, err)
	}
	if n, err := countCmd.Int(); err == nil {
		req.ReplayCount = n
	}
	if v, err := lastCmd.Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			req.LastReplayAt = &t
		}
	}
	return &req, nil
}

func (s *RedisStore) UpdateRequest(ctx context.Context, req *CapturedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.key("req", req.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound.WithDetails("request " + req.ID)
	}
	return nil
}

func (s *RedisStore) ListRequests(ctx context.Context, limit int) ([]*CapturedRequest, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.key("reqs"), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*CapturedRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetRequest(ctx, id)
		if stderrors.Is(err, errors.ErrNotFound) {
			logging.Warn("captured request index points at a missing record", zap.String("request_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *RedisStore) IncrementReplayCount(ctx context.Context, id string, at time.Time) (int, error) {
	exists, err := s.client.Exists(ctx, s.key("req", id)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, errors.ErrNotFound.WithDetails("request " + id)
	}

	var incr *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, s.key("req", id, "replay_count"))
		pipe.Set(ctx, s.key("req", id, "last_replay"), at.UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) ListRules(ctx context.Context) ([]*rule.ForwardRule, error) {
	ids, err := s.client.ZRange(ctx, s.key("rules"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("rule", id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*rule.ForwardRule, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var r rule.ForwardRule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			logging.Warn("skipping undecodable rule", zap.String("rule_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *RedisStore) EnabledRules(ctx context.Context, method string) ([]*rule.ForwardRule, error) {
	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Enabled && r.Method == method {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisStore) Rule(ctx context.Context, id string) (*rule.ForwardRule, error) {
	data, err := s.client.Get(ctx, s.key("rule", id)).Bytes()
	if err == redis.Nil {
		return nil, errors.ErrNotFound.WithDetails("rule " + id)
	}
	if err != nil {
		return nil, err
	}
	var r rule.ForwardRule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding rule %s: %w", id, err)
	}
	return &r, nil
}

func (s *RedisStore) CreateRule(ctx context.Context, r *rule.ForwardRule) error {
	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	exists, err := s.client.Exists(ctx, s.key("rule", r.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return errors.ErrDuplicateRule.WithDetails("rule id " + r.ID + " already exists")
	}
	if err := s.checkConflict(ctx, r); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding rule: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.key("rules", "seq")).Result()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("rule", r.ID), data, 0)
		pipe.ZAdd(ctx, s.key("rules"), redis.Z{Score: float64(seq), Member: r.ID})
		return nil
	})
	return err
}

func (s *RedisStore) UpdateRule(ctx context.Context, r *rule.ForwardRule) error {
	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()

	existing, err := s.Rule(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := s.checkConflict(ctx, r); err != nil {
		return err
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding rule: %w", err)
	}
	return s.client.Set(ctx, s.key("rule", r.ID), data, 0).Err()
}

func (s *RedisStore) DeleteRule(ctx context.Context, id string) error {
	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key("rule", id))
		pipe.ZRem(ctx, s.key("rules"), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return errors.ErrNotFound.WithDetails("rule " + id)
	}
	return nil
}

func (s *RedisStore) checkConflict(ctx context.Context, r *rule.ForwardRule) error {
	all, err := s.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if rule.Conflicts(r, other) {
			return errors.ErrDuplicateRule.WithDetails(r.Method + " " + r.ProxyPath + " is already handled by rule " + other.ID)
		}
	}
	return nil
}

func (s *RedisStore) CreateReplay(ctx context.Context, rec *ReplayRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	exists, err := s.client.Exists(ctx, s.key("req", rec.RequestID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return errors.ErrNotFound.WithDetails("request " + rec.RequestID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding replay: %w", err)
	}
	return s.client.RPush(ctx, s.key("replays", rec.RequestID), data).Err()
}

func (s *RedisStore) ListReplays(ctx context.Context, requestID string) ([]*ReplayRecord, error) {
	exists, err := s.client.Exists(ctx, s.key("req", requestID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, errors.ErrNotFound.WithDetails("request " + requestID)
	}

	raws, err := s.client.LRange(ctx, s.key("replays", requestID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ReplayRecord, 0, len(raws))
	for i, raw := range raws {
		var rec ReplayRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decoding replay %s[%d]: %w", requestID, i, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
