package circuitbreaker

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/relay/internal/config"
	"github.com/wudi/relay/internal/logging"
)

const (
	defaultFailureThreshold = 5
	defaultMaxHosts         = 1024
)

// StateFunc is called when a host's breaker changes state.
// state follows gobreaker: 0=closed, 1=half-open, 2=open.
type StateFunc func(host string, state int)

// Snapshot is a point-in-time view of one host's breaker.
type Snapshot struct {
	Host                string `json:"host"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Requests            uint32 `json:"requests"`
}

// Set holds one breaker per target host, bounded by an LRU. Only transport
// failures count against a breaker; any completed HTTP exchange is a success.
type Set[T any] struct {
	settings gobreaker.Settings
	onState  StateFunc

	mu       sync.Mutex
	breakers *lru.Cache[string, *gobreaker.CircuitBreaker[T]]
}

// NewSet creates a breaker set from config.
func NewSet[T any](cfg config.CircuitBreakerConfig, onState StateFunc) (*Set[T], error) {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = defaultMaxHosts
	}

	cache, err := lru.New[string, *gobreaker.CircuitBreaker[T]](maxHosts)
	if err != nil {
		return nil, err
	}

	s := &Set[T]{
		onState:  onState,
		breakers: cache,
	}
	s.settings = gobreaker.Settings{
		MaxRequests: uint32(maxRequests),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if s.onState != nil {
				s.onState(name, int(to))
			}
		},
	}
	return s, nil
}

func (s *Set[T]) breaker(host string) *gobreaker.CircuitBreaker[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers.Get(host); ok {
		return cb
	}
	settings := s.settings
	settings.Name = host
	cb := gobreaker.NewCircuitBreaker[T](settings)
	s.breakers.Add(host, cb)
	return cb
}

// Execute runs fn through the breaker for host.
func (s *Set[T]) Execute(host string, fn func() (T, error)) (T, error) {
	return s.breaker(host).Execute(fn)
}

// Snapshots returns the state of every tracked host.
func (s *Set[T]) Snapshots() []Snapshot {
	s.mu.Lock()
	hosts := s.breakers.Keys()
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(hosts))
	for _, h := range hosts {
		cb, ok := s.breakers.Peek(h)
		if !ok {
			continue
		}
		counts := cb.Counts()
		out = append(out, Snapshot{
			Host:                h,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
		})
	}
	return out
}

// IsOpen reports whether err was returned because a breaker refused the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
