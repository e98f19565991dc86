package resilience

import (
	"sort"
	"sync"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"go.uber.org/zap"
)

// Dependency names used across the service.
const (
	DependencyInference = "inference"
	DependencyStore     = "store"
)

// Registry owns one breaker per dependency name so failures of one dependency
// never affect another's accounting.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  Settings
	logger    *zap.Logger
	listeners []StateListener
}

func NewRegistry(defaults Settings, lg *zap.Logger, listeners ...StateListener) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults,
		logger:    logger.OrNop(lg),
		listeners: listeners,
	}
}

// Register creates the breaker for s.Name, or returns the existing one.
// Zero fields of s fall back to the registry defaults.
func (r *Registry) Register(s Settings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[s.Name]; ok {
		return b
	}
	b := NewBreaker(r.merge(s), r.logger, r.listeners...)
	r.breakers[s.Name] = b
	r.logger.Info("Circuit breaker registered",
		zap.String("dependency", s.Name),
		zap.Uint32("failure_threshold", b.settings.FailureThreshold),
		zap.Duration("reset_timeout", b.settings.ResetTimeout),
		zap.Uint32("successes_required", b.settings.SuccessesRequired),
		zap.Duration("call_timeout", b.settings.CallTimeout))
	return b
}

func (r *Registry) merge(s Settings) Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = r.defaults.FailureThreshold
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = r.defaults.ResetTimeout
	}
	if s.SuccessesRequired == 0 {
		s.SuccessesRequired = r.defaults.SuccessesRequired
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = r.defaults.CallTimeout
	}
	return s
}

// Get returns the breaker for name, registering it with defaults if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	return r.Register(Settings{Name: name})
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns every breaker's state ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
	r.logger.Info("All circuit breakers reset", zap.Int("count", len(r.breakers)))
}
