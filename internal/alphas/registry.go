package alphas

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry creates alphas by name.
type Registry struct {
	logger    *zap.Logger
	factories map[string]func() Alpha
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in alphas registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Alpha),
	}

	r.Register("narrative_shift", func() Alpha { return NewNarrativeShift(logger, DefaultNarrativeConfig()) })
	r.Register("panic_detector", func() Alpha { return NewPanicDetector(logger, DefaultPanicConfig()) })
	r.Register("trend_following", func() Alpha { return NewTrendFollowing(logger, DefaultTrendConfig()) })

	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, factory func() Alpha) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) Create(name string) (Alpha, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown alpha: %q", name)
	}
	return factory(), nil
}

// CreateAll creates the named alphas in order.
func (r *Registry) CreateAll(names []string) ([]Alpha, error) {
	out := make([]Alpha, 0, len(names))
	for _, name := range names {
		a, err := r.Create(name)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
