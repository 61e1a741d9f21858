package trading

import (
	"fmt"
	"sync"

	"perptrader/internal/contract"
	"perptrader/internal/decision"
	"perptrader/pkg/exchange"
)

// Registry owns every strategy context for the process lifetime.
// Contexts are created at startup and never removed; there is no notion
// of an "active" context, callers always address one explicitly.
type Registry struct {
	mu       sync.Mutex
	contexts map[string]*Context
	order    []string
	locks    map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		contexts: make(map[string]*Context),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create registers a new context. Keys must be unique; the account key
// scopes the execution lock shared by contexts trading one account.
func (r *Registry) Create(key, display, accountKey string, adapter exchange.Adapter, decider decision.Source, contracts *contract.Resolver) (*Context, error) {
	if key == "" {
		return nil, fmt.Errorf("context key is required")
	}
	if adapter == nil || decider == nil || contracts == nil {
		return nil, fmt.Errorf("context %q: adapter, decider and contract resolver are required", key)
	}
	if accountKey == "" {
		accountKey = key
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contexts[key]; exists {
		return nil, fmt.Errorf("context %q already registered", key)
	}
	c := newContext(key, display, accountKey, adapter, decider, contracts)
	r.contexts[key] = c
	r.order = append(r.order, key)
	if _, ok := r.locks[accountKey]; !ok {
		r.locks[accountKey] = &sync.Mutex{}
	}
	return c, nil
}

// Get returns the context registered under key.
func (r *Registry) Get(key string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[key]
	return c, ok
}

// Contexts returns all contexts in registration order.
func (r *Registry) Contexts() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Context, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.contexts[key])
	}
	return out
}

// ExecutionLock returns the mutex serializing order placement for an
// account family. Contexts with the same account key get the same
// mutex.
func (r *Registry) ExecutionLock(accountKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[accountKey]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[accountKey] = lock
	}
	return lock
}

// Validate checks the registry is usable; an engine with zero contexts
// has nothing to do and must not start.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contexts) == 0 {
		return fmt.Errorf("no strategy contexts registered")
	}
	return nil
}
