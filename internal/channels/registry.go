package channels

import (
	"context"
	"sort"
	"sync"
)

// Registry holds the configured adapters keyed by channel name. All
// five channels are always registered; adapters built from missing
// credentials report themselves as unconfigured and fail sends with a
// misconfigured error rather than being absent.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a channel name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered channel names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatusAll collects every adapter's status snapshot, keyed by channel.
func (r *Registry) StatusAll() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Status()
	}
	return out
}

// VerifyAll runs Verify on every adapter and returns the per-channel
// outcome. A nil map value means the channel verified clean.
func (r *Registry) VerifyAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Verify(ctx)
	}
	return out
}
