package connectors

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the execution channels known to the daemon.
type Registry struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewRegistry creates a registry preloaded with the given channels.
func NewRegistry(channels ...Channel) (*Registry, error) {
	r := &Registry{
		channels: make(map[string]Channel),
	}
	for _, c := range channels {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a channel. Names are unique.
func (r *Registry) Register(c Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if _, ok := r.channels[name]; ok {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = c
	return nil
}

// Get retrieves a channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.channels[name]
	return c, ok
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
