// Package board tracks which queues are active on the dashboard.
package board

import (
	"fmt"
	"strings"
	"sync"

	"github.com/athulya-anil/axon-board/pkg/queue"
)

// Names of the queues every board starts with.
const (
	ExampleQueue = "ExampleBullMQ"
	ErrorQueue   = "ErrorExampleBullMQ"
)

// Registry keeps the active queues in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	active map[string]struct{}
}

// NewRegistry creates a registry holding names.
func NewRegistry(names ...string) *Registry {
	r := &Registry{active: make(map[string]struct{})}
	for _, n := range names {
		_ = r.Add(n)
	}
	return r
}

// NewDefaultRegistry creates a registry with the two demo queues.
func NewDefaultRegistry() *Registry {
	return NewRegistry(ExampleQueue, ErrorQueue)
}

// NormalizeName trims a queue name. Empty names and names that cannot form a
// single /ui/queues/:queue path segment are rejected.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("queueName is required")
	}
	if strings.ContainsAny(name, "/?#%") {
		return "", fmt.Errorf("queueName %q must not contain / ? # or %%", name)
	}
	return name, nil
}

// Add registers a queue. It fails with queue.ErrQueueExists when the name is
// already active.
func (r *Registry) Add(name string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[name]; ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueExists, name)
	}
	r.active[name] = struct{}{}
	r.names = append(r.names, name)
	return nil
}

// Remove unregisters a queue and reports whether it was active.
func (r *Registry) Remove(name string) bool {
	name = strings.TrimSpace(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[name]; !ok {
		return false
	}
	delete(r.active, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[strings.TrimSpace(name)]
	return ok
}

// Names returns a copy of the active queue names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}
