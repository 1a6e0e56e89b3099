// Package capability provides registration and resolution of agent
// capabilities.
package capability

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Common errors returned by the registry.
var (
	ErrNotFound = errors.New("capability not found")
	ErrExists   = errors.New("capability already registered")
)

// Result is the opaque output of a capability execution, keyed by output
// name and consumed by downstream agents as prior results.
type Result map[string]interface{}

// Invocation carries everything a capability needs for one execution.
type Invocation struct {
	GraphID   string
	TenantID  string
	AgentName string
	AgentType string

	// Config is the spec's config map, passed through verbatim.
	Config map[string]interface{}

	// Prior holds the results of every dependency, keyed by agent name.
	Prior map[string]Result
}

// Capability is the closed polymorphic contract for agent implementations.
// New agent types register, they do not subclass. Implementations must honor
// ctx cancellation and the deadline attached to it.
type Capability interface {
	Execute(ctx context.Context, inv *Invocation) (Result, error)
}

// Func adapts a plain function to the Capability interface.
type Func func(ctx context.Context, inv *Invocation) (Result, error)

func (f Func) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	return f(ctx, inv)
}

// Info describes a registered capability for discovery.
type Info struct {
	Type         string    `json:"type"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry maps a capability type tag to its implementation. It is an
// explicit object with a defined teardown, constructed at process start and
// passed by reference; safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	info Info
	impl Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Register adds a capability under its type tag.
// Returns ErrExists if the tag is taken.
func (r *Registry) Register(typeTag, description string, impl Capability) error {
	if typeTag == "" {
		return errors.New("capability type is required")
	}
	if impl == nil {
		return errors.New("capability implementation is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[typeTag]; exists {
		return ErrExists
	}
	r.entries[typeTag] = &entry{
		info: Info{
			Type:         typeTag,
			Description:  description,
			RegisteredAt: time.Now().UTC(),
		},
		impl: impl,
	}
	return nil
}

// Resolve returns the implementation for a type tag.
// Returns ErrNotFound if no capability is registered under it.
func (r *Registry) Resolve(typeTag string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[typeTag]
	if !ok {
		return nil, ErrNotFound
	}
	return e.impl, nil
}

// Exists checks whether a type tag is registered.
func (r *Registry) Exists(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[typeTag]
	return ok
}

// List returns the registered capabilities sorted by type tag.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Close releases the registry. Resolution fails after Close.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]*entry)
	return nil
}
