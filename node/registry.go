package node

import (
	"sync"

	"github.com/remotemedia/executor/core"
)

// Factory creates a new Node instance for one node type, given the
// capabilities that apply to this particular pipeline (after any
// manifest-level override of the type's registered defaults).
type Factory func(caps Capabilities) (Node, error)

// Registry manages node-type factory and capability registration. The
// default, process-wide instance is reached via GetRegistry; NewRegistry
// exists mainly for isolated tests.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]Factory
	capabilities map[string]Capabilities
}

var (
	globalRegistry *Registry
	registryOnce   sync.Once
)

// GetRegistry returns the process-wide node-type registry.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		capabilities: make(map[string]Capabilities),
	}
}

// Register associates a node type with its factory and default
// capabilities. Re-registering a type overwrites its prior registration.
func (r *Registry) Register(nodeType string, caps Capabilities, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps.NodeType = nodeType
	r.factories[nodeType] = factory
	r.capabilities[nodeType] = caps
}

// Create instantiates a node of nodeType, applying override on top of the
// type's registered default capabilities.
func (r *Registry) Create(nodeType string, override *Capabilities) (Node, Capabilities, error) {
	r.mu.RLock()
	factory, ok := r.factories[nodeType]
	caps := r.capabilities[nodeType]
	r.mu.RUnlock()

	if !ok {
		return nil, Capabilities{}, core.NewError("node.registry.create", core.KindManifestError,
			"node type '"+nodeType+"' is not registered", nil)
	}
	if override != nil {
		caps = mergeOverride(caps, *override)
	}
	n, err := factory(caps)
	if err != nil {
		return nil, Capabilities{}, core.NewError("node.registry.create", core.KindNodeExecutionError,
			"factory for node type '"+nodeType+"' failed", err)
	}
	return n, caps, nil
}

func mergeOverride(base, override Capabilities) Capabilities {
	merged := base
	if override.QueueCapacity != 0 {
		merged.QueueCapacity = override.QueueCapacity
	}
	if override.OverflowPolicy != 0 {
		merged.OverflowPolicy = override.OverflowPolicy
	}
	return merged
}

// Capabilities returns the currently registered default capabilities for
// nodeType and whether it is registered.
func (r *Registry) Capabilities(nodeType string) (Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[nodeType]
	return c, ok
}

// IsRegistered reports whether nodeType has a registered factory.
func (r *Registry) IsRegistered(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[nodeType]
	return ok
}

// ListTypes returns every registered node type name.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// Clear removes every registration. Mainly useful for tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
	r.capabilities = make(map[string]Capabilities)
}
