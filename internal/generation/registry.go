package generation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/phrazzld/genflow/internal/domain"
)

// Registry maps kinds and adapter names to adapters.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Adapter
	byKind  map[domain.Kind]string
	allowed map[domain.Kind]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Adapter),
		byKind:  make(map[domain.Kind]string),
		allowed: make(map[domain.Kind]map[string]bool),
	}
}

// Register adds a under its name and makes it the default for each kind
// given. An adapter registered for a kind may also be chosen explicitly
// through the "provider" param.
func (r *Registry) Register(a Adapter, defaultFor ...domain.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName[a.Name()] = a
	for _, k := range defaultFor {
		r.byKind[k] = a.Name()
		r.allow(k, a.Name())
	}
}

// Allow lets a registered adapter serve kind without being its default.
func (r *Registry) Allow(kind domain.Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allow(kind, name)
}

func (r *Registry) allow(kind domain.Kind, name string) {
	if r.allowed[kind] == nil {
		r.allowed[kind] = make(map[string]bool)
	}
	r.allowed[kind][name] = true
}

// Resolve picks the adapter for a new task: the one named by the params'
// "provider" field if present, otherwise the kind's default.
func (r *Registry) Resolve(kind domain.Kind, params json.RawMessage) (Adapter, error) {
	name, err := providerParam(params)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		def, ok := r.byKind[kind]
		if !ok {
			return nil, fmt.Errorf("%w: kind %q", ErrNoAdapter, kind)
		}
		return r.byName[def], nil
	}
	if !r.allowed[kind][name] {
		return nil, fmt.Errorf("%w: provider %q for kind %q", ErrNoAdapter, name, kind)
	}
	return r.byName[name], nil
}

// ByName returns the adapter registered under name.
func (r *Registry) ByName(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrNoAdapter, name)
	}
	return a, nil
}

// ForRecord returns the adapter that owns rec's provider handle, falling
// back to Resolve for records that have not started yet.
func (r *Registry) ForRecord(rec *domain.TaskRecord) (Adapter, error) {
	if rec.Provider != "" {
		return r.ByName(rec.Provider)
	}
	return r.Resolve(rec.Kind, rec.Params)
}

// Supports reports whether some adapter serves kind.
func (r *Registry) Supports(kind domain.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKind[kind]
	return ok
}

// Names lists registered adapter names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func providerParam(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	var p struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return strings.TrimSpace(p.Provider), nil
}
