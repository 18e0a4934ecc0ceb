package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds every exposed resource, keyed by collection name
type Registry struct {
	resources map[string]*Resource
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]*Resource),
	}
}

// Register adds a resource. Relation targets are checked later by
// ValidateAll so resources may reference each other in any order.
func (r *Registry) Register(res *Resource) error {
	if res == nil {
		return errors.New("cannot register a nil resource")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[res.Name]; exists {
		return fmt.Errorf("resource %s is already registered", res.Name)
	}
	r.resources[res.Name] = res
	return nil
}

// Get retrieves a resource by collection name
func (r *Registry) Get(name string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[name]
	return res, ok
}

// Target resolves the resource a relation points at
func (r *Registry) Target(rel *Relation) (*Resource, error) {
	res, ok := r.Get(rel.Target)
	if !ok {
		return nil, fmt.Errorf("relation %s targets unregistered resource %s", rel.Name, rel.Target)
	}
	return res, nil
}

// List returns the registered collection names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll checks that every relation targets a registered resource and
// that foreign keys stored on the target exist there.
func (r *Registry) ValidateAll() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range sortedKeys(r.resources) {
		res := r.resources[name]
		for _, rel := range res.Relations() {
			target, ok := r.resources[rel.Target]
			if !ok {
				errs = append(errs, fmt.Errorf("%s.%s: unknown target resource %s", res.Name, rel.Name, rel.Target))
				continue
			}
			if rel.Kind == ToMany && !rel.UsesJoinTable() && !target.IsColumn(rel.ForeignKey) {
				errs = append(errs, fmt.Errorf("%s.%s: foreign key %s is not a field of %s", res.Name, rel.Name, rel.ForeignKey, target.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]*Resource) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
