// Package predicates provides named, configurable validation and filter
// predicates for the revision store, plus a registry and a hot-reload
// watcher that re-registers them from a config file without restarting the
// process.
package predicates

import (
	"fmt"
	"sync"

	"github.com/edirooss/litedb/internal/revstore"
)

// Registry holds the validation and filter predicates currently active on a
// store, keyed by name, and supports atomic swap-in of a new set (used by
// the hot-reload Watcher so a bad config never leaves the registry half
// applied).
type Registry struct {
	mu         sync.RWMutex
	validators map[string]revstore.ValidationPredicate
	filters    map[string]revstore.FilterPredicate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		validators: make(map[string]revstore.ValidationPredicate),
		filters:    make(map[string]revstore.FilterPredicate),
	}
}

// RegisterValidation adds or replaces a named validation predicate.
func (r *Registry) RegisterValidation(p revstore.ValidationPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[p.Name()] = p
}

// RegisterFilter adds or replaces a named filter predicate.
func (r *Registry) RegisterFilter(p revstore.FilterPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[p.Name()] = p
}

// Validation looks up a validation predicate by name.
func (r *Registry) Validation(name string) (revstore.ValidationPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.validators[name]
	return p, ok
}

// Filter looks up a filter predicate by name.
func (r *Registry) Filter(name string) (revstore.FilterPredicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.filters[name]
	return p, ok
}

// ValidationNames lists every registered validation predicate's name.
func (r *Registry) ValidationNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for name := range r.validators {
		out = append(out, name)
	}
	return out
}

// Validators returns every currently registered validation predicate, for
// wiring them all into a store with RegisterValidation at startup.
func (r *Registry) Validators() []revstore.ValidationPredicate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]revstore.ValidationPredicate, 0, len(r.validators))
	for _, p := range r.validators {
		out = append(out, p)
	}
	return out
}

// replaceFilters atomically swaps the filter set, used by reload so a
// partially-parsed config never leaves some filters stale and others new.
func (r *Registry) replaceFilters(filters map[string]revstore.FilterPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = filters
}

// replaceValidators atomically swaps the validator set.
func (r *Registry) replaceValidators(validators map[string]revstore.ValidationPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = validators
}

// errUnknownPredicate reports a config referencing a predicate kind this
// build doesn't compile in.
func errUnknownPredicate(kind string) error {
	return fmt.Errorf("unknown predicate kind %q", kind)
}
