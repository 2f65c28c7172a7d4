package revstore

import (
	"reflect"

	"github.com/edirooss/litedb/internal/dberrors"
)

// ValidationPredicate is a named, configurable check run against every
// client-initiated write; never against replicated or force-inserted
// revisions.
type ValidationPredicate interface {
	Name() string
	Validate(ctx *ValidationContext) error
}

// FilterPredicate is a named, configurable inclusion check used by change
// feeds and replication.
type FilterPredicate interface {
	Name() string
	Include(rev *Revision, params map[string]string) bool
}

// ValidationContext is passed to each registered predicate in turn; a
// predicate signals rejection by returning a non-nil error (conventionally
// *dberrors.Forbidden, defaulting to 403/"invalid document"). Predicates
// must be pure: side effects are not guaranteed to occur if the surrounding
// transaction later rolls back.
type ValidationContext struct {
	// Current is the pre-change revision, or nil if this is a new document.
	Current *Revision
	// Proposed is the revision being written.
	Proposed *Revision
	// changed holds the set of top-level body keys whose values differ
	// between Current and Proposed.
	changed map[string]bool
}

// NewValidationContext computes the changed-key set between current and
// proposed and returns a ready-to-use context. Exported so predicates can be
// unit tested without a live store.
func NewValidationContext(current, proposed *Revision) *ValidationContext {
	changed := make(map[string]bool)
	var curBody, newBody map[string]any
	if current != nil {
		curBody = current.Body
	}
	if proposed != nil {
		newBody = proposed.Body
	}
	for k, v := range newBody {
		if cv, ok := curBody[k]; !ok || !reflect.DeepEqual(cv, v) {
			changed[k] = true
		}
	}
	for k := range curBody {
		if _, ok := newBody[k]; !ok {
			changed[k] = true
		}
	}
	return &ValidationContext{Current: current, Proposed: proposed, changed: changed}
}

// ChangedKeys returns the top-level body keys whose values differ between
// the current and proposed revisions.
func (c *ValidationContext) ChangedKeys() []string {
	out := make([]string, 0, len(c.changed))
	for k := range c.changed {
		out = append(out, k)
	}
	return out
}

// OnlyKeysChanged reports whether every changed key is among allowed.
func (c *ValidationContext) OnlyKeysChanged(allowed ...string) bool {
	set := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	for k := range c.changed {
		if !set[k] {
			return false
		}
	}
	return true
}

// NoneKeysChanged reports whether none of forbidden were changed.
func (c *ValidationContext) NoneKeysChanged(forbidden ...string) bool {
	for _, k := range forbidden {
		if c.changed[k] {
			return false
		}
	}
	return true
}

// Reject is a convenience constructor predicates use to signal rejection.
func Reject(status int, message string) error {
	return dberrors.NewForbidden(status, message)
}
