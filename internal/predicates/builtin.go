package predicates

import (
	"fmt"
	"strings"

	"github.com/edirooss/litedb/internal/revstore"
)

// requireFields rejects a write unless every field in Fields is present in
// the proposed body (and non-nil). Useful for enforcing a document schema's
// mandatory columns at write time.
type requireFields struct {
	name   string
	Fields []string
}

// NewRequireFields returns a validation predicate named name that rejects
// any client write whose proposed body is missing one of fields.
func NewRequireFields(name string, fields []string) revstore.ValidationPredicate {
	return &requireFields{name: name, Fields: fields}
}

func (p *requireFields) Name() string { return p.name }

func (p *requireFields) Validate(ctx *revstore.ValidationContext) error {
	if ctx.Proposed.Deleted {
		return nil
	}
	for _, f := range p.Fields {
		if v, ok := ctx.Proposed.Body[f]; !ok || v == nil {
			return revstore.Reject(403, fmt.Sprintf("missing required field %q", f))
		}
	}
	return nil
}

// immutableFields rejects a write that changes any field in Fields once the
// document already exists (no effect on a document's first revision).
type immutableFields struct {
	name   string
	Fields []string
}

// NewImmutableFields returns a validation predicate named name that rejects
// edits changing any of fields after the document's first revision.
func NewImmutableFields(name string, fields []string) revstore.ValidationPredicate {
	return &immutableFields{name: name, Fields: fields}
}

func (p *immutableFields) Name() string { return p.name }

func (p *immutableFields) Validate(ctx *revstore.ValidationContext) error {
	if ctx.Current == nil {
		return nil
	}
	if !ctx.NoneKeysChanged(p.Fields...) {
		return revstore.Reject(403, fmt.Sprintf("fields %v are immutable", p.Fields))
	}
	return nil
}

// maxBodyFields rejects a write whose proposed body has more than Max
// top-level keys, a cheap guard against unbounded document growth.
type maxBodyFields struct {
	name string
	Max  int
}

// NewMaxBodyFields returns a validation predicate named name that rejects
// any proposed body with more than max top-level keys.
func NewMaxBodyFields(name string, max int) revstore.ValidationPredicate {
	return &maxBodyFields{name: name, Max: max}
}

func (p *maxBodyFields) Name() string { return p.name }

func (p *maxBodyFields) Validate(ctx *revstore.ValidationContext) error {
	if len(ctx.Proposed.Body) > p.Max {
		return revstore.Reject(403, fmt.Sprintf("body has %d fields, exceeds limit of %d", len(ctx.Proposed.Body), p.Max))
	}
	return nil
}

// docIDPrefix is a change-feed/replication filter including only documents
// whose id starts with one of Prefixes (or a single prefix supplied via the
// "prefix" query parameter, if Prefixes is empty).
type docIDPrefix struct {
	name     string
	Prefixes []string
}

// NewDocIDPrefix returns a filter predicate named name that includes only
// documents whose id starts with one of prefixes.
func NewDocIDPrefix(name string, prefixes []string) revstore.FilterPredicate {
	return &docIDPrefix{name: name, Prefixes: prefixes}
}

func (p *docIDPrefix) Name() string { return p.name }

func (p *docIDPrefix) Include(rev *revstore.Revision, params map[string]string) bool {
	prefixes := p.Prefixes
	if len(prefixes) == 0 {
		if pfx := params["prefix"]; pfx != "" {
			prefixes = []string{pfx}
		}
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, pfx := range prefixes {
		if strings.HasPrefix(rev.DocID, pfx) {
			return true
		}
	}
	return false
}

// excludeDeleted is a filter predicate dropping tombstones from a change
// feed; replication by default includes tombstones (so deletes propagate),
// but some consumers (e.g. a read-only mirror view) want them hidden.
type excludeDeleted struct{ name string }

// NewExcludeDeleted returns a filter predicate named name that drops
// deleted revisions from a change feed.
func NewExcludeDeleted(name string) revstore.FilterPredicate {
	return &excludeDeleted{name: name}
}

func (p *excludeDeleted) Name() string { return p.name }

func (p *excludeDeleted) Include(rev *revstore.Revision, _ map[string]string) bool {
	return !rev.Deleted
}
