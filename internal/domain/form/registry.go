package form

import (
	"bytes"
	"sync"

	"github.com/go-faster/errors"
)

// Answer is a submitted form document as raw JSON. A nil or "null" answer
// means nothing was submitted.
type Answer []byte

// Absent reports whether no answer was submitted.
func (a Answer) Absent() bool {
	t := bytes.TrimSpace(a)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// Validator checks answers for one form.
type Validator interface {
	Validate(answer []byte) error
}

// Outcome tags the result of a form requirement check.
type Outcome int

const (
	NotRequired Outcome = iota
	Valid
	Invalid
	Absent
)

func (o Outcome) String() string {
	switch o {
	case NotRequired:
		return "notRequired"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Result is the outcome of Check. Err is set for Invalid outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

// Registry is a lookup table of validators keyed by form id. Validators
// compiled from JSON schemas are cached and recompiled when the schema
// document for an id changes.
type Registry struct {
	mu       sync.RWMutex
	custom   map[string]Validator
	compiled map[string]compiledSchema
}

type compiledSchema struct {
	raw    string
	schema *Schema
	err    error
}

func NewRegistry() *Registry {
	return &Registry{
		custom:   make(map[string]Validator),
		compiled: make(map[string]compiledSchema),
	}
}

// Register installs a validator for a form id. Registered validators take
// precedence over the form's schema document.
func (r *Registry) Register(formID string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[formID] = v
}

// Check evaluates an answer for the form with the given id and schema
// document. An empty formID means no form is required.
func (r *Registry) Check(formID string, schema []byte, answer Answer) Result {
	if formID == "" {
		return Result{Outcome: NotRequired}
	}
	if answer.Absent() {
		return Result{Outcome: Absent}
	}

	v, err := r.validator(formID, schema)
	if err != nil {
		return Result{Outcome: Invalid, Err: err}
	}
	if err := v.Validate(answer); err != nil {
		return Result{Outcome: Invalid, Err: err}
	}
	return Result{Outcome: Valid}
}

func (r *Registry) validator(formID string, schema []byte) (Validator, error) {
	r.mu.RLock()
	if v, ok := r.custom[formID]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	c, ok := r.compiled[formID]
	r.mu.RUnlock()
	if ok && c.raw == string(schema) {
		return c.schema, c.err
	}

	s, err := Compile(schema)
	if err != nil {
		err = errors.Wrapf(err, "form %q", formID)
	}

	r.mu.Lock()
	r.compiled[formID] = compiledSchema{raw: string(schema), schema: s, err: err}
	r.mu.Unlock()
	return s, err
}
