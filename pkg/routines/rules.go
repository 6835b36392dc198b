package routines

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FieldMode controls which field paths a rule may reference.
type FieldMode int

const (
	// EnvelopeFields restricts predicates to the closed event-envelope
	// schema. Event-trigger rules use it.
	EnvelopeFields FieldMode = iota
	// ProbeFields accepts any dotted alphanumeric path. Condition-trigger
	// rules evaluate against free-form probe records.
	ProbeFields
)

// envelopeFieldSet is the closed whitelist for EnvelopeFields, matching the
// JSON shape of models.EventEnvelope.
var envelopeFieldSet = map[string]struct{}{
	"event_id":           {},
	"source":             {},
	"event_type":         {},
	"source_ref":         {},
	"session_key":        {},
	"plugin_instance_id": {},
	"actor_kind":         {},
	"actor_handle":       {},
	"status":             {},
	"title":              {},
	"created_at":         {},
}

var probeFieldPattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// Rule is one node of a trigger-rule expression tree: exactly one of All,
// Any, Not, or a leaf predicate (Field+Op) must be set.
type Rule struct {
	All []Rule `json:"all,omitempty"`
	Any []Rule `json:"any,omitempty"`
	Not *Rule  `json:"not,omitempty"`

	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

var ruleOps = map[string]struct{}{
	"eq": {}, "neq": {}, "in": {}, "contains": {},
	"gt": {}, "gte": {}, "lt": {}, "lte": {},
	"exists": {}, "matches": {},
}

// ParseRule decodes and validates a rule document.
func ParseRule(raw json.RawMessage, mode FieldMode) (*Rule, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("rule is empty")
	}
	var r Rule
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}
	if err := r.Validate(mode); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the tree shape, operator names, value requirements, and
// field-path admissibility for the given mode.
func (r *Rule) Validate(mode FieldMode) error {
	branches := 0
	if len(r.All) > 0 {
		branches++
	}
	if len(r.Any) > 0 {
		branches++
	}
	if r.Not != nil {
		branches++
	}
	leaf := r.Field != "" || r.Op != ""
	if leaf {
		branches++
	}
	if branches != 1 {
		return fmt.Errorf("rule node must be exactly one of all, any, not, or a predicate")
	}

	switch {
	case len(r.All) > 0:
		for i := range r.All {
			if err := r.All[i].Validate(mode); err != nil {
				return err
			}
		}
	case len(r.Any) > 0:
		for i := range r.Any {
			if err := r.Any[i].Validate(mode); err != nil {
				return err
			}
		}
	case r.Not != nil:
		return r.Not.Validate(mode)
	default:
		return r.validatePredicate(mode)
	}
	return nil
}

func (r *Rule) validatePredicate(mode FieldMode) error {
	if r.Field == "" {
		return fmt.Errorf("predicate is missing a field")
	}
	if _, ok := ruleOps[r.Op]; !ok {
		return fmt.Errorf("unknown operator %q", r.Op)
	}

	switch mode {
	case EnvelopeFields:
		if _, ok := envelopeFieldSet[r.Field]; !ok {
			return fmt.Errorf("field %q is not an envelope field", r.Field)
		}
	case ProbeFields:
		if !probeFieldPattern.MatchString(r.Field) {
			return fmt.Errorf("field %q is not a valid probe path", r.Field)
		}
	}

	switch r.Op {
	case "exists":
		// Value is ignored.
	case "in":
		if _, ok := r.Value.([]any); !ok {
			return fmt.Errorf("operator in requires an array value")
		}
	case "matches":
		if _, ok := r.Value.(string); !ok {
			return fmt.Errorf("operator matches requires a string value")
		}
	default:
		if r.Value == nil {
			return fmt.Errorf("operator %s requires a value", r.Op)
		}
	}
	return nil
}

// Eval evaluates the rule against a flattened record. Evaluation never
// errors: missing fields, type mismatches, and bad regexes are all false.
func (r *Rule) Eval(record map[string]any) bool {
	switch {
	case len(r.All) > 0:
		for i := range r.All {
			if !r.All[i].Eval(record) {
				return false
			}
		}
		return true
	case len(r.Any) > 0:
		for i := range r.Any {
			if r.Any[i].Eval(record) {
				return true
			}
		}
		return false
	case r.Not != nil:
		return !r.Not.Eval(record)
	default:
		return r.evalPredicate(record)
	}
}

func (r *Rule) evalPredicate(record map[string]any) bool {
	val, found := lookupField(record, r.Field)

	switch r.Op {
	case "exists":
		return found && val != nil
	case "eq":
		return found && valuesEqual(val, r.Value)
	case "neq":
		return found && !valuesEqual(val, r.Value)
	case "in":
		arr, ok := r.Value.([]any)
		if !ok || !found {
			return false
		}
		for _, candidate := range arr {
			if valuesEqual(val, candidate) {
				return true
			}
		}
		return false
	case "contains":
		if !found {
			return false
		}
		switch v := val.(type) {
		case string:
			needle, ok := r.Value.(string)
			return ok && strings.Contains(v, needle)
		case []any:
			for _, item := range v {
				if valuesEqual(item, r.Value) {
					return true
				}
			}
			return false
		}
		return false
	case "gt", "gte", "lt", "lte":
		if !found {
			return false
		}
		a, okA := asFloat(val)
		b, okB := asFloat(r.Value)
		if !okA || !okB {
			return false
		}
		switch r.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "matches":
		if !found {
			return false
		}
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern, ok := r.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return false
}

// lookupField resolves a dotted path through nested maps.
func lookupField(record map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = record
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares two JSON scalars, coercing numerics to float64 so 3
// and 3.0 compare equal. Composites never compare equal.
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
