package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memtree/memengine/internal/types"
)

// Candidate is the shape the evaluator's predicate runs against: an
// entry header, its current version, and the tags attached to it. The
// query pipeline builds one of these per listed entry before applying a
// filter-expression predicate to it.
type Candidate struct {
	Entry   *types.Entry
	Version *types.EntryVersion
	Tags    []types.Tag
}

// Evaluator turns a parsed filter expression into a predicate over
// Candidate, the query-package analog of cmd/bd's IssueFilter evaluator
// — simplified to predicate-only since entries arrive already
// pre-filtered by scope/kind at the storage layer and by tags in the query
// pipeline (§4.F stage 2); this
// layer only expresses the free-form "field op value" language from §5.
type Evaluator struct {
	now time.Time
}

// NewEvaluator creates an Evaluator with the given reference time, used to
// resolve relative durations like "7d" or "24h" in comparisons.
func NewEvaluator(now time.Time) *Evaluator {
	return &Evaluator{now: now}
}

// Evaluate parses node into a predicate function.
func (e *Evaluator) Evaluate(node Node) (func(*Candidate) bool, error) {
	switch n := node.(type) {
	case *ComparisonNode:
		return e.buildComparison(n)
	case *AndNode:
		left, err := e.Evaluate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.Evaluate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(c *Candidate) bool { return left(c) && right(c) }, nil
	case *OrNode:
		left, err := e.Evaluate(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.Evaluate(n.Right)
		if err != nil {
			return nil, err
		}
		return func(c *Candidate) bool { return left(c) || right(c) }, nil
	case *NotNode:
		operand, err := e.Evaluate(n.Operand)
		if err != nil {
			return nil, err
		}
		return func(c *Candidate) bool { return !operand(c) }, nil
	default:
		return nil, fmt.Errorf("unexpected node type: %T", node)
	}
}

func (e *Evaluator) buildComparison(comp *ComparisonNode) (func(*Candidate) bool, error) {
	switch comp.Field {
	case "id":
		return stringPredicate(comp, func(c *Candidate) string { return c.Entry.ID })
	case "name", "title":
		return stringPredicate(comp, func(c *Candidate) string { return c.Entry.Name })
	case "kind", "type":
		return stringPredicate(comp, func(c *Candidate) string { return string(c.Entry.Kind) })
	case "category":
		return stringPredicate(comp, func(c *Candidate) string { return c.Entry.Category })
	case "content":
		return containsPredicate(comp, func(c *Candidate) string {
			if c.Version == nil {
				return ""
			}
			return c.Version.Content
		})
	case "scope", "scope_type":
		return stringPredicate(comp, func(c *Candidate) string { return string(c.Entry.ScopeType) })
	case "scope_id":
		return stringPredicate(comp, func(c *Candidate) string { return c.Entry.ScopeID })
	case "tag", "tags":
		return e.buildTagPredicate(comp)
	case "active":
		return e.buildBoolPredicate(comp, func(c *Candidate) bool { return c.Entry.IsActive })
	case "priority":
		return e.buildPriorityPredicate(comp)
	case "created", "created_at":
		return e.buildTimePredicate(comp, func(c *Candidate) time.Time { return c.Entry.CreatedAt })
	case "updated", "updated_at":
		return e.buildTimePredicate(comp, func(c *Candidate) time.Time { return c.Entry.UpdatedAt })
	case "created_by", "author":
		return stringPredicate(comp, func(c *Candidate) string {
			if c.Version == nil {
				return ""
			}
			return c.Version.CreatedBy
		})
	default:
		return nil, fmt.Errorf("unknown field: %s", comp.Field)
	}
}

func stringPredicate(comp *ComparisonNode, getter func(*Candidate) string) (func(*Candidate) bool, error) {
	value := comp.Value
	switch comp.Op {
	case OpEquals:
		return func(c *Candidate) bool { return strings.EqualFold(getter(c), value) }, nil
	case OpNotEquals:
		return func(c *Candidate) bool { return !strings.EqualFold(getter(c), value) }, nil
	default:
		return nil, fmt.Errorf("field %s only supports = and != operators", comp.Field)
	}
}

func containsPredicate(comp *ComparisonNode, getter func(*Candidate) string) (func(*Candidate) bool, error) {
	value := strings.ToLower(comp.Value)
	switch comp.Op {
	case OpEquals:
		return func(c *Candidate) bool { return strings.Contains(strings.ToLower(getter(c)), value) }, nil
	case OpNotEquals:
		return func(c *Candidate) bool { return !strings.Contains(strings.ToLower(getter(c)), value) }, nil
	default:
		return nil, fmt.Errorf("field %s only supports = and != operators", comp.Field)
	}
}

func (e *Evaluator) buildTagPredicate(comp *ComparisonNode) (func(*Candidate) bool, error) {
	if comp.Op != OpEquals && comp.Op != OpNotEquals {
		return nil, fmt.Errorf("tag only supports = and != operators")
	}
	value := comp.Value
	has := func(c *Candidate) bool {
		for _, t := range c.Tags {
			if strings.EqualFold(t.Name, value) {
				return true
			}
		}
		return false
	}
	if comp.Op == OpEquals {
		return has, nil
	}
	return func(c *Candidate) bool { return !has(c) }, nil
}

func (e *Evaluator) buildBoolPredicate(comp *ComparisonNode, getter func(*Candidate) bool) (func(*Candidate) bool, error) {
	val := strings.ToLower(comp.Value)
	var boolVal bool
	switch val {
	case "true", "yes", "1":
		boolVal = true
	case "false", "no", "0":
		boolVal = false
	default:
		return nil, fmt.Errorf("invalid boolean value: %s", comp.Value)
	}
	switch comp.Op {
	case OpEquals:
		return func(c *Candidate) bool { return getter(c) == boolVal }, nil
	case OpNotEquals:
		return func(c *Candidate) bool { return getter(c) != boolVal }, nil
	default:
		return nil, fmt.Errorf("boolean field does not support %s operator", comp.Op.String())
	}
}

func (e *Evaluator) buildPriorityPredicate(comp *ComparisonNode) (func(*Candidate) bool, error) {
	priority, err := strconv.Atoi(comp.Value)
	if err != nil {
		return nil, fmt.Errorf("invalid priority: %s", comp.Value)
	}
	get := func(c *Candidate) (int, bool) {
		if c.Entry.Priority == nil {
			return 0, false
		}
		return *c.Entry.Priority, true
	}
	switch comp.Op {
	case OpEquals:
		return func(c *Candidate) bool { v, ok := get(c); return ok && v == priority }, nil
	case OpNotEquals:
		return func(c *Candidate) bool { v, ok := get(c); return !ok || v != priority }, nil
	case OpLess:
		return func(c *Candidate) bool { v, ok := get(c); return ok && v < priority }, nil
	case OpLessEq:
		return func(c *Candidate) bool { v, ok := get(c); return ok && v <= priority }, nil
	case OpGreater:
		return func(c *Candidate) bool { v, ok := get(c); return ok && v > priority }, nil
	case OpGreaterEq:
		return func(c *Candidate) bool { v, ok := get(c); return ok && v >= priority }, nil
	default:
		return nil, fmt.Errorf("unexpected operator: %s", comp.Op.String())
	}
}

func (e *Evaluator) buildTimePredicate(comp *ComparisonNode, getter func(*Candidate) time.Time) (func(*Candidate) bool, error) {
	t, err := e.parseTimeValue(comp)
	if err != nil {
		return nil, fmt.Errorf("invalid time value: %w", err)
	}
	op := comp.Op
	if comp.ValueType == TokenDuration {
		// A relative duration compares age: "updated>7d" means updated more
		// than 7 days ago, i.e. before now-7d.
		switch op {
		case OpLess:
			op = OpGreater
		case OpLessEq:
			op = OpGreaterEq
		case OpGreater:
			op = OpLess
		case OpGreaterEq:
			op = OpLessEq
		}
	}
	return func(c *Candidate) bool { return compareTime(op, getter(c), t) }, nil
}

func compareTime(op ComparisonOp, actual, target time.Time) bool {
	switch op {
	case OpEquals:
		return sameDay(actual, target)
	case OpNotEquals:
		return !sameDay(actual, target)
	case OpLess:
		return actual.Before(target)
	case OpLessEq:
		return actual.Before(target) || actual.Equal(target)
	case OpGreater:
		return actual.After(target)
	case OpGreaterEq:
		return actual.After(target) || actual.Equal(target)
	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// parseTimeValue parses a comparison's value as either a relative duration
// ("7d", "24h", interpreted as "now - duration") or an absolute RFC3339
// timestamp — the two value shapes the lexer recognizes as TokenDuration
// and TokenString/TokenIdent.
func (e *Evaluator) parseTimeValue(comp *ComparisonNode) (time.Time, error) {
	if comp.ValueType == TokenDuration {
		d, err := parseCompactDuration(comp.Value)
		if err != nil {
			return time.Time{}, err
		}
		return e.now.Add(-d), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, comp.Value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time value %q", comp.Value)
}

// parseCompactDuration parses durations like "7d", "24h", "30m" — Go's
// time.ParseDuration has no day unit, so "d" is handled separately.
func parseCompactDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Evaluate is a convenience function that parses and evaluates a filter
// expression string against the current time.
func Evaluate(query string) (func(*Candidate) bool, error) {
	return EvaluateAt(query, time.Now())
}

// EvaluateAt parses and evaluates a filter expression with a specific
// reference time, used by tests to pin relative-duration comparisons.
func EvaluateAt(query string, now time.Time) (func(*Candidate) bool, error) {
	node, err := Parse(query)
	if err != nil {
		return nil, err
	}
	return NewEvaluator(now).Evaluate(node)
}
