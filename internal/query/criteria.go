// Copyright 2025 Joseph Cumines
//
// Criteria parsing and operator evaluation

package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/joeycumines/uiinspector/internal/node"
	"github.com/joeycumines/uiinspector/internal/uierror"
)

// Operator is the comparison applied by a Criterion.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGte        Operator = "gte"
	OpLte        Operator = "lte"
	OpMatches    Operator = "matches"
)

// Operators lists the recognised operator suffixes.
var Operators = []Operator{OpEq, OpNe, OpContains, OpStartsWith, OpEndsWith, OpGt, OpLt, OpGte, OpLte, OpMatches}

func lookupOperator(s string) (Operator, bool) {
	for _, op := range Operators {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// Criterion is one parsed (property path, operator, expected value) predicate.
type Criterion struct {
	re       *regexp.Regexp
	Expected node.Value
	Key      string
	Path     string
	Operator Operator
	// invalid criteria are kept so the query still runs, but never match
	invalid bool
}

// Valid reports whether the criterion can ever match.
func (c Criterion) Valid() bool { return !c.invalid }

// Diagnostic reports a criteria entry that can never match.
type Diagnostic struct {
	Err error  `json:"-"`
	Key string `json:"key"`
	Msg string `json:"message"`
}

// Query is a parsed criteria set. The zero value matches every node.
type Query struct {
	criteria []Criterion
}

// Criteria returns the parsed criteria in key order.
func (q Query) Criteria() []Criterion { return q.criteria }

// SplitKey separates a criteria key into property path and operator. A key
// whose final dotted segment is not a recognised operator is an equality test
// on the whole key.
func SplitKey(key string) (string, Operator) {
	if i := strings.LastIndexByte(key, '.'); i > 0 {
		if op, ok := lookupOperator(key[i+1:]); ok {
			return key[:i], op
		}
	}
	return key, OpEq
}

// Parse converts untyped criteria into a Query. Entries whose expected value
// cannot be compared with their operator are reported as InvalidCriteria
// diagnostics and kept as never-matching criteria; Parse itself never fails.
func Parse(criteria map[string]any) (Query, []Diagnostic) {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		q     Query
		diags []Diagnostic
	)
	for _, key := range keys {
		c, err := parseCriterion(key, criteria[key])
		if err != nil {
			c.invalid = true
			e := uierror.Wrap(uierror.InvalidCriteria, "parse criteria", err).WithPath(key)
			diags = append(diags, Diagnostic{Key: key, Msg: err.Error(), Err: e})
		}
		q.criteria = append(q.criteria, c)
	}
	return q, diags
}

func parseCriterion(key string, raw any) (Criterion, error) {
	path, op := SplitKey(key)
	c := Criterion{Key: key, Path: path, Operator: op}

	expected, err := node.FromInterface(raw)
	if err != nil {
		return c, err
	}
	c.Expected = expected

	switch op {
	case OpEq, OpNe:
	case OpContains:
		if expected.IsNull() {
			return c, fmt.Errorf("%s needs a non-null value", op)
		}
	case OpStartsWith, OpEndsWith:
		if _, ok := expected.Str(); !ok {
			return c, fmt.Errorf("%s needs a string, got %s", op, expected.Type())
		}
	case OpGt, OpLt, OpGte, OpLte:
		if _, ok := expected.Num(); !ok {
			return c, fmt.Errorf("%s needs a number, got %s", op, expected.Type())
		}
	case OpMatches:
		s, ok := expected.Str()
		if !ok {
			return c, fmt.Errorf("%s needs a string pattern, got %s", op, expected.Type())
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return c, err
		}
		c.re = re
	}
	return c, nil
}

// Match reports whether n satisfies the criterion. A property the node does
// not have never matches, for any operator.
func (c Criterion) Match(n *node.Node) bool {
	if c.invalid {
		return false
	}
	actual, ok := n.Lookup(c.Path)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEq:
		return actual.Equal(c.Expected)
	case OpNe:
		return !actual.Equal(c.Expected)
	case OpContains:
		if items, ok := actual.Items(); ok {
			for _, item := range items {
				if item.Equal(c.Expected) {
					return true
				}
			}
			return false
		}
		a, ok1 := actual.Str()
		e, ok2 := c.Expected.Str()
		return ok1 && ok2 && strings.Contains(a, e)
	case OpStartsWith, OpEndsWith:
		a, ok1 := actual.Str()
		e, ok2 := c.Expected.Str()
		if !ok1 || !ok2 {
			return false
		}
		if c.Operator == OpStartsWith {
			return strings.HasPrefix(a, e)
		}
		return strings.HasSuffix(a, e)
	case OpGt, OpLt, OpGte, OpLte:
		a, ok1 := actual.Num()
		e, ok2 := c.Expected.Num()
		if !ok1 || !ok2 {
			return false
		}
		switch c.Operator {
		case OpGt:
			return a > e
		case OpLt:
			return a < e
		case OpGte:
			return a >= e
		default:
			return a <= e
		}
	case OpMatches:
		a, ok := actual.Str()
		return ok && c.re.MatchString(a)
	}
	return false
}

// Match reports whether n satisfies every criterion.
func (q Query) Match(n *node.Node) bool {
	for _, c := range q.criteria {
		if !c.Match(n) {
			return false
		}
	}
	return true
}
