// Package filter implements the Supabase-style filter expressions used to
// scope realtime subscriptions: column=operator.value. Expressions identify
// topics (they are part of the subscription key) and are also evaluated
// client-side by transports that receive unfiltered change streams.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Expression is a parsed filter. A nil Expression matches every record.
//
// Examples:
//   - project_id=eq.p1
//   - priority=gt.3
//   - id=in.(c1,c2,c3)
type Expression struct {
	Column   string
	Operator string
	Value    string
}

var exprRegex = regexp.MustCompile(`^(\w+)=(eq|neq|gt|gte|lt|lte|like|ilike|is|in)\.(.+)$`)

// Parse parses a filter string. An empty string parses to nil (match all).
func Parse(s string) (*Expression, error) {
	if s == "" {
		return nil, nil
	}

	m := exprRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("invalid filter format: %s (expected: column=operator.value)", s)
	}

	return &Expression{Column: m[1], Operator: m[2], Value: m[3]}, nil
}

// Eq builds an equality filter string: column=eq.value
func Eq(column, value string) string {
	return fmt.Sprintf("%s=eq.%s", column, value)
}

// In builds a membership filter string: column=in.(v1,v2,...)
func In(column string, values ...string) string {
	return fmt.Sprintf("%s=in.(%s)", column, strings.Join(values, ","))
}

// String renders the expression back to its wire form.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s=%s.%s", e.Column, e.Operator, e.Value)
}

// Matches reports whether a record satisfies the expression.
// A nil expression matches everything; a missing column matches nothing.
func (e *Expression) Matches(record map[string]any) bool {
	if e == nil {
		return true
	}

	value, ok := record[e.Column]
	if !ok {
		return false
	}

	switch e.Operator {
	case "eq":
		return fmt.Sprint(value) == e.Value
	case "neq":
		return fmt.Sprint(value) != e.Value
	case "gt":
		return compare(value, e.Value) > 0
	case "gte":
		return compare(value, e.Value) >= 0
	case "lt":
		return compare(value, e.Value) < 0
	case "lte":
		return compare(value, e.Value) <= 0
	case "is":
		return matchIs(value, e.Value)
	case "in":
		return matchIn(value, e.Value)
	case "like":
		return matchPattern(value, e.Value, false)
	case "ilike":
		return matchPattern(value, e.Value, true)
	default:
		return false
	}
}

// matchIs handles the IS operator (null and boolean checks).
func matchIs(value any, want string) bool {
	switch strings.ToLower(want) {
	case "null":
		return value == nil
	case "true":
		if b, ok := value.(bool); ok {
			return b
		}
		return fmt.Sprint(value) == "true"
	case "false":
		if b, ok := value.(bool); ok {
			return !b
		}
		return fmt.Sprint(value) == "false"
	default:
		return false
	}
}

// matchIn checks list membership. List form: (v1,v2,v3)
func matchIn(value any, list string) bool {
	inner := strings.Trim(list, "()")
	if inner == "" {
		return false
	}

	valueStr := fmt.Sprint(value)
	for _, v := range strings.Split(inner, ",") {
		if strings.TrimSpace(v) == valueStr {
			return true
		}
	}
	return false
}

// matchPattern matches LIKE/ILIKE patterns. * is the wildcard.
func matchPattern(value any, pattern string, caseInsensitive bool) bool {
	valueStr := fmt.Sprint(value)

	if caseInsensitive {
		valueStr = strings.ToLower(valueStr)
		pattern = strings.ToLower(pattern)
	}

	re := regexp.QuoteMeta(pattern)
	re = "^" + strings.ReplaceAll(re, `\*`, ".*") + "$"

	matched, err := regexp.MatchString(re, valueStr)
	if err != nil {
		return false
	}
	return matched
}

// compare orders a record value against a filter value, numerically when
// both sides parse as numbers, lexicographically otherwise.
// Returns -1, 0 or 1.
func compare(value any, filterValue string) int {
	want, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		valueStr := fmt.Sprint(value)
		switch {
		case valueStr < filterValue:
			return -1
		case valueStr > filterValue:
			return 1
		}
		return 0
	}

	var got float64
	switch v := value.(type) {
	case float64:
		got = v
	case float32:
		got = float64(v)
	case int:
		got = float64(v)
	case int32:
		got = float64(v)
	case int64:
		got = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		got = parsed
	default:
		return 0
	}

	switch {
	case got < want:
		return -1
	case got > want:
		return 1
	}
	return 0
}
