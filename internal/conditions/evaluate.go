// Package conditions evaluates the single comparisons used by branching steps.
package conditions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/rendis/playbooks/pkg/schema"
)

// Comparison names an operator.
type Comparison string

const (
	Contains    Comparison = "Contains"
	StartsWith  Comparison = "StartsWith"
	EndsWith    Comparison = "EndsWith"
	Exists      Comparison = "Exists"
	GreaterThan Comparison = "GreaterThan"
	Any         Comparison = "Any"
	All         Comparison = "All"
)

// Comparisons lists every supported operator.
var Comparisons = []Comparison{Contains, StartsWith, EndsWith, Exists, GreaterThan, Any, All}

// Evaluate compares left and right. Scalars are compared as strings, except for
// GreaterThan which parses both sides as numbers. Any and All treat left as a
// comma-separated set and right as a list of tagged values.
//
// Invalid operands and unknown operators return a VALIDATION_ERROR.
func Evaluate(left any, comparison Comparison, right any) (bool, error) {
	switch comparison {
	case Exists:
		set, err := leftSet(left)
		if err != nil {
			return false, err
		}
		return len(set) > 0, nil

	case Contains, StartsWith, EndsWith:
		l, err := scalar("left", left)
		if err != nil {
			return false, err
		}
		r, err := scalar("right", right)
		if err != nil {
			return false, err
		}
		switch comparison {
		case Contains:
			return strings.Contains(l, r), nil
		case StartsWith:
			return strings.HasPrefix(l, r), nil
		default:
			return strings.HasSuffix(l, r), nil
		}

	case GreaterThan:
		l, err := number("left", left)
		if err != nil {
			return false, err
		}
		r, err := number("right", right)
		if err != nil {
			return false, err
		}
		return l > r, nil

	case Any, All:
		set, err := leftSet(left)
		if err != nil {
			return false, err
		}
		values, err := taggedValues(right)
		if err != nil {
			return false, err
		}
		if comparison == Any {
			for _, v := range values {
				if _, ok := set[v.Value]; ok {
					return true, nil
				}
			}
			return false, nil
		}
		// All of nothing is true. Kept for compatibility with existing playbooks.
		for _, v := range values {
			if _, ok := set[v.Value]; !ok {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown comparison %q", comparison)
	}
}

func scalar(side string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s operand %v is not a scalar", side, v).WithCause(err)
	}
	return s, nil
}

func number(side string, v any) (float64, error) {
	if v == nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s operand is missing, expected a number", side)
	}
	if s, ok := v.(string); ok {
		v = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s operand %q is not a number", side, fmt.Sprint(v)).WithCause(err)
	}
	return f, nil
}

// leftSet splits left into a set of non-empty, trimmed values. Tagged value
// lists contribute their values.
func leftSet(left any) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}

	switch v := left.(type) {
	case nil:
	case []schema.TaggedValue:
		for _, tv := range v {
			add(tv.Value)
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		values, err := taggedValues(v)
		if err != nil {
			return nil, err
		}
		for _, tv := range values {
			add(tv.Value)
		}
	default:
		s, err := scalar("left", v)
		if err != nil {
			return nil, err
		}
		for _, part := range strings.Split(s, ",") {
			add(part)
		}
	}
	return set, nil
}

// taggedValues normalizes the right-hand side of Any/All. It accepts tagged
// value slices, decoded JSON arrays, JSON text, or a comma-separated string.
func taggedValues(right any) ([]schema.TaggedValue, error) {
	switch v := right.(type) {
	case nil:
		return nil, nil
	case []schema.TaggedValue:
		return v, nil
	case []string:
		out := make([]schema.TaggedValue, 0, len(v))
		for _, s := range v {
			out = append(out, schema.TaggedValue{Label: s, Value: s})
		}
		return out, nil
	case []any:
		out := make([]schema.TaggedValue, 0, len(v))
		for _, item := range v {
			tv, err := taggedValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, tv)
		}
		return out, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		if strings.HasPrefix(s, "[") {
			var decoded []any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "right operand is not a valid list").WithCause(err)
			}
			return taggedValues(decoded)
		}
		var out []schema.TaggedValue
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, schema.TaggedValue{Label: part, Value: part})
			}
		}
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "right operand of type %T is not a list", right)
	}
}

func taggedValue(item any) (schema.TaggedValue, error) {
	switch v := item.(type) {
	case schema.TaggedValue:
		return v, nil
	case map[string]any:
		value, err := cast.ToStringE(v["value"])
		if err != nil {
			return schema.TaggedValue{}, schema.NewErrorf(schema.ErrCodeValidation, "tagged value has a non-scalar value").WithCause(err)
		}
		label := cast.ToString(v["label"])
		if label == "" {
			label = value
		}
		return schema.TaggedValue{Label: label, Value: value}, nil
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return schema.TaggedValue{}, schema.NewErrorf(schema.ErrCodeValidation, "list entry %v is not a scalar", v).WithCause(err)
		}
		return schema.TaggedValue{Label: s, Value: s}, nil
	}
}
