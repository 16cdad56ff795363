package filter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/coachrun/rvc-core/internal/codec"
)

// view builds the generic JSON-shaped map jsonpath queries a condition's
// Field against. Top-level keys are the bare frame attributes; "fields"
// holds the decoded named fields by name for dotted lookups like
// "fields.brightness".
func view(frame codec.DecodedFrame) map[string]interface{} {
	fields := make(map[string]interface{}, len(frame.Fields))
	for _, f := range frame.Fields {
		fields[f.Name] = f.Scaled
	}
	return map[string]interface{}{
		"can_id":      frame.ArbitrationID,
		"pgn":         frame.PGN,
		"source":      frame.Source,
		"destination": frame.Destination,
		"data_length": len(frame.Payload),
		"interface":   frame.Interface,
		"protocol":    string(frame.Protocol),
		"fields":      fields,
	}
}

// extract resolves a condition's Field against frame's JSON view. Bare
// top-level names are looked up directly; anything else is treated as a
// jsonpath expression (implicitly rooted at "$." if the caller didn't
// write the prefix).
func extract(field string, v map[string]interface{}) (interface{}, bool) {
	if val, ok := v[field]; ok {
		return val, true
	}
	expr := field
	if !strings.HasPrefix(expr, "$") {
		expr = "$." + expr
	}
	got, err := jsonpath.Get(expr, v)
	if err != nil {
		return nil, false
	}
	return got, true
}

// evalCondition reports whether cond holds against frame.
func evalCondition(cond Condition, v map[string]interface{}) bool {
	got, ok := extract(cond.Field, v)
	if !ok {
		return false
	}
	gotStr := fmt.Sprintf("%v", got)

	switch cond.Operator {
	case OpEqual:
		return compareNumericOrString(gotStr, cond.Value, func(a, b float64) bool { return a == b }, func(a, b string) bool { return a == b })
	case OpNotEqual:
		return !compareNumericOrString(gotStr, cond.Value, func(a, b float64) bool { return a == b }, func(a, b string) bool { return a == b })
	case OpLessThan:
		return compareNumeric(gotStr, cond.Value, func(a, b float64) bool { return a < b })
	case OpLessEqual:
		return compareNumeric(gotStr, cond.Value, func(a, b float64) bool { return a <= b })
	case OpGreaterThan:
		return compareNumeric(gotStr, cond.Value, func(a, b float64) bool { return a > b })
	case OpGreaterEqual:
		return compareNumeric(gotStr, cond.Value, func(a, b float64) bool { return a >= b })
	case OpIn:
		return containsAny(strings.Split(cond.Value, ","), gotStr)
	case OpNotIn:
		return !containsAny(strings.Split(cond.Value, ","), gotStr)
	case OpContains:
		return strings.Contains(gotStr, cond.Value)
	case OpMatches:
		re, err := regexp.Compile(cond.Value)
		return err == nil && re.MatchString(gotStr)
	case OpWildcard:
		ok, err := filepath.Match(cond.Value, gotStr)
		return err == nil && ok
	default:
		return false
	}
}

func compareNumeric(a, b string, cmp func(a, b float64) bool) bool {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr != nil || berr != nil {
		return false
	}
	return cmp(af, bf)
}

func compareNumericOrString(a, b string, numCmp func(a, b float64) bool, strCmp func(a, b string) bool) bool {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		return numCmp(af, bf)
	}
	return strCmp(a, b)
}

func containsAny(list []string, want string) bool {
	for _, v := range list {
		if strings.TrimSpace(v) == want {
			return true
		}
	}
	return false
}

// evalRule reports whether rule's conditions (combined per its Logic)
// hold against frame. A rule with no conditions always matches.
func evalRule(rule Rule, v map[string]interface{}) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	if rule.Logic == LogicOR {
		for _, c := range rule.Conditions {
			if evalCondition(c, v) {
				return true
			}
		}
		return false
	}
	for _, c := range rule.Conditions {
		if !evalCondition(c, v) {
			return false
		}
	}
	return true
}
