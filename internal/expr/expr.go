// Package expr implements the platform's small expression language: dotted
// {{path}} token lookup and substitution, plus boolean conditions used by
// rule predicates, edge conditions and the if connector.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-\[\]]+)\s*\}\}`)

// Lookup resolves a dotted path against the given scopes in order. The first
// scope containing the full path wins.
func Lookup(path string, scopes ...map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")
	for _, scope := range scopes {
		if v, ok := lookupIn(scope, parts); ok {
			return v, true
		}
	}
	return nil, false
}

func lookupIn(scope map[string]interface{}, parts []string) (interface{}, bool) {
	var cur interface{} = scope
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Substitute replaces every {{path}} token in s with its scope value.
// Missing tokens render as empty string and are reported as warnings.
func Substitute(s string, scopes ...map[string]interface{}) (string, []string) {
	var warnings []string
	out := tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		path := strings.TrimSpace(tok[2 : len(tok)-2])
		v, ok := Lookup(path, scopes...)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unresolved token %q", path))
			return ""
		}
		return Stringify(v)
	})
	return out, warnings
}

// Stringify renders a scope value the way substituted output expects.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Operator names accepted by conditions.
const (
	OpEquals      = "equals"
	OpNotEquals   = "notEquals"
	OpContains    = "contains"
	OpRegex       = "regex"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpIsEmpty     = "isEmpty"
	OpIsNotEmpty  = "isNotEmpty"
)

// Condition is a structured comparison. Left and Right may contain {{path}}
// tokens resolved against the evaluation scopes.
type Condition struct {
	Left          string `json:"left"`
	Operator      string `json:"operator"`
	Right         string `json:"right,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// Evaluate resolves the condition against the scopes.
func (c Condition) Evaluate(scopes ...map[string]interface{}) (bool, error) {
	left := resolveOperand(c.Left, scopes...)
	right := resolveOperand(c.Right, scopes...)
	if !c.CaseSensitive {
		left = strings.ToLower(left)
		right = strings.ToLower(right)
	}
	switch c.Operator {
	case OpEquals, "==", "":
		return compareLoose(left, right) == 0, nil
	case OpNotEquals, "!=":
		return compareLoose(left, right) != 0, nil
	case OpContains:
		return strings.Contains(left, right), nil
	case OpRegex:
		pattern := resolveOperand(c.Right, scopes...)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString(resolveOperand(c.Left, scopes...)), nil
	case OpGreaterThan, ">":
		return compareLoose(left, right) > 0, nil
	case OpLessThan, "<":
		return compareLoose(left, right) < 0, nil
	case ">=":
		return compareLoose(left, right) >= 0, nil
	case "<=":
		return compareLoose(left, right) <= 0, nil
	case OpIsEmpty:
		return strings.TrimSpace(left) == "", nil
	case OpIsNotEmpty:
		return strings.TrimSpace(left) != "", nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// resolveOperand substitutes tokens; a bare path (no tokens, no quotes, not a
// number) is treated as a path lookup so predicates may say `eventType`.
func resolveOperand(s string, scopes ...map[string]interface{}) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "{{") {
		out, _ := Substitute(s, scopes...)
		return out
	}
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	if s == "true" || s == "false" {
		return s
	}
	if v, ok := Lookup(s, scopes...); ok {
		return Stringify(v)
	}
	return s
}

// compareLoose compares numerically when both sides parse as numbers,
// lexically otherwise.
func compareLoose(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

var (
	predicateRe       = regexp.MustCompile(`^(.+?)\s*(==|!=|>=|<=|>|<|\bcontains\b|\bmatches\b)\s*(.+)$`)
	operatorTokenRe   = regexp.MustCompile(`(==|!=|>=|<=|>|<|\bcontains\b|\bmatches\b)`)
	barePathOperandRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.\-]*$`)
)

// pathToken wraps a bare path operand in {{}} so a miss resolves to empty
// rather than echoing the path text. Quoted strings, numbers, booleans and
// already-templated operands pass through.
func pathToken(s string) string {
	if strings.Contains(s, "{{") || s == "true" || s == "false" {
		return s
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s
	}
	if barePathOperandRe.MatchString(s) {
		return "{{" + s + "}}"
	}
	return s
}

// ParsePredicate parses the textual predicate form used by tenant rules and
// edge conditions, e.g. `eventType == "noise"` or `{{x}} == 1`.
func ParsePredicate(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Condition{}, fmt.Errorf("empty predicate")
	}
	m := predicateRe.FindStringSubmatch(s)
	if m == nil {
		if operatorTokenRe.MatchString(s) {
			return Condition{}, fmt.Errorf("malformed predicate %q", s)
		}
		// bare path: truthy when present and non-empty
		return Condition{Left: pathToken(s), Operator: OpIsNotEmpty, CaseSensitive: true}, nil
	}
	op := m[2]
	switch op {
	case "contains":
		op = OpContains
	case "matches":
		op = OpRegex
	}
	return Condition{
		Left:          pathToken(strings.TrimSpace(m[1])),
		Operator:      op,
		Right:         strings.TrimSpace(m[3]),
		CaseSensitive: true,
	}, nil
}

// EvaluatePredicate parses and evaluates a textual predicate in one step.
func EvaluatePredicate(s string, scopes ...map[string]interface{}) (bool, error) {
	cond, err := ParsePredicate(s)
	if err != nil {
		return false, err
	}
	return cond.Evaluate(scopes...)
}
