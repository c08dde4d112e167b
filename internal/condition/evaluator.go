package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/docflow/pkg/schema"
)

// Evaluator evaluates condition step configs against a run's execution
// context. Structured conditions cover the common cases; the optional
// expression mode hands the flattened context to expr-lang for anything
// the operators cannot say.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate returns the boolean result of a condition config. When an
// expression is set it wins over the structured conditions.
func (e *Evaluator) Evaluate(cfg *schema.ConditionConfig, ec schema.ExecutionContext) (bool, error) {
	if cfg.Expression != "" {
		return e.evaluateExpression(cfg.Expression, ec)
	}
	if len(cfg.Conditions) == 0 {
		return false, schema.NewError(schema.ErrCodeConfig, "condition has no conditions and no expression")
	}

	logic := cfg.Logic
	if logic == "" {
		logic = "AND"
	}

	for _, c := range cfg.Conditions {
		ok, err := evaluateOne(c, ec)
		if err != nil {
			return false, err
		}
		if logic == "AND" && !ok {
			return false, nil
		}
		if logic == "OR" && ok {
			return true, nil
		}
	}
	return logic == "AND", nil
}

// evaluateOne applies a single field comparison. A missing field fails
// every operator except not_exists.
func evaluateOne(c schema.FieldCondition, ec schema.ExecutionContext) (bool, error) {
	val, found := ec.Lookup(c.Field)

	switch c.Operator {
	case "exists":
		return found, nil
	case "not_exists":
		return !found, nil
	}
	if !found {
		return false, nil
	}

	switch c.Operator {
	case "equals":
		return looseEqual(val, c.Value), nil
	case "not_equals":
		return !looseEqual(val, c.Value), nil
	case "contains":
		return contains(val, c.Value), nil
	case "not_contains":
		return !contains(val, c.Value), nil
	case "greater_than":
		a, b, ok := numericPair(val, c.Value)
		return ok && a > b, nil
	case "less_than":
		a, b, ok := numericPair(val, c.Value)
		return ok && a < b, nil
	case "matches_regex":
		pattern, ok := c.Value.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConfig,
				"matches_regex requires a string pattern, got %T", c.Value)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeConfig,
				"invalid regex %q: %v", pattern, err)
		}
		return re.MatchString(stringify(val)), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfig, "unknown operator %q", c.Operator)
	}
}

// evaluateExpression compiles (with caching) and runs an expr-lang
// expression against the flattened context namespaces.
func (e *Evaluator) evaluateExpression(expression string, ec schema.ExecutionContext) (bool, error) {
	program, err := e.compile(expression)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"invalid expression %q: %v", expression, err).WithCause(err)
	}
	out, err := expr.Run(program, ec.Flatten())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"expression %q failed: %v", expression, err).WithCause(err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"expression %q returned %T, expected bool", expression, out)
	}
	return result, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if p, ok := e.programs[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[expression]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.programs[expression] = p
	return p, nil
}

// looseEqual compares with numeric coercion: "42" equals 42.
func looseEqual(a, b any) bool {
	if na, nb, ok := numericPair(a, b); ok {
		return na == nb
	}
	return stringify(a) == stringify(b)
}

// contains matches substrings on strings and membership on slices.
func contains(val, needle any) bool {
	switch v := val.(type) {
	case string:
		return strings.Contains(v, stringify(needle))
	case []any:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// numericPair coerces both values to float64, accepting numeric strings.
func numericPair(a, b any) (float64, float64, bool) {
	fa, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
