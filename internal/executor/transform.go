package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/rendis/docflow/pkg/schema"
)

// TransformExecutor builds the transformed namespace from an ordered
// list of field mappings. Source paths are jq expressions over the
// flattened context, so dotted paths and array indexing
// (parsed_data.items[0].name) both work. A missing source yields an
// empty output value, never a failed step.
type TransformExecutor struct {
	mu      sync.RWMutex
	queries map[string]*gojq.Code
}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{queries: make(map[string]*gojq.Code)}
}

func (e *TransformExecutor) Type() schema.StepType { return schema.StepTypeTransform }

func (e *TransformExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	tc := cfg.(*schema.TransformConfig)

	input := anyMap(run.Context.Flatten())
	out := make(map[string]any, len(tc.Mapping))
	for _, m := range tc.Mapping {
		val, err := e.extract(ctx, input, m.SourceField)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"invalid sourceField %q: %v", m.SourceField, err).WithStep(step.ID).WithCause(err)
		}
		transformed, err := applyTransformation(val, m.Transformation)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeConfig, err.Error()).WithStep(step.ID)
		}
		out[m.OutputField] = transformed
	}

	res := success()
	res.Patch = schema.ExecutionContext{schema.NSTransformed: out}
	res.Detail = fmt.Sprintf("mapped %d fields", len(out))
	return res, nil
}

// extract evaluates the source path as a jq query and returns the first
// result, or nil when the path resolves to nothing.
func (e *TransformExecutor) extract(ctx context.Context, input map[string]any, sourceField string) (any, error) {
	code, err := e.compile(sourceField)
	if err != nil {
		return nil, err
	}
	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if _, isErr := v.(error); isErr {
		// Traversal into a missing branch is a lookup miss, not a fault.
		return nil, nil
	}
	return v, nil
}

func (e *TransformExecutor) compile(sourceField string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.queries[sourceField]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.queries[sourceField]; ok {
		return code, nil
	}
	query, err := gojq.Parse("." + sourceField + "?")
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	e.queries[sourceField] = code
	return code, nil
}

// applyTransformation applies one of the built-in transformations.
// Missing values pass through as empty strings.
func applyTransformation(val any, transformation string) (any, error) {
	if transformation == "" || transformation == "none" {
		if val == nil {
			return "", nil
		}
		return val, nil
	}

	s := ""
	if val != nil {
		s = fmt.Sprintf("%v", val)
	}

	switch transformation {
	case "uppercase":
		return strings.ToUpper(s), nil
	case "lowercase":
		return strings.ToLower(s), nil
	case "trim":
		return strings.TrimSpace(s), nil
	case "format_date":
		return formatDate(s), nil
	case "format_phone":
		return formatPhone(s), nil
	default:
		return nil, fmt.Errorf("unknown transformation %q", transformation)
	}
}

// dateLayouts are tried in order when normalizing a date to ISO 8601.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// formatDate normalizes a date string to YYYY-MM-DD. Unparseable input
// passes through unchanged rather than destroying data.
func formatDate(s string) string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// formatPhone strips formatting down to digits, keeping a leading +.
func formatPhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return s
	}
	return b.String()
}

// anyMap widens map values so gojq accepts the input document.
func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeJSON(v)
	}
	return out
}

// normalizeJSON converts values to the subset gojq understands
// (map[string]any, []any, float64, string, bool, nil).
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return anyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeJSON(item)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
