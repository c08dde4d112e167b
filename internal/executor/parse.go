package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/docflow/pkg/schema"
)

// PII patterns masked before document content leaves the process.
// Masking applies to the extractor call only; the stored trigger event
// is untouched.
var piiPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"card", regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`\+?\d{1,3}[ \-]?\(?\d{2,4}\)?[ \-]?\d{3}[ \-]?\d{3,4}`)},
}

// ParseExecutor extracts structured fields from the triggering document
// via the Extractor collaborator, gated by required fields and a
// confidence threshold.
type ParseExecutor struct {
	extractor Extractor
}

func NewParseExecutor(extractor Extractor) *ParseExecutor {
	return &ParseExecutor{extractor: extractor}
}

func (e *ParseExecutor) Type() schema.StepType { return schema.StepTypeParse }

func (e *ParseExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	pc := cfg.(*schema.ParseConfig)

	if e.extractor == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "no extractor configured").WithStep(step.ID)
	}

	doc := DocumentFromEvent(run.Context)
	if doc.Content == "" {
		return failure(schema.NewError(schema.ErrCodeExtraction,
			"trigger event carries no document content").WithStep(step.ID)), nil
	}
	if pc.MaskPII {
		doc.Content = MaskPII(doc.Content)
	}

	extraction, err := e.extractor.Extract(ctx, doc, pc.ExtractionSchema, pc.Model)
	if err != nil {
		return failure(schema.NewErrorf(schema.ErrCodeExtraction,
			"extraction failed: %v", err).WithStep(step.ID).WithCause(err)), nil
	}

	var missing []string
	for _, f := range pc.ExtractionSchema {
		if !f.Required {
			continue
		}
		if v, ok := extraction.Fields[f.Name]; !ok || v == nil || v == "" {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return failure(schema.NewErrorf(schema.ErrCodeExtraction,
			"required fields missing from extraction: %s", strings.Join(missing, ", ")).
			WithStep(step.ID).
			WithDetails(map[string]any{"missing_fields": missing})), nil
	}

	threshold := pc.Threshold()
	if extraction.Overall < threshold {
		return failure(schema.NewErrorf(schema.ErrCodeExtraction,
			"extraction confidence %.2f below threshold %.2f", extraction.Overall, threshold).
			WithStep(step.ID).
			WithDetails(map[string]any{"confidence": extraction.Overall, "threshold": threshold})), nil
	}

	res := success()
	res.Patch = schema.ExecutionContext{schema.NSParsedData: extraction.Fields}
	res.Detail = fmt.Sprintf("extracted %d fields (confidence %.2f)", len(extraction.Fields), extraction.Overall)
	return res, nil
}

// MaskPII replaces recognizable PII in text with typed placeholders.
func MaskPII(text string) string {
	for _, p := range piiPatterns {
		text = p.re.ReplaceAllString(text, "["+strings.ToUpper(p.name)+"_REDACTED]")
	}
	return text
}
