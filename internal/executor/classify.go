package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/docflow/pkg/schema"
)

// ClassifyExecutor assigns a document type using keyword matching, an
// AI classifier, or both. A result below minConfidence records the
// Unknown sentinel instead of a low-confidence guess.
type ClassifyExecutor struct {
	classifier Classifier
}

func NewClassifyExecutor(classifier Classifier) *ClassifyExecutor {
	return &ClassifyExecutor{classifier: classifier}
}

func (e *ClassifyExecutor) Type() schema.StepType { return schema.StepTypeDocumentType }

func (e *ClassifyExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	dc := cfg.(*schema.DocumentTypeConfig)

	doc := DocumentFromEvent(run.Context)
	best := Classification{DocumentType: schema.UnknownDocumentType}

	if dc.Strategy == "keyword_matching" || dc.Strategy == "both" {
		if kw := classifyByKeywords(doc, dc.Categories); kw.Confidence > best.Confidence {
			best = kw
		}
	}
	if dc.Strategy == "ai_classification" || dc.Strategy == "both" {
		if e.classifier == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "no classifier configured").WithStep(step.ID)
		}
		names := make([]string, len(dc.Categories))
		for i, c := range dc.Categories {
			names[i] = c.Name
		}
		ai, err := e.classifier.Classify(ctx, doc, names)
		if err != nil {
			return failure(schema.NewErrorf(schema.ErrCodeExtraction,
				"classification failed: %v", err).WithStep(step.ID).WithCause(err)), nil
		}
		if ai.Confidence > best.Confidence {
			best = *ai
		}
	}

	if best.Confidence < dc.MinConfidence {
		best = Classification{DocumentType: schema.UnknownDocumentType, Confidence: best.Confidence}
	}

	res := success()
	if best.DocumentType == schema.UnknownDocumentType && dc.UnknownIsFailure {
		return failure(schema.NewErrorf(schema.ErrCodeExtraction,
			"document type unknown (confidence %.2f below %.2f)", best.Confidence, dc.MinConfidence).
			WithStep(step.ID)), nil
	}
	res.Patch = schema.ExecutionContext{schema.NSParsedData: map[string]any{
		"document_type":            best.DocumentType,
		"document_type_confidence": best.Confidence,
	}}
	res.Detail = fmt.Sprintf("classified as %s (confidence %.2f)", best.DocumentType, best.Confidence)
	return res, nil
}

// classifyByKeywords scores each category by the share of its keywords
// found in the document text and picks the highest.
func classifyByKeywords(doc Document, categories []schema.DocumentCategory) Classification {
	haystack := strings.ToLower(doc.FileName + " " + doc.Content)
	best := Classification{DocumentType: schema.UnknownDocumentType}

	for _, cat := range categories {
		if len(cat.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range cat.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				hits++
			}
		}
		score := float64(hits) / float64(len(cat.Keywords))
		if score > best.Confidence {
			best = Classification{DocumentType: cat.Name, Confidence: score}
		}
	}
	return best
}
