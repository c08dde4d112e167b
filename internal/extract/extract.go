// Package extract provides the built-in document collaborators: a
// label-matching extractor and classifier that work without any AI
// backend. Deployments with a real extraction service swap these out
// behind the executor interfaces.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/docflow/internal/executor"
	"github.com/rendis/docflow/pkg/schema"
)

// HeuristicExtractor pulls fields out of documents that carry labeled
// lines ("Customer Name: ACME Ltd"). A field matches when its name, or
// the name with underscores as spaces, appears as a label. Confidence
// is the fraction of schema fields found.
type HeuristicExtractor struct{}

func NewHeuristicExtractor() *HeuristicExtractor { return &HeuristicExtractor{} }

func (x *HeuristicExtractor) Extract(ctx context.Context, doc executor.Document, fields []schema.SchemaField, model string) (*executor.Extraction, error) {
	ext := &executor.Extraction{
		Fields:     make(map[string]any, len(fields)),
		Confidence: make(map[string]float64, len(fields)),
	}
	if len(fields) == 0 {
		ext.Overall = 1
		return ext, nil
	}

	found := 0
	for _, f := range fields {
		raw, ok := findLabeled(doc.Content, f.Name)
		if !ok {
			continue
		}
		ext.Fields[f.Name] = coerce(raw, f.Type)
		ext.Confidence[f.Name] = 1
		found++
	}
	ext.Overall = float64(found) / float64(len(fields))
	return ext, nil
}

// findLabeled scans for "label: value" on a single line, matching the
// field name case-insensitively with underscores treated as spaces.
func findLabeled(content, name string) (string, bool) {
	label := strings.ReplaceAll(name, "_", `[ _]`)
	re, err := regexp.Compile(`(?im)^\s*` + label + `\s*[:=]\s*(.+)$`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func coerce(raw, fieldType string) any {
	switch fieldType {
	case "number":
		cleaned := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' || r == '.' || r == '-' {
				return r
			}
			return -1
		}, raw)
		if n, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return n
		}
	case "boolean":
		switch strings.ToLower(raw) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	case "array":
		parts := strings.Split(raw, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return raw
}

// HeuristicClassifier scores each candidate category by how often its
// words appear in the document. It backs the "ai" classification
// strategy in deployments without a model endpoint.
type HeuristicClassifier struct{}

func NewHeuristicClassifier() *HeuristicClassifier { return &HeuristicClassifier{} }

func (c *HeuristicClassifier) Classify(ctx context.Context, doc executor.Document, categories []string) (*executor.Classification, error) {
	content := strings.ToLower(doc.Content + " " + doc.FileName)
	best := &executor.Classification{DocumentType: schema.UnknownDocumentType}
	for _, cat := range categories {
		words := strings.Fields(strings.ToLower(strings.ReplaceAll(cat, "_", " ")))
		if len(words) == 0 {
			continue
		}
		hits := 0
		for _, wd := range words {
			if strings.Contains(content, wd) {
				hits++
			}
		}
		score := float64(hits) / float64(len(words))
		if score > best.Confidence {
			best.DocumentType = cat
			best.Confidence = score
		}
	}
	return best, nil
}
