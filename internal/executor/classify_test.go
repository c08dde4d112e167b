package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

type mockClassifier struct {
	result *Classification
	err    error
}

func (m *mockClassifier) Classify(_ context.Context, _ Document, _ []string) (*Classification, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func classifyStep(config string) *schema.Step {
	return &schema.Step{ID: "classify", Type: schema.StepTypeDocumentType, Config: json.RawMessage(config)}
}

func classifyRun(content string) *schema.Run {
	return &schema.Run{
		Context: schema.ExecutionContext{
			schema.NSTrigger: {"content": content},
		},
	}
}

const keywordConfig = `{
	"strategy": "keyword_matching",
	"minConfidence": 0.5,
	"categories": [
		{"name": "MPRN Request", "keywords": ["mprn", "meter point"]},
		{"name": "Invoice", "keywords": ["invoice", "amount due"]}
	]
}`

func TestClassify_KeywordMatching(t *testing.T) {
	exec := NewClassifyExecutor(nil)

	res, err := exec.Execute(context.Background(), classifyStep(keywordConfig),
		classifyRun("Please register this MPRN for the new meter point"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "MPRN Request", res.Patch[schema.NSParsedData]["document_type"])
	assert.Equal(t, 1.0, res.Patch[schema.NSParsedData]["document_type_confidence"])
}

func TestClassify_BelowMinConfidenceIsUnknown(t *testing.T) {
	exec := NewClassifyExecutor(nil)

	res, err := exec.Execute(context.Background(), classifyStep(keywordConfig),
		classifyRun("unrelated correspondence"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, schema.UnknownDocumentType, res.Patch[schema.NSParsedData]["document_type"])
}

func TestClassify_UnknownIsFailure(t *testing.T) {
	cfg := `{
		"strategy": "keyword_matching",
		"minConfidence": 0.5,
		"unknownIsFailure": true,
		"categories": [{"name": "Invoice", "keywords": ["invoice"]}]
	}`
	exec := NewClassifyExecutor(nil)

	res, err := exec.Execute(context.Background(), classifyStep(cfg), classifyRun("nothing relevant"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	assert.Equal(t, schema.ErrCodeExtraction, res.Err.Code)
}

func TestClassify_AIStrategy(t *testing.T) {
	exec := NewClassifyExecutor(&mockClassifier{result: &Classification{
		DocumentType: "Invoice", Confidence: 0.9,
	}})
	cfg := `{"strategy":"ai_classification","minConfidence":0.5,"categories":[{"name":"Invoice"}]}`

	res, err := exec.Execute(context.Background(), classifyStep(cfg), classifyRun("whatever"))
	require.NoError(t, err)
	assert.Equal(t, "Invoice", res.Patch[schema.NSParsedData]["document_type"])
}

func TestClassify_AIWithoutClassifierIsError(t *testing.T) {
	exec := NewClassifyExecutor(nil)
	cfg := `{"strategy":"ai_classification","categories":[{"name":"Invoice"}]}`

	_, err := exec.Execute(context.Background(), classifyStep(cfg), classifyRun("x"))
	require.Error(t, err)
}

func TestClassify_BothTakesHigherConfidence(t *testing.T) {
	exec := NewClassifyExecutor(&mockClassifier{result: &Classification{
		DocumentType: "Contract", Confidence: 0.6,
	}})
	cfg := `{
		"strategy": "both",
		"minConfidence": 0.4,
		"categories": [{"name": "MPRN Request", "keywords": ["mprn", "meter point"]}, {"name": "Contract"}]
	}`

	// Keywords score 1.0 for MPRN Request, beating the classifier's 0.6.
	res, err := exec.Execute(context.Background(), classifyStep(cfg),
		classifyRun("mprn for the meter point"))
	require.NoError(t, err)
	assert.Equal(t, "MPRN Request", res.Patch[schema.NSParsedData]["document_type"])
}

func TestClassifyByKeywords_PartialScore(t *testing.T) {
	got := classifyByKeywords(
		Document{Content: "this mentions an invoice only"},
		[]schema.DocumentCategory{
			{Name: "Invoice", Keywords: []string{"invoice", "amount due"}},
		},
	)
	assert.Equal(t, "Invoice", got.DocumentType)
	assert.Equal(t, 0.5, got.Confidence)
}
