package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

// --- mock extractor ---

type mockExtractor struct {
	extraction *Extraction
	err        error
	gotDoc     Document
}

func (m *mockExtractor) Extract(_ context.Context, doc Document, _ []schema.SchemaField, _ string) (*Extraction, error) {
	m.gotDoc = doc
	if m.err != nil {
		return nil, m.err
	}
	return m.extraction, nil
}

func parseStep(config string) *schema.Step {
	return &schema.Step{ID: "parse", Type: schema.StepTypeParse, Config: json.RawMessage(config)}
}

func parseRun(content string) *schema.Run {
	return &schema.Run{
		ID: "run-1",
		Context: schema.ExecutionContext{
			schema.NSTrigger: {"content": content, "file_name": "doc.pdf"},
		},
	}
}

const mprnSchema = `{"extractionSchema":[
	{"name":"mprn","type":"string","required":true},
	{"name":"customer_name","type":"string"}
]}`

func TestParseExecutor_Success(t *testing.T) {
	ext := &mockExtractor{extraction: &Extraction{
		Fields:  map[string]any{"mprn": "12345678901", "customer_name": "ACME"},
		Overall: 0.95,
	}}
	exec := NewParseExecutor(ext)

	res, err := exec.Execute(context.Background(), parseStep(mprnSchema), parseRun("MPRN: 12345678901"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "12345678901", res.Patch[schema.NSParsedData]["mprn"])
}

func TestParseExecutor_EmptyContentFails(t *testing.T) {
	exec := NewParseExecutor(&mockExtractor{})
	res, err := exec.Execute(context.Background(), parseStep(mprnSchema), parseRun(""))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	assert.Equal(t, schema.ErrCodeExtraction, res.Err.Code)
}

func TestParseExecutor_ExtractorErrorRoutesFailure(t *testing.T) {
	exec := NewParseExecutor(&mockExtractor{err: errors.New("model unavailable")})
	res, err := exec.Execute(context.Background(), parseStep(mprnSchema), parseRun("some text"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
}

func TestParseExecutor_MissingRequiredField(t *testing.T) {
	ext := &mockExtractor{extraction: &Extraction{
		Fields:  map[string]any{"customer_name": "ACME"},
		Overall: 0.99,
	}}
	exec := NewParseExecutor(ext)

	res, err := exec.Execute(context.Background(), parseStep(mprnSchema), parseRun("no mprn here"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Err.Message, "mprn")
}

func TestParseExecutor_ConfidenceBelowThreshold(t *testing.T) {
	ext := &mockExtractor{extraction: &Extraction{
		Fields:  map[string]any{"mprn": "12345678901"},
		Overall: 0.5,
	}}
	exec := NewParseExecutor(ext)

	res, err := exec.Execute(context.Background(), parseStep(mprnSchema), parseRun("MPRN: 12345678901"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Err.Message, "below threshold")
}

func TestParseExecutor_CustomThreshold(t *testing.T) {
	ext := &mockExtractor{extraction: &Extraction{
		Fields:  map[string]any{"mprn": "12345678901"},
		Overall: 0.5,
	}}
	exec := NewParseExecutor(ext)
	step := parseStep(`{"extractionSchema":[{"name":"mprn","type":"string"}],"confidenceThreshold":0.4}`)

	res, err := exec.Execute(context.Background(), step, parseRun("MPRN: 12345678901"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
}

func TestParseExecutor_MasksPIIBeforeExtraction(t *testing.T) {
	ext := &mockExtractor{extraction: &Extraction{
		Fields:  map[string]any{"mprn": "12345678901"},
		Overall: 1,
	}}
	exec := NewParseExecutor(ext)
	step := parseStep(`{"extractionSchema":[{"name":"mprn","type":"string"}],"maskPii":true}`)

	_, err := exec.Execute(context.Background(), step, parseRun("contact john@example.com about the meter"))
	require.NoError(t, err)
	assert.NotContains(t, ext.gotDoc.Content, "john@example.com")
	assert.Contains(t, ext.gotDoc.Content, "[EMAIL_REDACTED]")
}

func TestMaskPII(t *testing.T) {
	masked := MaskPII("mail a@b.ie, ssn 123-45-6789")
	assert.NotContains(t, masked, "a@b.ie")
	assert.NotContains(t, masked, "123-45-6789")
}
