package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, stepType StepType, config string) *Step {
	return &Step{ID: id, Type: stepType, Config: json.RawMessage(config)}
}

func TestDecodeStepConfig_Trigger(t *testing.T) {
	cfg, err := DecodeStepConfig(step("t", StepTypeTrigger,
		`{"triggerType":"attachment_received","filters":{"fileTypes":["pdf","csv"]}}`))
	require.NoError(t, err)

	tc := cfg.(*TriggerConfig)
	assert.Equal(t, "attachment_received", tc.TriggerType)
	assert.Equal(t, []string{"pdf", "csv"}, tc.Filters.FileTypes)
}

func TestDecodeStepConfig_EmptyConfig(t *testing.T) {
	cfg, err := DecodeStepConfig(&Step{ID: "t", Type: StepTypeTrigger})
	require.NoError(t, err)
	assert.NotNil(t, cfg.(*TriggerConfig))
}

func TestDecodeStepConfig_Parse(t *testing.T) {
	cfg, err := DecodeStepConfig(step("p", StepTypeParse,
		`{"extractionSchema":[{"name":"mprn","type":"string","required":true}],"confidenceThreshold":0.9}`))
	require.NoError(t, err)

	pc := cfg.(*ParseConfig)
	require.Len(t, pc.ExtractionSchema, 1)
	assert.True(t, pc.ExtractionSchema[0].Required)
	assert.Equal(t, 0.9, pc.Threshold())
}

func TestDecodeStepConfig_ParseRequiresSchema(t *testing.T) {
	_, err := DecodeStepConfig(step("p", StepTypeParse, `{}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfig, err.(*FlowError).Code)
}

func TestParseConfigThresholdDefault(t *testing.T) {
	pc := &ParseConfig{}
	assert.Equal(t, DefaultConfidenceThreshold, pc.Threshold())
}

func TestDecodeStepConfig_DocumentType(t *testing.T) {
	cfg, err := DecodeStepConfig(step("d", StepTypeDocumentType,
		`{"strategy":"keyword_matching","minConfidence":0.5,"categories":[{"name":"Invoice","keywords":["invoice","total"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "keyword_matching", cfg.(*DocumentTypeConfig).Strategy)

	_, err = DecodeStepConfig(step("d", StepTypeDocumentType, `{"strategy":"guess"}`))
	require.Error(t, err)
}

func TestDecodeStepConfig_Condition(t *testing.T) {
	cfg, err := DecodeStepConfig(step("c", StepTypeCondition,
		`{"conditions":[{"field":"parsed_data.mprn","operator":"exists"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "AND", cfg.(*ConditionConfig).Logic)

	_, err = DecodeStepConfig(step("c", StepTypeCondition, `{"logic":"XOR","conditions":[{"field":"a","operator":"exists"}]}`))
	require.Error(t, err)

	_, err = DecodeStepConfig(step("c", StepTypeCondition, `{}`))
	require.Error(t, err)
}

func TestDecodeStepConfig_APIAction(t *testing.T) {
	cfg, err := DecodeStepConfig(step("a", StepTypeAPIAction,
		`{"url":"https://example.com","retryConfig":{"maxRetries":0,"backoffMs":100}}`))
	require.NoError(t, err)

	ac := cfg.(*APIActionConfig)
	assert.Equal(t, "GET", ac.Method)
	// Explicit zero retries must survive decoding.
	require.NotNil(t, ac.RetryConfig.MaxRetries)
	assert.Equal(t, 0, *ac.RetryConfig.MaxRetries)

	cfg, err = DecodeStepConfig(step("a", StepTypeAPIAction, `{"method":"POST","url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Nil(t, cfg.(*APIActionConfig).RetryConfig.MaxRetries)

	_, err = DecodeStepConfig(step("a", StepTypeAPIAction, `{"method":"POST"}`))
	require.Error(t, err)

	// Negative retry counts decode cleanly as JSON but would skip the
	// request loop entirely; they must fail here, not mid-run.
	_, err = DecodeStepConfig(step("a", StepTypeAPIAction,
		`{"url":"https://example.com","retryConfig":{"maxRetries":-1}}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfig, err.(*FlowError).Code)
}

func TestDecodeStepConfig_Delay(t *testing.T) {
	cfg, err := DecodeStepConfig(step("d", StepTypeDelay, `{"duration":5,"unit":"seconds"}`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.(*DelayConfig).Duration)

	_, err = DecodeStepConfig(step("d", StepTypeDelay, `{"duration":0,"unit":"seconds"}`))
	require.Error(t, err)

	_, err = DecodeStepConfig(step("d", StepTypeDelay, `{"duration":5,"unit":"fortnights"}`))
	require.Error(t, err)
}

func TestDecodeStepConfig_End(t *testing.T) {
	cfg, err := DecodeStepConfig(step("e", StepTypeEnd, `{}`))
	require.NoError(t, err)
	assert.Equal(t, "success", cfg.(*EndConfig).Status)

	cfg, err = DecodeStepConfig(step("e", StepTypeEnd,
		`{"status":"failure","notificationConfig":{"sendNotification":true,"channel":"ops"}}`))
	require.NoError(t, err)
	ec := cfg.(*EndConfig)
	assert.Equal(t, "failure", ec.Status)
	assert.True(t, ec.NotificationConfig.SendNotification)

	_, err = DecodeStepConfig(step("e", StepTypeEnd, `{"status":"maybe"}`))
	require.Error(t, err)
}

func TestDecodeStepConfig_MalformedJSON(t *testing.T) {
	_, err := DecodeStepConfig(step("t", StepTypeTrigger, `{"filters":`))
	require.Error(t, err)

	ferr := err.(*FlowError)
	assert.Equal(t, ErrCodeConfig, ferr.Code)
	assert.Equal(t, "t", ferr.StepID)
}

func TestDecodeStepConfig_UnknownType(t *testing.T) {
	_, err := DecodeStepConfig(step("x", StepType("loop"), `{}`))
	require.Error(t, err)
}
