package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

func TestTriggerExecutor_SeedsContext(t *testing.T) {
	run := &schema.Run{
		TriggerEvent: map[string]any{"type": "attachment_received", "file_name": "invoice.pdf"},
		Context:      schema.ExecutionContext{},
	}
	exec := NewTriggerExecutor()

	res, err := exec.Execute(context.Background(), &schema.Step{ID: "t", Type: schema.StepTypeTrigger}, run)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
	assert.Equal(t, run.TriggerEvent, map[string]any(res.Patch[schema.NSTrigger]))
}

func TestMatchEvent_NoFilters(t *testing.T) {
	ok, _ := MatchEvent(&schema.TriggerConfig{}, map[string]any{"type": "manual"})
	assert.True(t, ok)
}

func TestMatchEvent_FileTypes(t *testing.T) {
	cfg := &schema.TriggerConfig{Filters: schema.TriggerFilters{FileTypes: []string{"pdf", "csv"}}}

	ok, _ := MatchEvent(cfg, map[string]any{"file_type": "pdf"})
	assert.True(t, ok)

	// Case and dot prefix are normalized.
	ok, _ = MatchEvent(cfg, map[string]any{"file_type": ".PDF"})
	assert.True(t, ok)

	// Falls back to the file name extension.
	ok, _ = MatchEvent(cfg, map[string]any{"file_name": "report.csv"})
	assert.True(t, ok)

	ok, reason := MatchEvent(cfg, map[string]any{"file_name": "notes.txt"})
	assert.False(t, ok)
	assert.Contains(t, reason, "file type")
}

func TestMatchEvent_Channels(t *testing.T) {
	cfg := &schema.TriggerConfig{Filters: schema.TriggerFilters{Channels: []string{"email"}}}

	ok, _ := MatchEvent(cfg, map[string]any{"channel": "email"})
	assert.True(t, ok)

	ok, reason := MatchEvent(cfg, map[string]any{"channel": "slack"})
	assert.False(t, ok)
	assert.Contains(t, reason, "channel")
}

func TestMatchEvent_Keywords(t *testing.T) {
	cfg := &schema.TriggerConfig{Filters: schema.TriggerFilters{Keywords: []string{"mprn", "meter"}}}

	ok, _ := MatchEvent(cfg, map[string]any{"subject": "New MPRN request"})
	assert.True(t, ok)

	ok, _ = MatchEvent(cfg, map[string]any{"content": "please register this meter point"})
	assert.True(t, ok)

	ok, reason := MatchEvent(cfg, map[string]any{"subject": "lunch menu"})
	assert.False(t, ok)
	assert.Contains(t, reason, "keyword")
}

func TestMatchEvent_AllFiltersMustMatch(t *testing.T) {
	cfg := &schema.TriggerConfig{Filters: schema.TriggerFilters{
		FileTypes: []string{"pdf"},
		Channels:  []string{"email"},
	}}

	ok, _ := MatchEvent(cfg, map[string]any{"file_type": "pdf", "channel": "email"})
	assert.True(t, ok)

	ok, _ = MatchEvent(cfg, map[string]any{"file_type": "pdf", "channel": "slack"})
	assert.False(t, ok)
}
