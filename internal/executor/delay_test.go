package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

func delayStep(config string) *schema.Step {
	return &schema.Step{ID: "wait", Type: schema.StepTypeDelay, Config: json.RawMessage(config)}
}

func TestDelay_SuspendsUntilDuration(t *testing.T) {
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	exec := &DelayExecutor{now: func() time.Time { return fixed }}

	res, err := exec.Execute(context.Background(), delayStep(`{"duration":5,"unit":"seconds"}`), &schema.Run{})
	require.NoError(t, err)
	require.NotNil(t, res.ResumeAt)
	assert.Equal(t, fixed.Add(5*time.Second), *res.ResumeAt)
	assert.Equal(t, schema.OutcomeSuccess, res.Outcome)
}

func TestDelay_ResumeAtNotBeforeNowPlusDuration(t *testing.T) {
	before := time.Now().UTC()
	exec := NewDelayExecutor()

	res, err := exec.Execute(context.Background(), delayStep(`{"duration":5,"unit":"seconds"}`), &schema.Run{})
	require.NoError(t, err)
	require.NotNil(t, res.ResumeAt)
	assert.False(t, res.ResumeAt.Before(before.Add(5*time.Second)),
		"resume_at %s is before now+5s", res.ResumeAt)
}

func TestDelay_Units(t *testing.T) {
	cases := []struct {
		unit string
		want time.Duration
	}{
		{"seconds", 2 * time.Second},
		{"minutes", 2 * time.Minute},
		{"hours", 2 * time.Hour},
		{"days", 48 * time.Hour},
	}
	for _, c := range cases {
		d, err := durationOf(&schema.DelayConfig{Duration: 2, Unit: c.unit})
		require.NoError(t, err)
		assert.Equal(t, c.want, d, c.unit)
	}

	_, err := durationOf(&schema.DelayConfig{Duration: 2, Unit: "weeks"})
	assert.Error(t, err)
}

func TestDelay_BadConfigIsError(t *testing.T) {
	exec := NewDelayExecutor()
	_, err := exec.Execute(context.Background(), delayStep(`{"duration":0,"unit":"seconds"}`), &schema.Run{})
	require.Error(t, err)
}
