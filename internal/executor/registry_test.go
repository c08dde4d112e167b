package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTriggerExecutor()))
	require.NoError(t, r.Register(NewDelayExecutor()))
	assert.Equal(t, 2, r.Count())

	exec, err := r.Get(schema.StepTypeTrigger)
	require.NoError(t, err)
	assert.Equal(t, schema.StepTypeTrigger, exec.Type())
}

func TestRegistry_DuplicateIsConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTriggerExecutor()))

	err := r.Register(NewTriggerExecutor())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.FlowError).Code)
}

func TestRegistry_MissingExecutor(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(schema.StepTypeParse)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, err.(*schema.FlowError).Code)
}

func TestRegistry_NilExecutor(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
}
