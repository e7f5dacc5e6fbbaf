package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonflow/pkg/errors"
)

func TestStorageError(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := errors.NewStorageError("append", "ledger", "Device/dev-1", cause)

	assert.Contains(t, err.Error(), "append")
	assert.Contains(t, err.Error(), "Device/dev-1")
	assert.True(t, stderrors.Is(err, errors.ErrStorageUnavailable))
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestTransformError(t *testing.T) {
	cause := stderrors.New("boom")
	err := errors.NewTransformError("Device", "dev-1", "model", cause)

	assert.Contains(t, err.Error(), "field model")
	assert.True(t, stderrors.Is(err, errors.ErrTransform))

	var te *errors.TransformError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, "Device", te.EntityType)

	// Record-level errors omit the field path.
	recordErr := errors.NewTransformError("Device", "dev-1", "", cause)
	assert.NotContains(t, recordErr.Error(), "field")
}

func TestValidationError(t *testing.T) {
	err := errors.NewValidationError("source_system", "", "must not be empty")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidInput))
	assert.Contains(t, err.Error(), "source_system")
}

func TestNotFoundError(t *testing.T) {
	err := errors.NewNotFoundError("materialized record", "Device/dev-9")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestWrapHelpersNilSafe(t *testing.T) {
	assert.NoError(t, errors.WrapStorage("read", "ledger", "", nil))
	assert.NoError(t, errors.WrapValidation("field", nil))
	assert.NoError(t, errors.WrapTransform("Device", "dev-1", "model", nil))
}
