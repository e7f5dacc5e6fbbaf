package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Equal(t, Default(), FromContext(context.Background()))
	assert.Equal(t, Default(), FromContext(nil)) //nolint:staticcheck // nil context is part of the contract
}

func TestWithLoggerRoundTrip(t *testing.T) {
	tl := NewTestLogger(t)
	ctx := WithLogger(context.Background(), tl.Logger)

	FromContext(ctx).Info().Msg("hello from context")
	assert.True(t, tl.Contains("hello from context"))
}

func TestWithEntityAddsFields(t *testing.T) {
	tl := NewTestLogger(t)
	ctx := WithLogger(context.Background(), tl.Logger)
	ctx = WithEntity(ctx, "Device", "dev-1")
	ctx = WithSource(ctx, "bms")

	FromContext(ctx).Info().Msg("tagged")

	assert.True(t, tl.Contains(`"entity_type":"Device"`))
	assert.True(t, tl.Contains(`"canonical_id":"dev-1"`))
	assert.True(t, tl.Contains(`"source":"bms"`))
}
