package canonflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonflow"
	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/logging"
	"github.com/agentstation/canonflow/pkg/orchestrator"
	"github.com/agentstation/canonflow/pkg/parking"
)

func deviceUpdate(source, id string, at time.Time, fields map[string]any) entities.EntityUpdate {
	return entities.EntityUpdate{
		EntityType:   "device",
		SourceSystem: source,
		CanonicalID:  id,
		Fields:       fields,
		ReceivedAt:   at,
	}
}

func TestSubmitAccumulatesAcrossSources(t *testing.T) {
	client, err := canonflow.New(
		canonflow.WithHandler("device", orchestrator.DefaultHandler),
		canonflow.WithLogger(&logging.Nop),
	)
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Now().UTC()

	// A building-management system reports a device name, then a network
	// scanner reports a newer one. Latest-wins picks the scanner's value
	// but the ledger keeps both.
	decision, err := client.Submit(ctx, deviceUpdate("bms", "dev-1", base, map[string]any{
		"name":     "AHU-1 Temp",
		"location": "roof",
	}))
	require.NoError(t, err)
	assert.Equal(t, entities.ActionContinue, decision.Action)

	_, err = client.Submit(ctx, deviceUpdate("scan", "dev-1", base.Add(time.Hour), map[string]any{
		"name": "ahu1-temp.local",
	}))
	require.NoError(t, err)

	record, err := client.Materialized(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "ahu1-temp.local", record.Fields["name"].Value)
	assert.Equal(t, "scan", record.Fields["name"].SourceSystem)
	assert.Equal(t, "roof", record.Fields["location"].Value)
	assert.Equal(t, "bms", record.Fields["location"].SourceSystem)

	full, err := client.Ledger(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Len(t, full.Current("name"), 2, "both sources stay in the ledger")
}

func TestSubmitUnresolvedParks(t *testing.T) {
	queue := parking.NewMemoryQueue()
	client, err := canonflow.New(
		canonflow.WithHandler("device", orchestrator.DefaultHandler),
		canonflow.WithParkingQueue(queue),
		canonflow.WithLogger(&logging.Nop),
	)
	require.NoError(t, err)

	ctx := context.Background()
	update := entities.EntityUpdate{
		EntityType:   "device",
		SourceSystem: "scan",
		Identity:     map[string]string{"mac": "aa:bb:cc"},
		Fields:       map[string]any{"name": "unknown-device"},
		ReceivedAt:   time.Now().UTC(),
	}

	decision, err := client.Submit(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, entities.ActionPark, decision.Action)

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitInvalidUpdate(t *testing.T) {
	client, err := canonflow.New(canonflow.WithLogger(&logging.Nop))
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), entities.EntityUpdate{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestMaterializedUnknownEntity(t *testing.T) {
	client, err := canonflow.New(canonflow.WithLogger(&logging.Nop))
	require.NoError(t, err)

	_, err = client.Materialized(context.Background(), "device", "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestNewRejectsDuplicateHandler(t *testing.T) {
	_, err := canonflow.New(
		canonflow.WithHandler("device", orchestrator.DefaultHandler),
		canonflow.WithHandler("device", orchestrator.DefaultHandler),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  canonflow.Option
	}{
		{"zero workers", canonflow.WithWorkers(0)},
		{"negative interval", canonflow.WithResolutionInterval(-time.Second)},
		{"zero batch size", canonflow.WithResolutionBatchSize(0)},
		{"zero ceiling", canonflow.WithAttemptCeiling(0)},
		{"negative delay", canonflow.WithInitialDelay(-time.Second)},
		{"nil handler", canonflow.WithHandler("device", nil)},
		{"nil logger", canonflow.WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := canonflow.New(tt.opt)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}

func TestStartTwice(t *testing.T) {
	client, err := canonflow.New(canonflow.WithLogger(&logging.Nop))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	assert.ErrorIs(t, client.Start(ctx), errors.ErrAlreadyStarted)
}

func TestStopIdempotent(t *testing.T) {
	client, err := canonflow.New(canonflow.WithLogger(&logging.Nop))
	require.NoError(t, err)

	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
}
