package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "canonflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canonflow.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestAppendAndRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := store.Append(ctx, ledger.AppendRequest{
		EntityType:   "device",
		CanonicalID:  "dev-1",
		SourceSystem: "bms",
		ObservedAt:   now,
		Values:       map[string]any{"name": "Sensor A", "location": "roof"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "location"}, result.AppendedPaths)
	assert.Empty(t, result.SupersededPaths)

	full, err := store.Read(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "device", full.EntityType)
	require.Len(t, full.Fields["name"], 1)
	assert.Equal(t, "Sensor A", full.Fields["name"][0].Value)
	assert.Equal(t, "bms", full.Fields["name"][0].SourceSystem)
	assert.True(t, full.Fields["name"][0].Current())
}

func TestAppendIdenticalValueIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	req := ledger.AppendRequest{
		EntityType:   "device",
		CanonicalID:  "dev-1",
		SourceSystem: "bms",
		ObservedAt:   time.Now().UTC(),
		Values:       map[string]any{"name": "Sensor A"},
	}

	_, err := store.Append(ctx, req)
	require.NoError(t, err)

	req.ObservedAt = req.ObservedAt.Add(time.Minute)
	result, err := store.Append(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.NoOp())

	full, err := store.Read(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Len(t, full.Fields["name"], 1)
}

func TestAppendChangedValueSupersedes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	first := time.Now().UTC()

	_, err := store.Append(ctx, ledger.AppendRequest{
		EntityType:   "device",
		CanonicalID:  "dev-1",
		SourceSystem: "bms",
		ObservedAt:   first,
		Values:       map[string]any{"name": "Sensor A"},
	})
	require.NoError(t, err)

	result, err := store.Append(ctx, ledger.AppendRequest{
		EntityType:   "device",
		CanonicalID:  "dev-1",
		SourceSystem: "bms",
		ObservedAt:   first.Add(time.Hour),
		Values:       map[string]any{"name": "Sensor A2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, result.AppendedPaths)
	assert.Equal(t, []string{"name"}, result.SupersededPaths)

	full, err := store.Read(ctx, "device", "dev-1")
	require.NoError(t, err)
	require.Len(t, full.Fields["name"], 2)
	// Superseded row survives for audit; only the newest is current.
	assert.False(t, full.Fields["name"][0].Current())
	assert.True(t, full.Fields["name"][1].Current())
	assert.Equal(t, "Sensor A2", full.Fields["name"][1].Value)

	current := full.Current("name")
	require.Len(t, current, 1)
	assert.Equal(t, "Sensor A2", current[0].Value)
}

func TestAppendKeepsCrossSourceHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, source := range []string{"bms", "scan"} {
		_, err := store.Append(ctx, ledger.AppendRequest{
			EntityType:   "device",
			CanonicalID:  "dev-1",
			SourceSystem: source,
			ObservedAt:   now,
			Values:       map[string]any{"name": "from-" + source},
		})
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	full, err := store.Read(ctx, "device", "dev-1")
	require.NoError(t, err)
	current := full.Current("name")
	assert.Len(t, current, 2)
}

func TestReadUnknownEntity(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Read(context.Background(), "device", "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := &entities.MaterializedRecord{
		EntityType:  "device",
		CanonicalID: "dev-1",
		Fields: map[string]entities.MaterializedField{
			"name": {Value: "Sensor A", Policy: "latest-wins", SourceSystem: "bms", ObservedAt: time.Now().UTC()},
		},
		MaterializedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, record))

	got, err := store.Get(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Sensor A", got.Fields["name"].Value)
	assert.Equal(t, "bms", got.Fields["name"].SourceSystem)

	// Overwrite replaces the record whole.
	record.Fields["name"] = entities.MaterializedField{Value: "Renamed", Policy: "latest-wins", SourceSystem: "scan"}
	require.NoError(t, store.Save(ctx, record))
	got, err = store.Get(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Fields["name"].Value)

	_, err = store.Get(ctx, "device", "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func parkedEntry(id, name string) *entities.ParkedEntry {
	return &entities.ParkedEntry{
		ID: id,
		Update: entities.EntityUpdate{
			EntityType:   "device",
			SourceSystem: "scan",
			Identity:     map[string]string{"mac": "aa:bb"},
			Fields:       map[string]any{"name": name},
			ReceivedAt:   time.Now().UTC(),
		},
		Reason:        "no identity match",
		FirstParkedAt: time.Now().UTC(),
	}
}

func TestParkingQueueFIFO(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Park(ctx, parkedEntry("p-1", "first")))
	require.NoError(t, store.Park(ctx, parkedEntry("p-2", "second")))
	require.NoError(t, store.Park(ctx, parkedEntry("p-3", "third")))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	batch, err := store.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "p-1", batch[0].ID)
	assert.Equal(t, "p-2", batch[1].ID)

	// Drained entries are gone from the live queue.
	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Requeued entries go to the back.
	batch[0].Attempts++
	require.NoError(t, store.Requeue(ctx, batch[0]))
	rest, err := store.Drain(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "p-3", rest[0].ID)
	assert.Equal(t, "p-1", rest[1].ID)
	assert.Equal(t, 1, rest[1].Attempts)
}

func TestDrainEmptyQueue(t *testing.T) {
	store := openTestStore(t)

	batch, err := store.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestDeadLetters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entry := parkedEntry("p-1", "doomed")
	entry.Attempts = 5
	require.NoError(t, store.Add(ctx, entry, "attempt ceiling reached"))

	letters, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "p-1", letters[0].Entry.ID)
	assert.Equal(t, "attempt ceiling reached", letters[0].Cause)
	assert.Equal(t, 5, letters[0].Entry.Attempts)
	assert.False(t, letters[0].DeadLetteredAt.IsZero())
}

func TestFaults(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	occurred := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.Record(ctx, entities.Fault{
		EntityType:  "device",
		CanonicalID: "dev-1",
		FieldPath:   "name",
		Reason:      "transformer panic",
		OccurredAt:  occurred,
	}))
	require.NoError(t, store.Record(ctx, entities.Fault{
		EntityType:  "device",
		CanonicalID: "dev-2",
		Reason:      "record transformer failed",
		OccurredAt:  occurred.Add(time.Second),
	}))

	faults, err := store.Faults(ctx)
	require.NoError(t, err)
	require.Len(t, faults, 2)
	assert.Equal(t, "dev-1", faults[0].CanonicalID)
	assert.Equal(t, "name", faults[0].FieldPath)
	assert.Equal(t, "transformer panic", faults[0].Reason)
	assert.True(t, faults[0].OccurredAt.Equal(occurred))
	assert.Equal(t, "dev-2", faults[1].CanonicalID)
	assert.Empty(t, faults[1].FieldPath)
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canonflow.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Append(ctx, ledger.AppendRequest{
		EntityType:   "device",
		CanonicalID:  "dev-1",
		SourceSystem: "bms",
		ObservedAt:   time.Now().UTC(),
		Values:       map[string]any{"name": "Sensor A"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Park(ctx, parkedEntry("p-1", "pending")))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	full, err := store.Read(ctx, "device", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Sensor A", full.Fields["name"][0].Value)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
