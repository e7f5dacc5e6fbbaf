package entities_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
)

func validUpdate() entities.EntityUpdate {
	return entities.EntityUpdate{
		EntityType:   "Device",
		SourceSystem: "bms",
		CanonicalID:  "dev-1",
		Fields:       map[string]any{"model": "X100"},
		ReceivedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEntityUpdateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*entities.EntityUpdate)
		wantErr bool
	}{
		{name: "valid", mutate: func(*entities.EntityUpdate) {}},
		{name: "missing entity type", mutate: func(u *entities.EntityUpdate) { u.EntityType = "" }, wantErr: true},
		{name: "missing source", mutate: func(u *entities.EntityUpdate) { u.SourceSystem = "" }, wantErr: true},
		{name: "no fields", mutate: func(u *entities.EntityUpdate) { u.Fields = nil }, wantErr: true},
		{name: "empty field path", mutate: func(u *entities.EntityUpdate) { u.Fields = map[string]any{"": 1} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUpdate()
			tt.mutate(&u)
			err := u.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEntityUpdateCopyIsDeep(t *testing.T) {
	u := validUpdate()
	u.Identity = map[string]string{"serial": "abc"}

	cp := u.Copy()
	cp.Fields["model"] = "Y200"
	cp.Identity["serial"] = "def"

	assert.Equal(t, "X100", u.Fields["model"])
	assert.Equal(t, "abc", u.Identity["serial"])
}

func TestDecisionConstructors(t *testing.T) {
	assert.Equal(t, entities.ActionContinue, entities.Continue("ok").Action)
	assert.Equal(t, entities.ActionSkip, entities.Skip("duplicate").Action)
	assert.Equal(t, entities.ActionPark, entities.Park("no identity match").Action)

	d := entities.Skip("duplicate").WithMetadata("source", "bms")
	assert.Equal(t, "bms", d.Metadata["source"])
	// WithMetadata must not mutate the original map.
	d2 := d.WithMetadata("source", "scan")
	assert.Equal(t, "bms", d.Metadata["source"])
	assert.Equal(t, "scan", d2.Metadata["source"])
}

func TestLedgerCurrentOrdering(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	ledger := entities.NewLedger("Device", "dev-1")
	ledger.Fields["model"] = []entities.Observation{
		{SourceSystem: "scan", Value: "X100", ObservedAt: t2},
		{SourceSystem: "bms", Value: "X100", ObservedAt: t1},
		{SourceSystem: "bms", Value: "X099", ObservedAt: t1, SupersededAt: &t2},
		{SourceSystem: "api", Value: "X100", ObservedAt: t2},
	}

	current := ledger.Current("model")
	require.Len(t, current, 3)
	assert.Equal(t, "bms", current[0].SourceSystem)
	// Timestamp tie between api and scan breaks by source name ascending.
	assert.Equal(t, "api", current[1].SourceSystem)
	assert.Equal(t, "scan", current[2].SourceSystem)

	bySource := ledger.CurrentBySource("model")
	require.Len(t, bySource, 3)
	assert.Equal(t, "X100", bySource["bms"].Value)

	assert.Len(t, ledger.History("model"), 4)
}

func TestLedgerCopyIsDeep(t *testing.T) {
	ledger := entities.NewLedger("Device", "dev-1")
	ledger.Fields["model"] = []entities.Observation{
		{SourceSystem: "bms", Value: "X100", ObservedAt: time.Now().UTC()},
	}

	cp := ledger.Copy()
	cp.Fields["model"][0].Value = "mutated"

	assert.Equal(t, "X100", ledger.Fields["model"][0].Value)
}

func TestMaterializedRecordCopyIsDeep(t *testing.T) {
	rec := &entities.MaterializedRecord{
		EntityType:  "Device",
		CanonicalID: "dev-1",
		Fields: map[string]entities.MaterializedField{
			"model": {Value: "X100", Policy: "latest-wins", Metadata: map[string]string{"sources": "2"}},
		},
	}

	cp := rec.Copy()
	f := cp.Fields["model"]
	f.Metadata["sources"] = "9"
	cp.Fields["model"] = f

	assert.Equal(t, "2", rec.Fields["model"].Metadata["sources"])
}
