// Package ledger defines the canonical store contract: an append-only,
// per-field, per-source value ledger for each logical entity, plus the
// repository holding materialized records. The core never assumes a
// specific storage engine; implementations live behind these interfaces.
package ledger

import (
	"context"
	"reflect"
	"time"

	"github.com/agentstation/canonflow/pkg/entities"
)

// AppendRequest carries all field observations of one accepted update.
// The store applies the whole request atomically: either every field is
// recorded or none is.
type AppendRequest struct {
	EntityType   string
	CanonicalID  string
	SourceSystem string
	ObservedAt   time.Time

	// Values maps field path to the proposed value.
	Values map[string]any
}

// AppendResult reports what an append did per field. An identical value
// from the same source is a no-op; a changed value supersedes the prior
// same-source row while retaining it for audit.
type AppendResult struct {
	// AppendedPaths are the field paths for which a new observation row
	// was written.
	AppendedPaths []string

	// SupersededPaths are the field paths whose prior same-source value
	// was superseded.
	SupersededPaths []string
}

// NoOp reports whether the append changed nothing, i.e. every field
// carried a value identical to the current same-source observation.
func (r AppendResult) NoOp() bool {
	return len(r.AppendedPaths) == 0
}

// Store is the canonical store. Append supersedes the prior value from the
// same (fieldPath, sourceSystem) pair but never deletes cross-source
// history. Implementations must serialize concurrent appends to the same
// canonical id.
type Store interface {
	// Append records the observations of one update atomically. Returns a
	// StorageError unwrapping to errors.ErrStorageUnavailable when the
	// backing store is unreachable; in that case no field was recorded.
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)

	// Read returns the full ledger for an entity. Returns an error
	// unwrapping to errors.ErrNotFound when the entity has never been seen.
	Read(ctx context.Context, entityType, canonicalID string) (*entities.Ledger, error)
}

// RecordStore holds materialized records keyed by entity type + canonical
// id. Records are overwritten whole, never partially updated.
type RecordStore interface {
	// Save stores or overwrites the materialized record.
	Save(ctx context.Context, record *entities.MaterializedRecord) error

	// Get returns the materialized record, or an error unwrapping to
	// errors.ErrNotFound when none exists.
	Get(ctx context.Context, entityType, canonicalID string) (*entities.MaterializedRecord, error)
}

// valuesEqual reports whether two observed values are the same for
// supersession purposes.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
