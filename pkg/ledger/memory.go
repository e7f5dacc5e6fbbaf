package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
)

// Compile-time interface checks to ensure proper implementation.
var (
	_ Store       = (*Memory)(nil)
	_ RecordStore = (*Memory)(nil)
)

// Memory is an in-process implementation of Store and RecordStore. It is
// the default backing store for embedding and tests.
type Memory struct {
	mu      sync.RWMutex
	ledgers map[string]*entities.Ledger
	records map[string]*entities.MaterializedRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		ledgers: make(map[string]*entities.Ledger),
		records: make(map[string]*entities.MaterializedRecord),
	}
}

func key(entityType, canonicalID string) string {
	return entityType + "/" + canonicalID
}

// Append records the observations of one update atomically, superseding
// any prior same-source value per field.
func (m *Memory) Append(_ context.Context, req AppendRequest) (AppendResult, error) {
	if req.CanonicalID == "" {
		return AppendResult{}, errors.NewValidationError("canonical_id", req.CanonicalID, "must not be empty")
	}
	if req.SourceSystem == "" {
		return AppendResult{}, errors.NewValidationError("source_system", req.SourceSystem, "must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(req.EntityType, req.CanonicalID)
	l, ok := m.ledgers[k]
	if !ok {
		l = entities.NewLedger(req.EntityType, req.CanonicalID)
		m.ledgers[k] = l
	}

	observedAt := req.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	paths := make([]string, 0, len(req.Values))
	for path := range req.Values {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var result AppendResult
	for _, path := range paths {
		value := req.Values[path]
		observations := l.Fields[path]

		noop := false
		for i := range observations {
			obs := &observations[i]
			if !obs.Current() || obs.SourceSystem != req.SourceSystem {
				continue
			}
			if valuesEqual(obs.Value, value) {
				// Identical same-source value: no new ledger row.
				noop = true
				break
			}
			supersededAt := observedAt
			obs.SupersededAt = &supersededAt
			result.SupersededPaths = append(result.SupersededPaths, path)
			break
		}
		if noop {
			continue
		}

		l.Fields[path] = append(observations, entities.Observation{
			SourceSystem: req.SourceSystem,
			Value:        value,
			ObservedAt:   observedAt,
		})
		result.AppendedPaths = append(result.AppendedPaths, path)
	}

	return result, nil
}

// Read returns a copy of the ledger for an entity.
func (m *Memory) Read(_ context.Context, entityType, canonicalID string) (*entities.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[key(entityType, canonicalID)]
	if !ok {
		return nil, errors.NewNotFoundError("ledger", key(entityType, canonicalID))
	}
	return l.Copy(), nil
}

// Save stores or overwrites the materialized record.
func (m *Memory) Save(_ context.Context, record *entities.MaterializedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[key(record.EntityType, record.CanonicalID)] = record.Copy()
	return nil
}

// Get returns a copy of the materialized record.
func (m *Memory) Get(_ context.Context, entityType, canonicalID string) (*entities.MaterializedRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key(entityType, canonicalID)]
	if !ok {
		return nil, errors.NewNotFoundError("materialized record", key(entityType, canonicalID))
	}
	return r.Copy(), nil
}
