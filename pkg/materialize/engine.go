// Package materialize reduces a canonical ledger to a single materialized
// record. Transformers are pure: given the same ledger they always produce
// the same record, so a materialized record is derivable from ledger state
// alone and full recomputes are safe to repeat.
package materialize

import (
	"fmt"
	"time"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
)

// FieldFunc resolves one field from its current per-source observations.
// The full ledger is provided for cross-field lookups. Returning ok=false
// omits the field from the record, meaning "no value yet resolvable".
type FieldFunc func(entityType, path string, current []entities.Observation, full *entities.Ledger) (field entities.MaterializedField, ok bool, err error)

// RecordFunc resolves all fields of a record at once. Used when a field's
// resolved value depends on another field.
type RecordFunc func(entityType string, full *entities.Ledger) (map[string]entities.MaterializedField, error)

// fieldRegistration binds a transformer to an entity type and field
// pattern. Patterns follow the same matching rules as MatchesPattern.
type fieldRegistration struct {
	entityType string
	pattern    string
	fn         FieldFunc
}

// Engine maps canonical ledgers to materialized records. Transformer
// registration happens at startup; the engine is safe for concurrent use
// once assembled.
type Engine struct {
	fields  []fieldRegistration
	records map[string]RecordFunc
}

// NewEngine creates an engine with no custom transformers. Fields without
// a registered transformer fall back to the latest-wins default.
func NewEngine() *Engine {
	return &Engine{
		records: make(map[string]RecordFunc),
	}
}

// RegisterField binds a field transformer to an entity type and field path
// pattern. Call only during startup assembly.
func (e *Engine) RegisterField(entityType, pattern string, fn FieldFunc) {
	e.fields = append(e.fields, fieldRegistration{entityType: entityType, pattern: pattern, fn: fn})
}

// RegisterRecord binds a record-level transformer to an entity type. A
// record transformer replaces per-field resolution for that type. Call
// only during startup assembly.
func (e *Engine) RegisterRecord(entityType string, fn RecordFunc) {
	e.records[entityType] = fn
}

// Materialize recomputes the materialized record from the full ledger.
// On a transformer fault it returns a TransformError and no record; the
// caller keeps the previous record untouched for this cycle.
func (e *Engine) Materialize(full *entities.Ledger) (*entities.MaterializedRecord, error) {
	var (
		fields map[string]entities.MaterializedField
		err    error
	)

	if fn, ok := e.records[full.EntityType]; ok {
		fields, err = e.runRecord(fn, full)
	} else {
		fields, err = e.runFields(full)
	}
	if err != nil {
		return nil, err
	}

	return &entities.MaterializedRecord{
		EntityType:     full.EntityType,
		CanonicalID:    full.CanonicalID,
		Fields:         fields,
		MaterializedAt: time.Now().UTC(),
	}, nil
}

// runRecord invokes the record-level transformer, converting panics from
// custom logic into TransformErrors.
func (e *Engine) runRecord(fn RecordFunc, full *entities.Ledger) (fields map[string]entities.MaterializedField, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewTransformError(full.EntityType, full.CanonicalID, "", fmt.Errorf("transformer panic: %v", r))
		}
	}()

	fields, err = fn(full.EntityType, full)
	if err != nil {
		return nil, errors.WrapTransform(full.EntityType, full.CanonicalID, "", err)
	}
	return fields, nil
}

// runFields resolves each field independently in deterministic path order.
func (e *Engine) runFields(full *entities.Ledger) (map[string]entities.MaterializedField, error) {
	fields := make(map[string]entities.MaterializedField)

	for _, path := range full.FieldPaths() {
		current := full.Current(path)
		if len(current) == 0 {
			continue
		}

		fn := e.fieldFunc(full.EntityType, path)
		field, ok, err := runField(fn, full.EntityType, path, current, full)
		if err != nil {
			return nil, errors.WrapTransform(full.EntityType, full.CanonicalID, path, err)
		}
		if !ok {
			continue
		}
		fields[path] = field
	}

	return fields, nil
}

// fieldFunc picks the most specific registered transformer for a field, or
// the latest-wins default when none matches.
func (e *Engine) fieldFunc(entityType, path string) FieldFunc {
	var (
		best       FieldFunc
		bestLength int
	)
	for _, reg := range e.fields {
		if reg.entityType != entityType && reg.entityType != "*" {
			continue
		}
		if !MatchesPattern(path, reg.pattern) {
			continue
		}
		if best == nil || len(reg.pattern) > bestLength {
			best = reg.fn
			bestLength = len(reg.pattern)
		}
	}
	if best == nil {
		return LatestWins()
	}
	return best
}

// runField invokes a field transformer, converting panics into errors.
func runField(fn FieldFunc, entityType, path string, current []entities.Observation, full *entities.Ledger) (field entities.MaterializedField, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return fn(entityType, path, current, full)
}
