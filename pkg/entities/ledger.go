package entities

import (
	"sort"
	"time"
)

// Observation is one source-tagged value for a field. Observations are
// append-only; a superseded observation stays in the ledger with
// SupersededAt set so provenance is never lost.
type Observation struct {
	SourceSystem string     `json:"source_system" yaml:"source_system"`
	Value        any        `json:"value" yaml:"value"`
	ObservedAt   time.Time  `json:"observed_at" yaml:"observed_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty" yaml:"superseded_at,omitempty"`
}

// Current reports whether this observation is the current value from its
// source, i.e. it has not been superseded by a later same-source value.
func (o Observation) Current() bool {
	return o.SupersededAt == nil
}

// Ledger is the canonical value history for one entity, keyed by field
// path. Each field holds all observations ever appended, in append order.
type Ledger struct {
	EntityType  string                   `json:"entity_type" yaml:"entity_type"`
	CanonicalID string                   `json:"canonical_id" yaml:"canonical_id"`
	Fields      map[string][]Observation `json:"fields" yaml:"fields"`
}

// NewLedger creates an empty ledger for the given entity.
func NewLedger(entityType, canonicalID string) *Ledger {
	return &Ledger{
		EntityType:  entityType,
		CanonicalID: canonicalID,
		Fields:      make(map[string][]Observation),
	}
}

// FieldPaths returns all field paths present in the ledger, sorted for
// deterministic iteration.
func (l *Ledger) FieldPaths() []string {
	paths := make([]string, 0, len(l.Fields))
	for path := range l.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Current returns the current (non-superseded) observations for a field,
// at most one per source, ordered by observation time ascending with ties
// broken by source name ascending.
func (l *Ledger) Current(fieldPath string) []Observation {
	var current []Observation
	for _, obs := range l.Fields[fieldPath] {
		if obs.Current() {
			current = append(current, obs)
		}
	}
	sort.SliceStable(current, func(i, j int) bool {
		if current[i].ObservedAt.Equal(current[j].ObservedAt) {
			return current[i].SourceSystem < current[j].SourceSystem
		}
		return current[i].ObservedAt.Before(current[j].ObservedAt)
	})
	return current
}

// CurrentBySource returns the current observation for each source that has
// ever reported the field.
func (l *Ledger) CurrentBySource(fieldPath string) map[string]Observation {
	out := make(map[string]Observation)
	for _, obs := range l.Fields[fieldPath] {
		if obs.Current() {
			out[obs.SourceSystem] = obs
		}
	}
	return out
}

// History returns every observation ever appended for a field, including
// superseded ones, in append order.
func (l *Ledger) History(fieldPath string) []Observation {
	history := make([]Observation, len(l.Fields[fieldPath]))
	copy(history, l.Fields[fieldPath])
	return history
}

// Copy returns a deep copy of the ledger.
func (l *Ledger) Copy() *Ledger {
	out := NewLedger(l.EntityType, l.CanonicalID)
	for path, observations := range l.Fields {
		copied := make([]Observation, len(observations))
		copy(copied, observations)
		out.Fields[path] = copied
	}
	return out
}
