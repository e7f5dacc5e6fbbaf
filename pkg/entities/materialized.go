package entities

import "time"

// MaterializedField is one resolved field value plus the policy tag
// recording which conflict-resolution rule produced it.
type MaterializedField struct {
	Value        any               `json:"value" yaml:"value"`
	Policy       string            `json:"policy" yaml:"policy"`
	SourceSystem string            `json:"source_system" yaml:"source_system"`
	ObservedAt   time.Time         `json:"observed_at" yaml:"observed_at"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MaterializedRecord is the single authoritative view of one entity,
// produced only by the materialization engine. It is overwritten in place
// on every re-materialization and never partially updated.
type MaterializedRecord struct {
	EntityType     string                       `json:"entity_type" yaml:"entity_type"`
	CanonicalID    string                       `json:"canonical_id" yaml:"canonical_id"`
	Fields         map[string]MaterializedField `json:"fields" yaml:"fields"`
	MaterializedAt time.Time                    `json:"materialized_at" yaml:"materialized_at"`
}

// Field returns the materialized field for a path, if present.
func (r *MaterializedRecord) Field(path string) (MaterializedField, bool) {
	f, ok := r.Fields[path]
	return f, ok
}

// Copy returns a deep copy of the record.
func (r *MaterializedRecord) Copy() *MaterializedRecord {
	out := *r
	out.Fields = make(map[string]MaterializedField, len(r.Fields))
	for path, field := range r.Fields {
		if field.Metadata != nil {
			meta := make(map[string]string, len(field.Metadata))
			for k, v := range field.Metadata {
				meta[k] = v
			}
			field.Metadata = meta
		}
		out.Fields[path] = field
	}
	return &out
}
