package entities

import "time"

// Fault records one abandoned materialization cycle. The ledger append
// that triggered the cycle succeeded; only the transform failed, so the
// previously materialized record keeps being served until a later cycle
// succeeds. Faults are preserved for inspection.
type Fault struct {
	EntityType  string    `json:"entity_type" yaml:"entity_type"`
	CanonicalID string    `json:"canonical_id" yaml:"canonical_id"`
	FieldPath   string    `json:"field_path,omitempty" yaml:"field_path,omitempty"`
	Reason      string    `json:"reason" yaml:"reason"`
	OccurredAt  time.Time `json:"occurred_at" yaml:"occurred_at"`
}
