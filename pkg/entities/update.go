// Package entities defines the data model shared by the canonflow
// subsystems: inbound entity updates, orchestrator decisions, the canonical
// per-field ledger, materialized records, and parked entries.
package entities

import (
	"time"

	"github.com/agentstation/canonflow/pkg/errors"
)

// EntityUpdate is a single observation of an entity emitted by a source
// adapter. Updates are immutable once created; the orchestrator consumes
// each one exactly once.
type EntityUpdate struct {
	// EntityType is the logical kind of entity, e.g. "Device".
	EntityType string `json:"entity_type" yaml:"entity_type"`

	// SourceSystem names the adapter that produced this update.
	SourceSystem string `json:"source_system" yaml:"source_system"`

	// CanonicalID is the resolved stable identity. Empty until identity
	// resolution succeeds; unresolved updates are candidates for parking.
	CanonicalID string `json:"canonical_id,omitempty" yaml:"canonical_id,omitempty"`

	// Identity holds the raw identity keys reported by the adapter,
	// used by resolvers to establish a canonical id.
	Identity map[string]string `json:"identity,omitempty" yaml:"identity,omitempty"`

	// Fields is the proposed value record keyed by field path.
	Fields map[string]any `json:"fields" yaml:"fields"`

	// ReceivedAt is when the adapter observed these values.
	ReceivedAt time.Time `json:"received_at" yaml:"received_at"`
}

// Resolved reports whether the update carries a canonical identity.
func (u *EntityUpdate) Resolved() bool {
	return u.CanonicalID != ""
}

// Validate checks that the update is well formed.
func (u *EntityUpdate) Validate() error {
	if u.EntityType == "" {
		return errors.NewValidationError("entity_type", u.EntityType, "must not be empty")
	}
	if u.SourceSystem == "" {
		return errors.NewValidationError("source_system", u.SourceSystem, "must not be empty")
	}
	if len(u.Fields) == 0 {
		return errors.NewValidationError("fields", nil, "must carry at least one field")
	}
	for path := range u.Fields {
		if path == "" {
			return errors.NewValidationError("fields", path, "field paths must not be empty")
		}
	}
	return nil
}

// Copy returns a deep copy of the update.
func (u *EntityUpdate) Copy() EntityUpdate {
	out := *u
	if u.Identity != nil {
		out.Identity = make(map[string]string, len(u.Identity))
		for k, v := range u.Identity {
			out.Identity[k] = v
		}
	}
	if u.Fields != nil {
		out.Fields = make(map[string]any, len(u.Fields))
		for k, v := range u.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
