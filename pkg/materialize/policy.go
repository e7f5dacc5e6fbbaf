package materialize

import (
	"strconv"

	"github.com/agentstation/canonflow/pkg/entities"
)

// Policy tags attached to materialized fields. The tags are opaque strings
// interpreted by downstream consumers.
const (
	// PolicyLatestWins marks a value chosen because it was observed most
	// recently, with timestamp ties broken by source name ascending.
	PolicyLatestWins = "latest-wins"

	// PolicyFirstSourceWins marks a value kept from the earliest source to
	// report the field.
	PolicyFirstSourceWins = "first-source-wins"

	// PolicySourcePriority marks a value chosen by a fixed source priority
	// order.
	PolicySourcePriority = "source-priority"

	// PolicyManualReview marks a field whose conflicting values could not
	// be resolved automatically.
	PolicyManualReview = "manual-review-required"
)

// LatestWins returns the default conflict tie-break transformer: the most
// recently observed value wins; ties on timestamp break by source system
// name ascending, which keeps resolution stable and deterministic.
func LatestWins() FieldFunc {
	return func(_, _ string, current []entities.Observation, _ *entities.Ledger) (entities.MaterializedField, bool, error) {
		if len(current) == 0 {
			return entities.MaterializedField{}, false, nil
		}

		winner := current[0]
		for _, obs := range current[1:] {
			if obs.ObservedAt.After(winner.ObservedAt) {
				winner = obs
				continue
			}
			if obs.ObservedAt.Equal(winner.ObservedAt) && obs.SourceSystem < winner.SourceSystem {
				winner = obs
			}
		}

		return materializedFrom(winner, PolicyLatestWins, len(current)), true, nil
	}
}

// FirstSourceWins returns a transformer keeping the earliest observation,
// with ties on timestamp broken by source name ascending.
func FirstSourceWins() FieldFunc {
	return func(_, _ string, current []entities.Observation, _ *entities.Ledger) (entities.MaterializedField, bool, error) {
		if len(current) == 0 {
			return entities.MaterializedField{}, false, nil
		}

		winner := current[0]
		for _, obs := range current[1:] {
			if obs.ObservedAt.Before(winner.ObservedAt) {
				winner = obs
				continue
			}
			if obs.ObservedAt.Equal(winner.ObservedAt) && obs.SourceSystem < winner.SourceSystem {
				winner = obs
			}
		}

		return materializedFrom(winner, PolicyFirstSourceWins, len(current)), true, nil
	}
}

// SourcePriority returns a transformer choosing by a fixed source priority
// order. Sources absent from the order are never chosen; when no priority
// source has reported, the field falls back to latest-wins so a value is
// still produced.
func SourcePriority(priority ...string) FieldFunc {
	latest := LatestWins()
	return func(entityType, path string, current []entities.Observation, full *entities.Ledger) (entities.MaterializedField, bool, error) {
		bySource := make(map[string]entities.Observation, len(current))
		for _, obs := range current {
			bySource[obs.SourceSystem] = obs
		}
		for _, source := range priority {
			if obs, ok := bySource[source]; ok {
				return materializedFrom(obs, PolicySourcePriority, len(current)), true, nil
			}
		}
		return latest(entityType, path, current, full)
	}
}

// materializedFrom builds a materialized field from the winning
// observation, recording how many source values were considered.
func materializedFrom(winner entities.Observation, policy string, considered int) entities.MaterializedField {
	return entities.MaterializedField{
		Value:        winner.Value,
		Policy:       policy,
		SourceSystem: winner.SourceSystem,
		ObservedAt:   winner.ObservedAt,
		Metadata: map[string]string{
			"sources_considered": strconv.Itoa(considered),
		},
	}
}
