package entities

import "time"

// ParkedEntry is an update that could not yet be resolved to a canonical
// identity. Lifecycle: Parked -> (Resolved | DeadLettered). The background
// resolution service increments Attempts on each retry.
type ParkedEntry struct {
	ID            string       `json:"id" yaml:"id"`
	Update        EntityUpdate `json:"update" yaml:"update"`
	Reason        string       `json:"reason" yaml:"reason"`
	FirstParkedAt time.Time    `json:"first_parked_at" yaml:"first_parked_at"`
	Attempts      int          `json:"attempts" yaml:"attempts"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
}

// DeadLetter is a parked entry that exhausted its resolution attempts.
// Dead letters are preserved for manual inspection, never silently dropped.
type DeadLetter struct {
	Entry          ParkedEntry `json:"entry" yaml:"entry"`
	Cause          string      `json:"cause" yaml:"cause"`
	DeadLetteredAt time.Time   `json:"dead_lettered_at" yaml:"dead_lettered_at"`
}
