// Package parking holds updates that cannot yet be resolved to a canonical
// identity. The queue contract is remove-then-process-then-finalize: Drain
// removes a batch from the live queue, the caller processes it, and any
// entry not resolved or dead-lettered is restored with Requeue. A
// cancellation mid-pass therefore never loses or duplicates entries.
package parking

import (
	"context"

	"github.com/agentstation/canonflow/pkg/entities"
)

// Queue is the durable holding area for parked entries.
type Queue interface {
	// Park adds an entry to the queue.
	Park(ctx context.Context, entry *entities.ParkedEntry) error

	// Drain removes and returns up to max entries in parked order. The
	// removed entries are owned by the caller until resolved,
	// dead-lettered, or requeued.
	Drain(ctx context.Context, max int) ([]*entities.ParkedEntry, error)

	// Requeue restores an entry previously removed by Drain.
	Requeue(ctx context.Context, entry *entities.ParkedEntry) error

	// Len returns the number of live parked entries.
	Len(ctx context.Context) (int, error)
}

// DeadLetterSink is the terminal destination for entries that exhausted
// their resolution attempts. Entries stay queryable for manual review.
type DeadLetterSink interface {
	// Add moves an entry into the sink with the cause of dead-lettering.
	Add(ctx context.Context, entry *entities.ParkedEntry, cause string) error

	// List returns all dead letters, oldest first.
	List(ctx context.Context) ([]entities.DeadLetter, error)
}
