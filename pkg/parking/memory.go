package parking

import (
	"context"
	"sync"
	"time"

	"github.com/agentstation/canonflow/pkg/entities"
)

// Compile-time interface checks to ensure proper implementation.
var (
	_ Queue          = (*MemoryQueue)(nil)
	_ DeadLetterSink = (*MemorySink)(nil)
)

// MemoryQueue is an in-process FIFO parking queue.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*entities.ParkedEntry
}

// NewMemoryQueue creates an empty in-memory parking queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Park adds an entry to the queue.
func (q *MemoryQueue) Park(_ context.Context, entry *entities.ParkedEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry)
	return nil
}

// Drain removes and returns up to max entries in parked order.
func (q *MemoryQueue) Drain(_ context.Context, max int) ([]*entities.ParkedEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 || max > len(q.entries) {
		max = len(q.entries)
	}

	batch := q.entries[:max]
	q.entries = append([]*entities.ParkedEntry{}, q.entries[max:]...)
	return batch, nil
}

// Requeue restores an entry previously removed by Drain.
func (q *MemoryQueue) Requeue(_ context.Context, entry *entities.ParkedEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry)
	return nil
}

// Len returns the number of live parked entries.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries), nil
}

// MemorySink is an in-process dead-letter sink.
type MemorySink struct {
	mu      sync.Mutex
	letters []entities.DeadLetter
}

// NewMemorySink creates an empty in-memory dead-letter sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Add moves an entry into the sink with the cause of dead-lettering.
func (s *MemorySink) Add(_ context.Context, entry *entities.ParkedEntry, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.letters = append(s.letters, entities.DeadLetter{
		Entry:          *entry,
		Cause:          cause,
		DeadLetteredAt: time.Now().UTC(),
	})
	return nil
}

// List returns all dead letters, oldest first.
func (s *MemorySink) List(_ context.Context) ([]entities.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entities.DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out, nil
}
