package materialize

import (
	"context"
	"sync"

	"github.com/agentstation/canonflow/pkg/entities"
)

// Compile-time interface check to ensure proper implementation.
var _ FaultSink = (*MemoryFaultSink)(nil)

// FaultSink retains abandoned materialization cycles for inspection. A
// fault never blocks the pipeline: the ledger append already succeeded and
// the previous record keeps being served, so the sink is strictly a
// record of what needs operator attention.
type FaultSink interface {
	// Record retains one fault.
	Record(ctx context.Context, fault entities.Fault) error

	// Faults returns all retained faults, oldest first.
	Faults(ctx context.Context) ([]entities.Fault, error)
}

// MemoryFaultSink is an in-process fault sink.
type MemoryFaultSink struct {
	mu     sync.Mutex
	faults []entities.Fault
}

// NewMemoryFaultSink creates an empty in-memory fault sink.
func NewMemoryFaultSink() *MemoryFaultSink {
	return &MemoryFaultSink{}
}

// Record retains one fault.
func (s *MemoryFaultSink) Record(_ context.Context, fault entities.Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = append(s.faults, fault)
	return nil
}

// Faults returns all retained faults, oldest first.
func (s *MemoryFaultSink) Faults(_ context.Context) ([]entities.Fault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entities.Fault, len(s.faults))
	copy(out, s.faults)
	return out, nil
}
