package orchestrator

import "sync"

// keyedMutex serializes work per canonical identity so that concurrent
// updates for the same entity id cannot interleave their ledger append
// and record save. Distinct ids proceed in parallel. Locks are never
// reclaimed; the id space is bounded by the live entity population.
type keyedMutex struct {
	mu sync.Map // string -> *sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	v, _ := k.mu.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
