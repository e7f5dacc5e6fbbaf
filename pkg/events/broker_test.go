package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonflow/pkg/events"
	"github.com/agentstation/canonflow/pkg/logging"
)

// collector is a test subscriber that records received events.
type collector struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

func (c *collector) Send(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *collector) received() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []events.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.received(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, len(c.received()))
	return nil
}

func TestBrokerFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker(&logging.Nop)
	go broker.Run(ctx)

	first := &collector{}
	second := &collector{}
	broker.Subscribe(first)
	broker.Subscribe(second)

	broker.Publish(events.New(events.DecisionContinue, "Device", "dev-1", "accepted", nil))

	got := first.waitFor(t, 1)
	assert.Equal(t, events.DecisionContinue, got[0].Type)
	assert.Equal(t, "dev-1", got[0].CanonicalID)
	assert.NotEmpty(t, got[0].ID)
	second.waitFor(t, 1)
}

func TestBrokerUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker(&logging.Nop)
	go broker.Run(ctx)

	sub := &collector{}
	broker.Subscribe(sub)
	broker.Unsubscribe(sub)

	broker.Publish(events.New(events.DecisionSkip, "Device", "dev-1", "duplicate", nil))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sub.received())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.True(t, sub.closed)
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	broker := events.NewBroker(&logging.Nop)
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()

	sub := &collector{}
	broker.Subscribe(sub)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not shut down")
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.True(t, sub.closed)
}
