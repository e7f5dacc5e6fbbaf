// Package canonflow ingests entity updates from independent source
// systems, accumulates their values in an append-only per-field ledger,
// and materializes one canonical record per entity under configurable
// conflict policies. Updates that cannot be resolved to a canonical
// identity are parked and retried by a background resolution service
// until they resolve or exhaust their attempt ceiling.
package canonflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/events"
	"github.com/agentstation/canonflow/pkg/ledger"
	"github.com/agentstation/canonflow/pkg/materialize"
	"github.com/agentstation/canonflow/pkg/orchestrator"
	"github.com/agentstation/canonflow/pkg/parking"
)

// Client is the public surface of a canonflow pipeline.
type Client interface {
	// Submit runs one update through the decision protocol and returns
	// the decision that was carried out.
	Submit(ctx context.Context, update entities.EntityUpdate) (entities.Decision, error)

	// Materialized returns the current materialized record for an entity.
	Materialized(ctx context.Context, entityType, canonicalID string) (*entities.MaterializedRecord, error)

	// Ledger returns the full value history for an entity, including
	// superseded observations.
	Ledger(ctx context.Context, entityType, canonicalID string) (*entities.Ledger, error)

	// ResolveNow runs one resolution pass over the parking queue
	// immediately, independent of the background interval.
	ResolveNow(ctx context.Context) (ResolutionResult, error)

	// Start launches the background resolution service and the event
	// broker. Returns ErrAlreadyStarted if called twice.
	Start(ctx context.Context) error

	// Stop halts background work and waits for the in-flight pass to
	// finish. Safe to call multiple times.
	Stop() error

	// Subscribe registers a subscriber for pipeline events. Subscribers
	// registered before Start are attached when the broker launches.
	Subscribe(sub events.Subscriber) error
}

// client is the internal implementation of the Client interface.
type client struct {
	config *config

	store   ledger.Store
	records ledger.RecordStore
	engine  *materialize.Engine
	queue   parking.Queue
	sink    parking.DeadLetterSink
	faults  materialize.FaultSink
	orch    *orchestrator.Orchestrator

	broker    *events.Broker
	publisher events.Publisher
	logger    *zerolog.Logger

	// Bounded worker pool for inbound submissions.
	slots chan struct{}

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pending   []events.Subscriber
	resolveMu sync.Mutex
}

// Compile-time interface check to ensure proper implementation.
var _ Client = (*client)(nil)

// New creates a canonflow client with the given options. Without options
// the pipeline runs fully in memory with the default handler for every
// registered entity type and latest-wins materialization.
func New(opts ...Option) (Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	c := &client{
		config: cfg,
		logger: cfg.logger,
		slots:  make(chan struct{}, cfg.workers),
	}

	// Memory defaults keep the zero-config path embeddable.
	if cfg.store != nil {
		c.store = cfg.store
	} else {
		c.store = ledger.NewMemory()
	}
	if cfg.records != nil {
		c.records = cfg.records
	} else if rs, ok := c.store.(ledger.RecordStore); ok {
		c.records = rs
	} else {
		c.records = ledger.NewMemory()
	}
	if cfg.queue != nil {
		c.queue = cfg.queue
	} else {
		c.queue = parking.NewMemoryQueue()
	}
	if cfg.sink != nil {
		c.sink = cfg.sink
	} else {
		c.sink = parking.NewMemorySink()
	}
	if cfg.faults != nil {
		c.faults = cfg.faults
	} else {
		c.faults = materialize.NewMemoryFaultSink()
	}

	c.engine = materialize.NewEngine()
	for _, reg := range cfg.fieldTransformers {
		c.engine.RegisterField(reg.entityType, reg.pattern, reg.fn)
	}
	for entityType, fn := range cfg.recordTransformers {
		c.engine.RegisterRecord(entityType, fn)
	}

	if cfg.publisher != nil {
		c.publisher = cfg.publisher
	} else {
		c.broker = events.NewBroker(c.logger)
		c.publisher = c.broker
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Handlers:  cfg.handlers,
		Store:     c.store,
		Records:   c.records,
		Engine:    c.engine,
		Queue:     c.queue,
		Faults:    c.faults,
		Publisher: c.publisher,
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.orch = orch

	return c, nil
}

// Submit runs one update through the decision protocol. Concurrent
// submissions are bounded by the worker pool; updates for the same
// canonical id are additionally serialized inside the orchestrator.
func (c *client) Submit(ctx context.Context, update entities.EntityUpdate) (entities.Decision, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return entities.Decision{}, errors.ErrCanceled
	}

	return c.orch.Decide(ctx, update)
}

// Materialized returns the current materialized record for an entity.
func (c *client) Materialized(ctx context.Context, entityType, canonicalID string) (*entities.MaterializedRecord, error) {
	return c.records.Get(ctx, entityType, canonicalID)
}

// Ledger returns the full value history for an entity.
func (c *client) Ledger(ctx context.Context, entityType, canonicalID string) (*entities.Ledger, error) {
	return c.store.Read(ctx, entityType, canonicalID)
}

// Start launches the event broker and the background resolution loop.
func (c *client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.ErrAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.broker != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.broker.Run(runCtx)
		}()
		for _, sub := range c.pending {
			c.broker.Subscribe(sub)
		}
		c.pending = nil
	}

	if c.config.resolver != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.resolutionLoop(runCtx)
		}()
	}

	c.logger.Info().
		Dur("resolution_interval", c.config.resolutionInterval).
		Int("workers", c.config.workers).
		Msg("Canonflow started")
	return nil
}

// Stop halts background work. Safe to call multiple times.
func (c *client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	c.cancel()
	c.wg.Wait()

	c.logger.Info().Msg("Canonflow stopped")
	return nil
}

// Subscribe registers a subscriber for pipeline events. Only valid when
// the client owns its broker; with an external publisher, subscription
// is managed by the caller.
func (c *client) Subscribe(sub events.Subscriber) error {
	if c.broker == nil {
		return errors.NewValidationError("subscriber", nil, "client uses an external publisher")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.pending = append(c.pending, sub)
		return nil
	}
	c.broker.Subscribe(sub)
	return nil
}
