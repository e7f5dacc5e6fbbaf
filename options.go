package canonflow

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/events"
	"github.com/agentstation/canonflow/pkg/ledger"
	"github.com/agentstation/canonflow/pkg/logging"
	"github.com/agentstation/canonflow/pkg/materialize"
	"github.com/agentstation/canonflow/pkg/orchestrator"
	"github.com/agentstation/canonflow/pkg/parking"
)

// Handler decides what to do with one update of its entity type.
type Handler = orchestrator.Handler

// FieldTransformer computes the materialized value for one field from its
// current observations.
type FieldTransformer = materialize.FieldFunc

// RecordTransformer computes a whole materialized record from the ledger.
type RecordTransformer = materialize.RecordFunc

// Option is a function that configures a canonflow client.
type Option func(*config) error

type fieldRegistration struct {
	entityType string
	pattern    string
	fn         materialize.FieldFunc
}

// config collects everything the options can set.
type config struct {
	store   ledger.Store
	records ledger.RecordStore
	queue   parking.Queue
	sink    parking.DeadLetterSink
	faults  materialize.FaultSink

	handlers           map[string]orchestrator.Handler
	fieldTransformers  []fieldRegistration
	recordTransformers map[string]materialize.RecordFunc

	resolver            Resolver
	resolutionInterval  time.Duration
	resolutionBatchSize int
	attemptCeiling      int
	resolveOnStart      bool
	initialDelay        time.Duration

	workers   int
	logger    *zerolog.Logger
	publisher events.Publisher
}

func defaultConfig() *config {
	return &config{
		handlers:            make(map[string]orchestrator.Handler),
		recordTransformers:  make(map[string]materialize.RecordFunc),
		resolutionInterval:  30 * time.Second,
		resolutionBatchSize: 50,
		attemptCeiling:      5,
		workers:             4,
		logger:              logging.Default(),
	}
}

// WithLedger configures the canonical store backing the pipeline. If the
// store also implements ledger.RecordStore it serves materialized records
// too, unless WithRecordStore overrides that.
func WithLedger(store ledger.Store) Option {
	return func(c *config) error {
		c.store = store
		return nil
	}
}

// WithRecordStore configures where materialized records are kept.
func WithRecordStore(records ledger.RecordStore) Option {
	return func(c *config) error {
		c.records = records
		return nil
	}
}

// WithParkingQueue configures the holding area for unresolved updates.
func WithParkingQueue(queue parking.Queue) Option {
	return func(c *config) error {
		c.queue = queue
		return nil
	}
}

// WithDeadLetterSink configures the terminal destination for entries that
// exhaust their resolution attempts.
func WithDeadLetterSink(sink parking.DeadLetterSink) Option {
	return func(c *config) error {
		c.sink = sink
		return nil
	}
}

// WithFaultSink configures where abandoned materialization cycles are
// retained for inspection.
func WithFaultSink(sink materialize.FaultSink) Option {
	return func(c *config) error {
		c.faults = sink
		return nil
	}
}

// WithHandler registers the decision handler for an entity type. One
// handler per type; registering a type twice is an error. "*" registers a
// catch-all handler for types with no exact match. The registry is
// immutable once New returns.
func WithHandler(entityType string, handler Handler) Option {
	return func(c *config) error {
		if entityType == "" {
			return errors.NewValidationError("entity_type", "", "entity type is required")
		}
		if handler == nil {
			return errors.NewValidationError("handler", nil, "handler is required")
		}
		if _, exists := c.handlers[entityType]; exists {
			return errors.NewValidationError("entity_type", entityType, "handler already registered")
		}
		c.handlers[entityType] = handler
		return nil
	}
}

// WithFieldTransformer registers a field transformer for an entity type
// and field path pattern. Pattern matching follows the engine's rules:
// exact paths, trailing-wildcard prefixes, and glob patterns; "*" as the
// entity type applies to all types.
func WithFieldTransformer(entityType, pattern string, fn FieldTransformer) Option {
	return func(c *config) error {
		if fn == nil {
			return errors.NewValidationError("transformer", nil, "transformer is required")
		}
		c.fieldTransformers = append(c.fieldTransformers, fieldRegistration{
			entityType: entityType,
			pattern:    pattern,
			fn:         fn,
		})
		return nil
	}
}

// WithRecordTransformer registers a record-level transformer that replaces
// per-field materialization for an entity type.
func WithRecordTransformer(entityType string, fn RecordTransformer) Option {
	return func(c *config) error {
		if fn == nil {
			return errors.NewValidationError("transformer", nil, "transformer is required")
		}
		c.recordTransformers[entityType] = fn
		return nil
	}
}

// WithResolver configures the identity resolver invoked by the background
// resolution service for parked entries. Without a resolver the service
// does not run.
func WithResolver(fn Resolver) Option {
	return func(c *config) error {
		c.resolver = fn
		return nil
	}
}

// WithResolutionInterval configures how often the background resolution
// service scans the parking queue.
func WithResolutionInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			return errors.NewValidationError("resolution_interval", interval, "interval must be positive")
		}
		c.resolutionInterval = interval
		return nil
	}
}

// WithResolutionBatchSize bounds how many parked entries one resolution
// pass drains.
func WithResolutionBatchSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.NewValidationError("resolution_batch_size", n, "batch size must be positive")
		}
		c.resolutionBatchSize = n
		return nil
	}
}

// WithAttemptCeiling configures how many resolution attempts an entry
// gets before it is dead-lettered.
func WithAttemptCeiling(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.NewValidationError("attempt_ceiling", n, "ceiling must be positive")
		}
		c.attemptCeiling = n
		return nil
	}
}

// WithResolveOnStart runs one resolution pass immediately when the client
// starts instead of waiting for the first tick.
func WithResolveOnStart(enabled bool) Option {
	return func(c *config) error {
		c.resolveOnStart = enabled
		return nil
	}
}

// WithInitialDelay delays the first resolution tick after start.
func WithInitialDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return errors.NewValidationError("initial_delay", delay, "delay must not be negative")
		}
		c.initialDelay = delay
		return nil
	}
}

// WithWorkers bounds how many Submit calls run concurrently.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return errors.NewValidationError("workers", n, "worker count must be positive")
		}
		c.workers = n
		return nil
	}
}

// WithLogger configures the logger used across the pipeline.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return errors.NewValidationError("logger", nil, "logger is required")
		}
		c.logger = logger
		return nil
	}
}

// WithPublisher replaces the internal event broker with an external
// publisher. Subscribe is unavailable in that mode.
func WithPublisher(publisher events.Publisher) Option {
	return func(c *config) error {
		c.publisher = publisher
		return nil
	}
}
