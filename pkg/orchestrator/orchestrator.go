// Package orchestrator implements the per-update decision protocol. Every
// inbound entity update passes through Decide exactly once: the handler
// registered for its entity type returns Continue, Skip, or Park, and the
// orchestrator carries out the decision's side effects against the
// canonical store, the materialization engine, and the parking queue.
package orchestrator

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/events"
	"github.com/agentstation/canonflow/pkg/ledger"
	"github.com/agentstation/canonflow/pkg/logging"
	"github.com/agentstation/canonflow/pkg/materialize"
	"github.com/agentstation/canonflow/pkg/parking"
)

// ReasonUnhandledType is the skip reason used when no handler is
// registered for an update's entity type.
const ReasonUnhandledType = "unhandled-type"

// Handler decides what to do with one update of its entity type. The
// current materialized record for the update's canonical id is provided
// when one exists, nil otherwise. Handlers must be deterministic: for a
// fixed update and current record, repeated invocation must yield the
// same decision.
type Handler func(ctx context.Context, update entities.EntityUpdate, current *entities.MaterializedRecord) entities.Decision

// DefaultHandler parks unresolved updates and accepts resolved ones. It
// is registered for entity types that need no custom policy.
func DefaultHandler(_ context.Context, update entities.EntityUpdate, _ *entities.MaterializedRecord) entities.Decision {
	if !update.Resolved() {
		return entities.Park("no identity match")
	}
	return entities.Continue("identity resolved")
}

// Config assembles an Orchestrator. The handler registry is built once at
// startup and treated as immutable thereafter.
type Config struct {
	Handlers  map[string]Handler
	Store     ledger.Store
	Records   ledger.RecordStore
	Engine    *materialize.Engine
	Queue     parking.Queue
	Faults    materialize.FaultSink
	Publisher events.Publisher
	Logger    *zerolog.Logger
}

// Orchestrator applies the Continue/Skip/Park protocol to entity updates.
type Orchestrator struct {
	handlers  map[string]Handler
	store     ledger.Store
	records   ledger.RecordStore
	engine    *materialize.Engine
	queue     parking.Queue
	faults    materialize.FaultSink
	publisher events.Publisher
	logger    *zerolog.Logger
	locks     keyedMutex
}

// New creates an Orchestrator from the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.NewValidationError("store", nil, "canonical store is required")
	}
	if cfg.Records == nil {
		return nil, errors.NewValidationError("records", nil, "record store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.NewValidationError("engine", nil, "materialization engine is required")
	}
	if cfg.Queue == nil {
		return nil, errors.NewValidationError("queue", nil, "parking queue is required")
	}

	handlers := make(map[string]Handler, len(cfg.Handlers))
	for entityType, handler := range cfg.Handlers {
		handlers[entityType] = handler
	}

	faults := cfg.Faults
	if faults == nil {
		faults = materialize.NewMemoryFaultSink()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Orchestrator{
		handlers:  handlers,
		store:     cfg.Store,
		records:   cfg.Records,
		engine:    cfg.Engine,
		queue:     cfg.Queue,
		faults:    faults,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// Decide runs one update through the decision protocol and carries out
// the decision's side effects. It never fails on a well-formed update
// except when a backing store is unreachable; such errors unwrap to
// errors.ErrStorageUnavailable and the whole update is retryable.
func (o *Orchestrator) Decide(ctx context.Context, update entities.EntityUpdate) (entities.Decision, error) {
	if err := update.Validate(); err != nil {
		return entities.Decision{}, err
	}

	handler, ok := o.handlers[update.EntityType]
	if !ok {
		// "*" registers a catch-all handler for every entity type.
		handler, ok = o.handlers["*"]
	}
	if !ok {
		decision := entities.Skip(ReasonUnhandledType)
		o.logger.Warn().
			Str("entity_type", update.EntityType).
			Str("source", update.SourceSystem).
			Msg("No handler registered for entity type")
		o.publishDecision(update, decision)
		return decision, nil
	}

	current, err := o.currentRecord(ctx, update)
	if err != nil {
		return entities.Decision{}, err
	}

	decision := handler(ctx, update, current)

	switch decision.Action {
	case entities.ActionContinue:
		if err := o.applyContinue(ctx, update); err != nil {
			return entities.Decision{}, err
		}
	case entities.ActionPark:
		if err := o.park(ctx, update, decision.Reason); err != nil {
			return entities.Decision{}, err
		}
	case entities.ActionSkip:
		o.logger.Debug().
			Str("entity_type", update.EntityType).
			Str("source", update.SourceSystem).
			Str("reason", decision.Reason).
			Msg("Update skipped")
	default:
		return entities.Decision{}, errors.NewValidationError("action", decision.Action, "handler returned unknown action")
	}

	o.publishDecision(update, decision)
	return decision, nil
}

// currentRecord looks up the materialized record for a resolved update.
// Absence is not an error; storage failures are.
func (o *Orchestrator) currentRecord(ctx context.Context, update entities.EntityUpdate) (*entities.MaterializedRecord, error) {
	if !update.Resolved() {
		return nil, nil
	}
	record, err := o.records.Get(ctx, update.EntityType, update.CanonicalID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.WrapStorage("read", "materialized", update.EntityType+"/"+update.CanonicalID, err)
	}
	return record, nil
}

// applyContinue feeds the canonical store and re-materializes the record.
// The ledger write and the record write are one logical step guarded by a
// per-canonical-id lock: if Append fails, materialization does not run.
func (o *Orchestrator) applyContinue(ctx context.Context, update entities.EntityUpdate) error {
	if !update.Resolved() {
		return errors.NewValidationError("canonical_id", "", "handler continued an unresolved update")
	}

	unlock := o.locks.lock(update.EntityType + "/" + update.CanonicalID)
	defer unlock()

	result, err := o.store.Append(ctx, ledger.AppendRequest{
		EntityType:   update.EntityType,
		CanonicalID:  update.CanonicalID,
		SourceSystem: update.SourceSystem,
		ObservedAt:   update.ReceivedAt,
		Values:       update.Fields,
	})
	if err != nil {
		return errors.WrapStorage("append", "ledger", update.EntityType+"/"+update.CanonicalID, err)
	}

	if result.NoOp() {
		// Duplicate delivery: the ledger is unchanged, so the record is
		// already current. No re-materialization, no record event.
		o.logger.Debug().
			Str("entity_type", update.EntityType).
			Str("canonical_id", update.CanonicalID).
			Str("source", update.SourceSystem).
			Msg("Duplicate update, ledger unchanged")
		return nil
	}

	full, err := o.store.Read(ctx, update.EntityType, update.CanonicalID)
	if err != nil {
		return errors.WrapStorage("read", "ledger", update.EntityType+"/"+update.CanonicalID, err)
	}

	// Always a full recompute from ledger state, never an incremental
	// patch, so the record stays derivable from the ledger alone.
	record, err := o.engine.Materialize(full)
	if err != nil {
		// The previous materialized record stays untouched for this cycle.
		o.logger.Error().
			Err(err).
			Str("entity_type", update.EntityType).
			Str("canonical_id", update.CanonicalID).
			Msg("Materialization abandoned for this cycle")
		fault := entities.Fault{
			EntityType:  update.EntityType,
			CanonicalID: update.CanonicalID,
			Reason:      err.Error(),
			OccurredAt:  time.Now().UTC(),
		}
		var terr *errors.TransformError
		if stderrors.As(err, &terr) {
			fault.FieldPath = terr.FieldPath
		}
		if sinkErr := o.faults.Record(ctx, fault); sinkErr != nil {
			o.logger.Error().
				Err(sinkErr).
				Str("entity_type", update.EntityType).
				Str("canonical_id", update.CanonicalID).
				Msg("Failed to retain materialization fault")
		}
		o.publisher.Publish(events.New(events.MaterializeFault, update.EntityType, update.CanonicalID, err.Error(), fault))
		return nil
	}

	if err := o.records.Save(ctx, record); err != nil {
		return errors.WrapStorage("save", "materialized", update.EntityType+"/"+update.CanonicalID, err)
	}

	o.publisher.Publish(events.New(events.RecordMaterialized, update.EntityType, update.CanonicalID, "", record))

	o.logger.Debug().
		Str("entity_type", update.EntityType).
		Str("canonical_id", update.CanonicalID).
		Str("source", update.SourceSystem).
		Int("fields_appended", len(result.AppendedPaths)).
		Int("fields_superseded", len(result.SupersededPaths)).
		Msg("Update accepted")
	return nil
}

// park appends the update to the parking queue with the handler's reason.
func (o *Orchestrator) park(ctx context.Context, update entities.EntityUpdate, reason string) error {
	entry := &entities.ParkedEntry{
		ID:            uuid.NewString(),
		Update:        update.Copy(),
		Reason:        reason,
		FirstParkedAt: time.Now().UTC(),
	}
	if err := o.queue.Park(ctx, entry); err != nil {
		return errors.WrapStorage("park", "parking", update.EntityType, err)
	}

	o.logger.Info().
		Str("entity_type", update.EntityType).
		Str("source", update.SourceSystem).
		Str("reason", reason).
		Msg("Update parked")
	return nil
}

// publishDecision emits exactly one decision event per update.
func (o *Orchestrator) publishDecision(update entities.EntityUpdate, decision entities.Decision) {
	var eventType events.Type
	switch decision.Action {
	case entities.ActionContinue:
		eventType = events.DecisionContinue
	case entities.ActionPark:
		eventType = events.DecisionPark
	default:
		eventType = events.DecisionSkip
	}
	o.publisher.Publish(events.New(eventType, update.EntityType, update.CanonicalID, decision.Reason, decision.Metadata))
}
