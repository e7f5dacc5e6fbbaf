package canonflow

import (
	"context"
	"time"

	"github.com/agentstation/canonflow/pkg/entities"
	"github.com/agentstation/canonflow/pkg/errors"
	"github.com/agentstation/canonflow/pkg/events"
)

// Resolver attempts to resolve an update's canonical identity from its
// identity hints. On success it returns a copy of the update with
// CanonicalID set. Returning an unresolved update with a nil error means
// "not resolvable yet"; the entry stays parked and is retried.
type Resolver func(ctx context.Context, update entities.EntityUpdate) (entities.EntityUpdate, error)

// ResolutionResult summarizes one resolution pass over the parking queue.
type ResolutionResult struct {
	Drained      int `json:"drained" yaml:"drained"`
	Resolved     int `json:"resolved" yaml:"resolved"`
	Requeued     int `json:"requeued" yaml:"requeued"`
	DeadLettered int `json:"dead_lettered" yaml:"dead_lettered"`
}

// resolutionLoop runs periodic resolution passes until the context is
// canceled. Ticks never overlap: a tick that fires while a pass is still
// running is skipped, not queued.
func (c *client) resolutionLoop(ctx context.Context) {
	if c.config.initialDelay > 0 {
		select {
		case <-time.After(c.config.initialDelay):
		case <-ctx.Done():
			return
		}
	}

	if c.config.resolveOnStart {
		c.tick(ctx)
	}

	ticker := time.NewTicker(c.config.resolutionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one background pass unless another pass holds the lock.
func (c *client) tick(ctx context.Context) {
	if !c.resolveMu.TryLock() {
		c.logger.Debug().Msg("Resolution pass still running, skipping tick")
		return
	}
	defer c.resolveMu.Unlock()

	result, err := c.resolvePass(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Resolution pass failed")
		return
	}
	if result.Drained > 0 {
		c.logger.Info().
			Int("drained", result.Drained).
			Int("resolved", result.Resolved).
			Int("requeued", result.Requeued).
			Int("dead_lettered", result.DeadLettered).
			Msg("Resolution pass complete")
	}
}

// ResolveNow runs one resolution pass immediately. It waits for any
// in-flight background pass to finish first, so passes never interleave.
func (c *client) ResolveNow(ctx context.Context) (ResolutionResult, error) {
	if c.config.resolver == nil {
		return ResolutionResult{}, errors.NewValidationError("resolver", nil, "no resolver configured")
	}

	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	return c.resolvePass(ctx)
}

// resolvePass drains one batch from the parking queue and attempts to
// resolve each entry. Callers must hold resolveMu. Entries are owned by
// the pass from drain to finalization: a cancellation mid-pass requeues
// every unprocessed entry, so nothing is lost or duplicated.
func (c *client) resolvePass(ctx context.Context) (ResolutionResult, error) {
	var result ResolutionResult

	batch, err := c.queue.Drain(ctx, c.config.resolutionBatchSize)
	if err != nil {
		return result, err
	}
	result.Drained = len(batch)

	for i, entry := range batch {
		select {
		case <-ctx.Done():
			// Restore this entry and everything after it untouched.
			for _, rest := range batch[i:] {
				if reqErr := c.queue.Requeue(context.WithoutCancel(ctx), rest); reqErr != nil {
					c.logger.Error().
						Err(reqErr).
						Str("entry_id", rest.ID).
						Msg("Failed to restore parked entry on cancellation")
				} else {
					result.Requeued++
				}
			}
			return result, ctx.Err()
		default:
		}

		c.resolveEntry(ctx, entry, &result)
	}

	return result, nil
}

// resolveEntry runs the resolver for one parked entry and finalizes it:
// resolved entries re-enter the decision protocol, unresolved ones are
// requeued with the attempt counted, and entries at the attempt ceiling
// are dead-lettered. A storage failure during the decision is retryable
// and does not count as an attempt.
func (c *client) resolveEntry(ctx context.Context, entry *entities.ParkedEntry, result *ResolutionResult) {
	entry.Attempts++
	entry.LastAttemptAt = time.Now().UTC()

	resolved, err := c.config.resolver(ctx, entry.Update)
	if err != nil {
		resErr := &errors.ResolutionError{
			EntityType: entry.Update.EntityType,
			Attempts:   entry.Attempts,
			Err:        err,
		}
		c.logger.Warn().
			Err(resErr).
			Str("entry_id", entry.ID).
			Msg("Resolver failed for parked entry")
		c.finalizeUnresolved(ctx, entry, resErr.Error(), result)
		return
	}
	if !resolved.Resolved() {
		c.finalizeUnresolved(ctx, entry, "identity never resolved", result)
		return
	}

	// Resolved entries re-enter the normal decision protocol so the
	// ledger, materialization, and events all behave as for a live
	// update.
	if _, err := c.orch.Decide(ctx, resolved); err != nil {
		// Identity resolution succeeded; only the decision failed, which
		// is retryable. The attempt does not count toward the ceiling.
		entry.Attempts--
		c.logger.Warn().
			Err(err).
			Str("entry_id", entry.ID).
			Msg("Decision failed for resolved entry, requeueing")
		if reqErr := c.queue.Requeue(context.WithoutCancel(ctx), entry); reqErr != nil {
			c.logger.Error().
				Err(reqErr).
				Str("entry_id", entry.ID).
				Msg("Failed to requeue parked entry")
			return
		}
		result.Requeued++
		return
	}

	result.Resolved++
	c.publisher.Publish(events.New(events.EntryResolved, entry.Update.EntityType, resolved.CanonicalID, "", entry))
	c.logger.Info().
		Str("entry_id", entry.ID).
		Str("entity_type", entry.Update.EntityType).
		Str("canonical_id", resolved.CanonicalID).
		Int("attempts", entry.Attempts).
		Msg("Parked entry resolved")
}

// finalizeUnresolved requeues an entry that did not resolve this pass, or
// dead-letters it when the attempt ceiling is reached. Drain already removed
// the entry, so finalization must complete even when the pass context is
// cancelled mid-attempt; otherwise the entry is lost from a durable queue.
func (c *client) finalizeUnresolved(ctx context.Context, entry *entities.ParkedEntry, cause string, result *ResolutionResult) {
	ctx = context.WithoutCancel(ctx)
	if entry.Attempts < c.config.attemptCeiling {
		if err := c.queue.Requeue(ctx, entry); err != nil {
			c.logger.Error().
				Err(err).
				Str("entry_id", entry.ID).
				Msg("Failed to requeue parked entry")
			return
		}
		result.Requeued++
		return
	}

	if err := c.sink.Add(ctx, entry, cause); err != nil {
		c.logger.Error().
			Err(err).
			Str("entry_id", entry.ID).
			Msg("Failed to dead-letter parked entry")
		// Requeue rather than drop; the next pass retries dead-lettering.
		if reqErr := c.queue.Requeue(ctx, entry); reqErr == nil {
			result.Requeued++
		}
		return
	}

	result.DeadLettered++
	c.publisher.Publish(events.New(events.EntryDeadLettered, entry.Update.EntityType, entry.Update.CanonicalID, cause, entry))
	c.logger.Warn().
		Str("entry_id", entry.ID).
		Str("entity_type", entry.Update.EntityType).
		Int("attempts", entry.Attempts).
		Str("cause", cause).
		Msg("Parked entry dead-lettered")
}
