package driftlock

import (
	"context"
	"fmt"
)

// push uploads the queued changes in FIFO batches. The queue is snapshotted
// once at the start; edits made while the attempt runs are picked up by the
// next cycle. Cancellation is honored between batches, never inside one, so
// a batch either completes its round trip or was never sent.
func (e *Engine) push(ctx context.Context, res *SyncResult) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return err
	}
	var queued []*ChangeLogEntry
	for _, entry := range pending {
		if entry.Status == EntryQueued {
			queued = append(queued, entry)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	for start := 0; start < len(queued); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.config.BatchSize
		if end > len(queued) {
			end = len(queued)
		}
		if err := e.pushBatch(ctx, queued[start:end], res); err != nil {
			return err
		}
	}
	return nil
}

// pushBatch sends one bounded batch and applies the per-entry verdicts.
func (e *Engine) pushBatch(ctx context.Context, batch []*ChangeLogEntry, res *SyncResult) error {
	ids := make([]string, len(batch))
	req := &PushRequest{Entries: make([]PushEntry, len(batch))}
	byKey := make(map[string]*ChangeLogEntry, len(batch))
	for i, entry := range batch {
		ids[i] = entry.ID
		byKey[entry.IdempotencyKey] = entry
		req.Entries[i] = PushEntry{
			EntityType:     entry.EntityType,
			RecordID:       entry.RecordID,
			Op:             entry.Op.String(),
			Payload:        entry.Payload,
			BaseRevision:   entry.BaseRevision,
			IdempotencyKey: entry.IdempotencyKey,
		}
	}

	if err := e.store.MarkInFlight(ctx, ids); err != nil {
		return err
	}

	var resp *PushResponse
	err := e.breaker.Execute(func() error {
		var perr error
		resp, perr = e.transport.Push(ctx, req)
		return perr
	})
	if err != nil {
		// The whole batch failed before any verdict arrived. Requeue it;
		// idempotency keys make the re-send safe even if the remote applied
		// part of it.
		for _, id := range ids {
			if rerr := e.store.RequeueEntry(ctx, id); rerr != nil {
				return rerr
			}
		}
		return err
	}

	seen := make(map[string]bool, len(resp.Results))
	for _, result := range resp.Results {
		entry, ok := byKey[result.IdempotencyKey]
		if !ok {
			e.logger.Warn("push result for unknown entry", "idempotency_key", result.IdempotencyKey)
			continue
		}
		seen[entry.ID] = true
		if err := e.applyPushResult(ctx, entry, result, res); err != nil {
			return err
		}
	}

	// Entries the remote did not answer for stay queued for the next cycle.
	for _, entry := range batch {
		if !seen[entry.ID] {
			if err := e.store.RequeueEntry(ctx, entry.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyPushResult(ctx context.Context, entry *ChangeLogEntry, result PushEntryResult, res *SyncResult) error {
	switch result.Status {
	case PushAccepted:
		res.Pushed++
		e.metrics.observePush("accepted", 1)
		return e.store.AcknowledgeEntry(ctx, entry.ID, result.ServerID, result.NewRevision)

	case PushConflict:
		// Stale base revision: the entry stays queued and the pull that
		// follows resolves the divergence.
		e.metrics.observePush("conflict", 1)
		e.logger.Debug("push conflict, deferring to pull",
			"entity_type", entry.EntityType, "record_id", entry.RecordID,
			"base_revision", entry.BaseRevision)
		return e.store.RequeueEntry(ctx, entry.ID)

	case PushRejected:
		if result.ErrorClass == "transient" {
			e.metrics.observePush("requeued", 1)
			return e.store.RequeueEntry(ctx, entry.ID)
		}
		// Validation rejects are permanent; retrying an entry the remote
		// already refused just burns the batch.
		res.Rejected++
		e.metrics.observePush("rejected", 1)
		e.logger.Warn("entry rejected by remote",
			"entity_type", entry.EntityType, "record_id", entry.RecordID,
			"reason", result.Reason)
		return e.store.FailEntry(ctx, entry.ID, result.Reason)

	default:
		return fmt.Errorf("unknown push result status %q for %s/%s",
			result.Status, entry.EntityType, entry.RecordID)
	}
}
