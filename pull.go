package driftlock

import (
	"context"
)

// pull walks every configured entity type page by page from its checkpoint,
// applying remote changes and consulting the resolver for records that still
// carry unacknowledged local edits. The cursor is saved only after a page is
// fully processed, so a crash mid-page replays it; applying a page twice is
// harmless because every change carries the record's absolute state.
//
// The returned count is how many queued entries were re-based onto fresh
// remote revisions; the caller uses it to run one more push pass.
func (e *Engine) pull(ctx context.Context, res *SyncResult) (rebased int, err error) {
	for _, entityType := range e.config.EntityTypes {
		n, err := e.pullEntityType(ctx, entityType, res)
		rebased += n
		if err != nil {
			return rebased, err
		}
	}
	return rebased, nil
}

func (e *Engine) pullEntityType(ctx context.Context, entityType string, res *SyncResult) (rebased int, err error) {
	cp, err := e.store.Checkpoint(ctx, entityType)
	if err != nil {
		return 0, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return rebased, err
		}

		var page *ChangesPage
		err := e.breaker.Execute(func() error {
			var perr error
			page, perr = e.transport.Pull(ctx, &PullRequest{
				EntityType: entityType,
				Cursor:     cp.Cursor,
				Limit:      e.config.PullLimit,
			})
			return perr
		})
		if err != nil {
			return rebased, err
		}

		for i := range page.Changes {
			n, err := e.applyRemote(ctx, &page.Changes[i], res)
			rebased += n
			if err != nil {
				return rebased, err
			}
		}

		// Cursors only ever move forward; a blank or repeated cursor from the
		// server must not roll the checkpoint back or spin the page loop.
		switch {
		case page.NextCursor == cp.Cursor:
			cp.LastPulledAt = e.clock.Now()
			if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
				return rebased, err
			}
			if page.HasMore {
				e.logger.Warn("pull cursor did not advance, stopping",
					"entity_type", entityType, "cursor", cp.Cursor)
			}
			return rebased, nil
		case page.NextCursor == "":
			e.logger.Warn("ignoring blank pull cursor",
				"entity_type", entityType, "cursor", cp.Cursor)
			return rebased, nil
		default:
			cp.Cursor = page.NextCursor
			cp.LastPulledAt = e.clock.Now()
			if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
				return rebased, err
			}
			if !page.HasMore {
				return rebased, nil
			}
		}
	}
}

// applyRemote lands one remote change. Records with no unacknowledged local
// edit take the remote state verbatim. Records with a pending entry go
// through the resolver; the returned count is 1 when the pending entry was
// re-based and must be pushed again.
func (e *Engine) applyRemote(ctx context.Context, change *RemoteChange, res *SyncResult) (int, error) {
	pending, err := e.store.PendingForRecord(ctx, change.EntityType, change.RecordID)
	if err != nil {
		return 0, err
	}

	if pending == nil {
		res.Pulled++
		e.metrics.observePulled(1)
		return 0, e.store.ApplyRemoteChange(ctx, change)
	}

	// The base the local edit started from. A change at or below it is the
	// echo of state this device has already seen; applying it would clobber
	// the pending edit with stale data.
	if change.Revision <= pending.BaseRevision {
		return 0, nil
	}

	outcome, err := e.resolver.Resolve(pending, change, e.clock.Now())
	if err != nil {
		return 0, err
	}

	switch outcome.Kind {
	case OutcomeDelete:
		if outcome.LocalDelete {
			// Local deletion wins over the remote edit; re-base the queued
			// tombstone so the next push is judged against the revision it
			// is actually deleting.
			rec, err := e.store.GetRecord(ctx, change.EntityType, change.RecordID)
			if err != nil {
				return 0, err
			}
			rebasedEntry := *pending
			rebasedEntry.BaseRevision = change.Revision
			rebasedEntry.Status = EntryQueued
			rec.Revision = change.Revision
			if err := e.store.ApplyMerge(ctx, rec, &rebasedEntry); err != nil {
				return 0, err
			}
			return 1, nil
		}
		// Remote deletion wins; the queued local edit is discarded.
		if err := e.store.DiscardEntry(ctx, pending.ID); err != nil {
			return 0, err
		}
		res.Pulled++
		e.metrics.observePulled(1)
		return 0, e.store.ApplyRemoteChange(ctx, change)

	case OutcomeMerge:
		rec, err := e.store.GetRecord(ctx, change.EntityType, change.RecordID)
		if err != nil {
			return 0, err
		}
		merged := *rec
		merged.ServerID = change.ServerID
		merged.Revision = change.Revision
		merged.UpdatedAt = e.clock.Now()
		merged.Status = StatusPending
		merged.Payload = outcome.Merged

		rebasedEntry := *pending
		if rebasedEntry.Op == OpCreate {
			// The record already exists remotely, so the queued create
			// becomes an update against it.
			rebasedEntry.Op = OpUpdate
		}
		rebasedEntry.Payload = outcome.Merged.Clone()
		rebasedEntry.BasePayload = change.Payload.Clone()
		rebasedEntry.BaseRevision = change.Revision
		rebasedEntry.Status = EntryQueued
		if err := e.store.ApplyMerge(ctx, &merged, &rebasedEntry); err != nil {
			return 0, err
		}
		res.Pulled++
		e.metrics.observePulled(1)
		return 1, nil

	case OutcomeManual:
		if err := e.store.RecordConflict(ctx, outcome.Conflict); err != nil {
			return 0, err
		}
		res.Conflicts++
		e.metrics.observeConflict()
		e.logger.Info("conflict parked for manual resolution",
			"entity_type", change.EntityType, "record_id", change.RecordID,
			"local_base", pending.BaseRevision, "remote_revision", change.Revision)
		return 0, nil
	}
	return 0, nil
}
