package driftlock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewChangeEntry builds a queued change-log entry for a local mutation.
// base is the record as it looked before the edit (nil for creates).
func NewChangeEntry(op Operation, entityType, recordID string, payload Payload, base *Record, now time.Time) *ChangeLogEntry {
	entry := &ChangeLogEntry{
		ID:             uuid.NewString(),
		EntityType:     entityType,
		RecordID:       recordID,
		Op:             op,
		Payload:        payload.Clone(),
		IdempotencyKey: uuid.NewString(),
		Status:         EntryQueued,
		CreatedAt:      now,
	}
	if base != nil {
		entry.BaseRevision = base.Revision
		entry.BasePayload = base.Payload.Clone()
	}
	return entry
}

// Coalesce folds a new local mutation into an already-queued entry for the
// same record, so the queue holds at most one outgoing entry per record
// regardless of edit frequency. The rules:
//
//	create + update -> create carrying the latest payload
//	update + update -> update with the latest payload and the original baseRevision
//	anything + delete -> delete, discarding prior field edits
//
// The result reuses the existing entry's identity (ID, idempotency key, seq)
// so a retried push of the old shape cannot double-apply alongside the new.
// Entries that are in flight or failed must not be coalesced into; callers
// queue a fresh entry instead.
func Coalesce(existing *ChangeLogEntry, incoming *ChangeLogEntry) (*ChangeLogEntry, error) {
	if existing.RecordID != incoming.RecordID || existing.EntityType != incoming.EntityType {
		return nil, fmt.Errorf("coalesce across records: %s/%s vs %s/%s",
			existing.EntityType, existing.RecordID, incoming.EntityType, incoming.RecordID)
	}
	if existing.Status != EntryQueued {
		return nil, fmt.Errorf("coalesce into %s entry for %s/%s",
			existing.Status, existing.EntityType, existing.RecordID)
	}

	merged := *existing

	switch incoming.Op {
	case OpDelete:
		merged.Op = OpDelete
		merged.Payload = nil
	case OpUpdate:
		switch existing.Op {
		case OpCreate:
			// The record has never reached the remote; the create absorbs
			// every later edit and ships the final shape.
			merged.Payload = overlay(existing.Payload, incoming.Payload)
		case OpUpdate:
			merged.Payload = overlay(existing.Payload, incoming.Payload)
		case OpDelete:
			return nil, fmt.Errorf("update after queued delete for %s/%s",
				existing.EntityType, existing.RecordID)
		}
	case OpCreate:
		return nil, fmt.Errorf("create for already-queued record %s/%s",
			existing.EntityType, existing.RecordID)
	}

	// BaseRevision and BasePayload stay at the values of the first edit:
	// divergence is judged against the revision the user started editing from.
	return &merged, nil
}

// overlay applies the fields of b on top of a.
func overlay(a, b Payload) Payload {
	out := a.Clone()
	if out == nil {
		out = make(Payload, len(b))
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
