package driftlock

import (
	"context"
	"time"
)

// LocalStore is durable, transactional storage of records plus the pending
// change log. Every method that touches both a record and the log commits
// them together or not at all; partial writes are never observable.
//
// Implementations must serialize writes per record id, so a local edit and an
// incoming pull for the same record cannot interleave into a corrupt state.
type LocalStore interface {
	// GetRecord returns the record, or ErrNotFound.
	GetRecord(ctx context.Context, entityType, id string) (*Record, error)

	// ListRecords returns all live records of one entity type.
	ListRecords(ctx context.Context, entityType string) ([]*Record, error)

	// ApplyLocalChange writes a locally mutated record and queues (or
	// coalesces) its change-log entry in one transaction.
	ApplyLocalChange(ctx context.Context, record *Record, entry *ChangeLogEntry) error

	// ApplyRemoteChange applies a pulled upsert or tombstone for a record
	// with no unacknowledged pending change, marking it synced.
	ApplyRemoteChange(ctx context.Context, change *RemoteChange) error

	// ApplyMerge writes an auto-merged record and its rebased pending entry
	// in one transaction.
	ApplyMerge(ctx context.Context, record *Record, rebased *ChangeLogEntry) error

	// RecordConflict parks a divergent record: the record takes the remote
	// (server-authoritative) version with conflict status, the pending entry
	// is removed, and the conflict row is inserted, all in one transaction.
	RecordConflict(ctx context.Context, conflict *ConflictRecord) error

	// ResolveConflict clears a conflict row, writes the resolved record and,
	// when the local or merged value was kept, queues entry, atomically.
	// entry may be nil when the remote value was kept.
	ResolveConflict(ctx context.Context, conflictID string, record *Record, entry *ChangeLogEntry) error

	// ListPending returns unacknowledged entries (queued and in-flight) in
	// FIFO order across records.
	ListPending(ctx context.Context) ([]*ChangeLogEntry, error)

	// PendingForRecord returns the newest unacknowledged entry for a record,
	// or nil when there is none.
	PendingForRecord(ctx context.Context, entityType, id string) (*ChangeLogEntry, error)

	// MarkInFlight transitions queued entries into the in-flight state at the
	// start of a push snapshot.
	MarkInFlight(ctx context.Context, entryIDs []string) error

	// AcknowledgeEntry applies a push acceptance: the entry is dequeued, the
	// record gains its server id and revision and becomes synced (deletes
	// remove the record entirely). A newer queued entry for the same record
	// keeps the record pending.
	AcknowledgeEntry(ctx context.Context, entryID, serverID string, revision int64) error

	// FailEntry marks an entry permanently rejected; the record stays pending
	// and the reason is surfaced through FailedEntries.
	FailEntry(ctx context.Context, entryID, reason string) error

	// RequeueEntry returns an in-flight entry to the queue after transient
	// failure, bumping its attempt count.
	RequeueEntry(ctx context.Context, entryID string) error

	// DiscardEntry drops a pending entry without acknowledgment, used when a
	// remote deletion supersedes a queued local edit.
	DiscardEntry(ctx context.Context, entryID string) error

	// PendingCount is the number of queued plus in-flight entries.
	PendingCount(ctx context.Context) (int, error)

	// FailedEntries returns permanently rejected entries with their reasons.
	FailedEntries(ctx context.Context) ([]*ChangeLogEntry, error)

	// Checkpoint returns pull progress for an entity type. A type that has
	// never been pulled returns a zero-cursor checkpoint, not an error.
	Checkpoint(ctx context.Context, entityType string) (*Checkpoint, error)

	// SaveCheckpoint records pull progress after a fully processed page.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// ResetCheckpoints clears all cursors for an explicit full resync.
	ResetCheckpoints(ctx context.Context) error

	// Conflicts returns all unresolved conflict records.
	Conflicts(ctx context.Context) ([]*ConflictRecord, error)

	// GetConflict returns one conflict, or ErrConflictNotFound.
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)

	Close() error
}

// planQueueWrite decides how a new local mutation lands in the change queue
// given the record's newest unacknowledged entry. It returns the entry to
// write and the id of the entry it replaces ("" when appending).
//
//   - no existing entry: append the incoming one
//   - existing in flight: append; the push snapshot already owns the old one
//     and the new edit is deferred to the next cycle
//   - existing failed: revive it and coalesce the fix into it
//   - existing queued: coalesce
func planQueueWrite(existing, incoming *ChangeLogEntry) (write *ChangeLogEntry, replaceID string, err error) {
	if existing == nil {
		return incoming, "", nil
	}
	if existing.Status == EntryInFlight {
		return incoming, "", nil
	}
	if existing.Status == EntryFailed {
		revived := *existing
		revived.Status = EntryQueued
		revived.FailReason = ""
		existing = &revived
	}
	merged, err := Coalesce(existing, incoming)
	if err != nil {
		return nil, "", err
	}
	return merged, existing.ID, nil
}

// recordAfterAck computes the record's post-acknowledgment state. A newer
// queued entry keeps it pending; otherwise it is synced at the new revision.
func recordAfterAck(rec *Record, serverID string, revision int64, hasNewerEntry bool, now time.Time) *Record {
	out := *rec
	if serverID != "" {
		out.ServerID = serverID
	}
	out.Revision = revision
	out.UpdatedAt = now
	if hasNewerEntry {
		out.Status = StatusPending
	} else {
		out.Status = StatusSynced
	}
	return &out
}
