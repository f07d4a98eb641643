package driftlock

import (
	"fmt"
	"sort"
	"time"
)

// SyncStatus describes a record's relationship to the remote replica.
type SyncStatus int

const (
	// StatusSynced means the record matches the last known remote state.
	StatusSynced SyncStatus = iota
	// StatusPending means the record has local changes awaiting propagation.
	StatusPending
	// StatusConflict means an unresolved ConflictRecord exists for the record.
	StatusConflict
)

func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusPending:
		return "pending"
	case StatusConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Operation is the kind of mutation carried by a change-log entry.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// EntryStatus is the lifecycle state of a queued change-log entry.
type EntryStatus int

const (
	// EntryQueued means the entry is awaiting the next push.
	EntryQueued EntryStatus = iota
	// EntryInFlight means the entry is part of the current push snapshot.
	EntryInFlight
	// EntryFailed means the remote permanently rejected the entry.
	EntryFailed
)

func (s EntryStatus) String() string {
	switch s {
	case EntryQueued:
		return "queued"
	case EntryInFlight:
		return "in_flight"
	case EntryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Payload holds an entity's attributes as a generic field map. Values must be
// JSON-representable; list-valued fields are []any of comparable scalars.
type Payload map[string]any

// Clone returns a shallow copy of the payload. List values are copied one
// level deep so callers can append without aliasing.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Record is a synchronized domain entity. ID is client-generated and stable;
// ServerID and Revision are assigned by the remote on first acknowledgment.
type Record struct {
	EntityType string     `json:"entity_type"`
	ID         string     `json:"id"`
	ServerID   string     `json:"server_id,omitempty"`
	Revision   int64      `json:"revision"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Status     SyncStatus `json:"sync_status"`
	Deleted    bool       `json:"deleted,omitempty"`
	Payload    Payload    `json:"payload"`
}

// Key identifies a record within the store.
func (r *Record) Key() string {
	return r.EntityType + "/" + r.ID
}

// ChangeLogEntry is a queued, coalesced local mutation awaiting propagation.
// BasePayload snapshots the record as it looked before the first edit in the
// entry, which is what lets the resolver tell local changes from remote ones.
type ChangeLogEntry struct {
	ID             string      `json:"id"`
	EntityType     string      `json:"entity_type"`
	RecordID       string      `json:"record_id"`
	Op             Operation   `json:"operation"`
	Payload        Payload     `json:"payload"`
	BasePayload    Payload     `json:"base_payload,omitempty"`
	BaseRevision   int64       `json:"base_revision"`
	IdempotencyKey string      `json:"idempotency_key"`
	Attempts       int         `json:"attempts"`
	Status         EntryStatus `json:"status"`
	FailReason     string      `json:"fail_reason,omitempty"`
	Seq            int64       `json:"seq"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ChangedFields returns the set of field names this entry modifies.
// For creates every payload field counts as changed.
func (e *ChangeLogEntry) ChangedFields() []string {
	if e.Op == OpDelete {
		return nil
	}
	fields := make([]string, 0, len(e.Payload))
	for k, v := range e.Payload {
		if e.Op == OpUpdate && e.BasePayload != nil {
			if base, ok := e.BasePayload[k]; ok && equalValue(base, v) {
				continue
			}
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Checkpoint marks pull progress for one entity type. The cursor is opaque
// and server-issued; it only ever advances, except on an explicit full resync.
type Checkpoint struct {
	EntityType   string    `json:"entity_type"`
	Cursor       string    `json:"cursor"`
	LastPulledAt time.Time `json:"last_pulled_at"`
}

// ConflictRecord persists both sides of a divergent edit until a human
// resolves it. The remote version is what the application displays meanwhile.
type ConflictRecord struct {
	ID             string    `json:"id"`
	EntityType     string    `json:"entity_type"`
	RecordID       string    `json:"record_id"`
	LocalOp        Operation `json:"local_op"`
	LocalPayload   Payload   `json:"local_payload"`
	LocalBase      int64     `json:"local_base_revision"`
	RemotePayload  Payload   `json:"remote_payload"`
	RemoteRevision int64     `json:"remote_revision"`
	RemoteDeleted  bool      `json:"remote_deleted"`
	DetectedAt     time.Time `json:"detected_at"`
}

// RemoteChange is one upsert or tombstone received from the remote replica.
type RemoteChange struct {
	EntityType string  `json:"entity_type"`
	RecordID   string  `json:"id"`
	ServerID   string  `json:"server_id,omitempty"`
	Revision   int64   `json:"revision"`
	Deleted    bool    `json:"deleted,omitempty"`
	Payload    Payload `json:"payload,omitempty"`
}

// Validate checks the change envelope at the transport boundary. Payloads
// arrive from the network and are not trusted blindly.
func (c *RemoteChange) Validate() error {
	if c.EntityType == "" {
		return fmt.Errorf("remote change missing entity type")
	}
	if c.RecordID == "" {
		return fmt.Errorf("remote change missing record id")
	}
	if c.Revision <= 0 {
		return fmt.Errorf("remote change for %s/%s has non-positive revision %d",
			c.EntityType, c.RecordID, c.Revision)
	}
	if !c.Deleted && c.Payload == nil {
		return fmt.Errorf("remote upsert for %s/%s has no payload", c.EntityType, c.RecordID)
	}
	return nil
}

// equalValue compares two payload values, treating []any lists positionally.
func equalValue(a, b any) bool {
	la, aok := a.([]any)
	lb, bok := b.([]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equalValue(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
