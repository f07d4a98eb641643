package driftlock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory LocalStore. It honors the same transactional
// guarantees as the SQLite store under a single mutex and is intended for
// tests and ephemeral embedding.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	entries     map[string]*ChangeLogEntry
	checkpoints map[string]*Checkpoint
	conflicts   map[string]*ConflictRecord
	seq         int64
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		entries:     make(map[string]*ChangeLogEntry),
		checkpoints: make(map[string]*Checkpoint),
		conflicts:   make(map[string]*ConflictRecord),
	}
}

func recordKey(entityType, id string) string { return entityType + "/" + id }

func (m *MemoryStore) GetRecord(ctx context.Context, entityType, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.records[recordKey(entityType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Payload = rec.Payload.Clone()
	return &cp, nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, entityType string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*Record
	for _, rec := range m.records {
		if rec.EntityType != entityType || rec.Deleted {
			continue
		}
		cp := *rec
		cp.Payload = rec.Payload.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ApplyLocalChange(ctx context.Context, record *Record, entry *ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	existing := m.pendingForRecordLocked(entry.EntityType, entry.RecordID)
	write, replaceID, err := planQueueWrite(existing, entry)
	if err != nil {
		return err
	}

	if replaceID != "" {
		delete(m.entries, replaceID)
		write.Seq = existing.Seq // keep FIFO position of the first edit
	} else {
		m.seq++
		write.Seq = m.seq
	}
	m.entries[write.ID] = write

	cp := *record
	cp.Payload = record.Payload.Clone()
	cp.Status = StatusPending
	m.records[recordKey(record.EntityType, record.ID)] = &cp
	return nil
}

func (m *MemoryStore) ApplyRemoteChange(ctx context.Context, change *RemoteChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	key := recordKey(change.EntityType, change.RecordID)
	if change.Deleted {
		delete(m.records, key)
		return nil
	}
	m.records[key] = &Record{
		EntityType: change.EntityType,
		ID:         change.RecordID,
		ServerID:   change.ServerID,
		Revision:   change.Revision,
		UpdatedAt:  time.Now(),
		Status:     StatusSynced,
		Payload:    change.Payload.Clone(),
	}
	return nil
}

func (m *MemoryStore) ApplyMerge(ctx context.Context, record *Record, rebased *ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.entries[rebased.ID]
	cp := *rebased
	if ok {
		cp.Seq = old.Seq
	} else {
		m.seq++
		cp.Seq = m.seq
	}
	m.entries[cp.ID] = &cp

	rc := *record
	rc.Payload = record.Payload.Clone()
	m.records[recordKey(record.EntityType, record.ID)] = &rc
	return nil
}

func (m *MemoryStore) RecordConflict(ctx context.Context, conflict *ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// The record displays the server-authoritative version until resolved.
	key := recordKey(conflict.EntityType, conflict.RecordID)
	m.records[key] = &Record{
		EntityType: conflict.EntityType,
		ID:         conflict.RecordID,
		Revision:   conflict.RemoteRevision,
		UpdatedAt:  time.Now(),
		Status:     StatusConflict,
		Payload:    conflict.RemotePayload.Clone(),
	}
	if e := m.pendingForRecordLocked(conflict.EntityType, conflict.RecordID); e != nil {
		delete(m.entries, e.ID)
	}
	c := *conflict
	m.conflicts[conflict.ID] = &c
	return nil
}

func (m *MemoryStore) ResolveConflict(ctx context.Context, conflictID string, record *Record, entry *ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conflicts[conflictID]; !ok {
		return ErrConflictNotFound
	}
	delete(m.conflicts, conflictID)

	// Any entry queued for the record while the conflict sat unresolved
	// would push alongside the resolution; the resolution supersedes it.
	if e := m.pendingForRecordLocked(record.EntityType, record.ID); e != nil {
		delete(m.entries, e.ID)
	}

	rc := *record
	rc.Payload = record.Payload.Clone()
	m.records[recordKey(record.EntityType, record.ID)] = &rc

	if entry != nil {
		cp := *entry
		m.seq++
		cp.Seq = m.seq
		m.entries[cp.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*ChangeLogEntry
	for _, e := range m.entries {
		if e.Status == EntryFailed {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) PendingForRecord(ctx context.Context, entityType, id string) (*ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e := m.pendingForRecordLocked(entityType, id)
	if e == nil {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// pendingForRecordLocked returns the newest unacknowledged entry for the
// record, failed entries included.
func (m *MemoryStore) pendingForRecordLocked(entityType, id string) *ChangeLogEntry {
	var newest *ChangeLogEntry
	for _, e := range m.entries {
		if e.EntityType != entityType || e.RecordID != id {
			continue
		}
		if newest == nil || e.Seq > newest.Seq {
			newest = e
		}
	}
	return newest
}

func (m *MemoryStore) MarkInFlight(ctx context.Context, entryIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range entryIDs {
		if e, ok := m.entries[id]; ok {
			e.Status = EntryInFlight
		}
	}
	return nil
}

func (m *MemoryStore) AcknowledgeEntry(ctx context.Context, entryID, serverID string, revision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e, ok := m.entries[entryID]
	if !ok {
		return nil // already acknowledged; push retries are idempotent
	}
	delete(m.entries, entryID)

	key := recordKey(e.EntityType, e.RecordID)
	if e.Op == OpDelete {
		delete(m.records, key)
		return nil
	}
	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	hasNewer := m.pendingForRecordLocked(e.EntityType, e.RecordID) != nil
	m.records[key] = recordAfterAck(rec, serverID, revision, hasNewer, time.Now())
	return nil
}

func (m *MemoryStore) FailEntry(ctx context.Context, entryID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e, ok := m.entries[entryID]; ok {
		e.Status = EntryFailed
		e.FailReason = reason
	}
	return nil
}

func (m *MemoryStore) RequeueEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e, ok := m.entries[entryID]; ok {
		e.Status = EntryQueued
		e.Attempts++
	}
	return nil
}

func (m *MemoryStore) DiscardEntry(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, entryID)
	return nil
}

func (m *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, e := range m.entries {
		if e.Status != EntryFailed {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FailedEntries(ctx context.Context) ([]*ChangeLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*ChangeLogEntry
	for _, e := range m.entries {
		if e.Status == EntryFailed {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) Checkpoint(ctx context.Context, entityType string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if cp, ok := m.checkpoints[entityType]; ok {
		c := *cp
		return &c, nil
	}
	return &Checkpoint{EntityType: entityType}, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c := *cp
	m.checkpoints[cp.EntityType] = &c
	return nil
}

func (m *MemoryStore) ResetCheckpoints(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.checkpoints = make(map[string]*Checkpoint)
	return nil
}

func (m *MemoryStore) Conflicts(ctx context.Context) ([]*ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*ConflictRecord
	for _, c := range m.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
