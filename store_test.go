package driftlock

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testStore runs the LocalStore contract against an implementation.
func testStore(t *testing.T, open func(t *testing.T) LocalStore) {
	ctx := context.Background()

	putLocal := func(t *testing.T, s LocalStore, id string, payload Payload) *ChangeLogEntry {
		t.Helper()
		now := time.Now()
		entry := NewChangeEntry(OpCreate, "note", id, payload, nil, now)
		rec := &Record{
			EntityType: "note", ID: id, UpdatedAt: now,
			Status: StatusPending, Payload: payload,
		}
		if err := s.ApplyLocalChange(ctx, rec, entry); err != nil {
			t.Fatalf("apply local change: %v", err)
		}
		return entry
	}

	t.Run("get missing record", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		if _, err := s.GetRecord(ctx, "note", "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("local change is atomic and visible", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		putLocal(t, s, "n-1", Payload{"title": "x"})

		rec, err := s.GetRecord(ctx, "note", "n-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusPending {
			t.Errorf("status = %v, want pending", rec.Status)
		}
		n, err := s.PendingCount(ctx)
		if err != nil || n != 1 {
			t.Errorf("pending count = %d (%v), want 1", n, err)
		}
	})

	t.Run("coalesces one entry per record", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		putLocal(t, s, "n-1", Payload{"name": "X"})

		now := time.Now()
		upd := NewChangeEntry(OpUpdate, "note", "n-1", Payload{"name": "Y"}, nil, now)
		rec := &Record{EntityType: "note", ID: "n-1", UpdatedAt: now, Payload: Payload{"name": "Y"}}
		if err := s.ApplyLocalChange(ctx, rec, upd); err != nil {
			t.Fatalf("apply update: %v", err)
		}

		pending, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) != 1 {
			t.Fatalf("pending = %d entries, want 1", len(pending))
		}
		if pending[0].Op != OpCreate || pending[0].Payload["name"] != "Y" {
			t.Errorf("entry = op %v payload %v, want create with latest payload",
				pending[0].Op, pending[0].Payload)
		}
	})

	t.Run("pending is FIFO across records", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		putLocal(t, s, "n-1", Payload{"a": 1})
		putLocal(t, s, "n-2", Payload{"a": 2})
		putLocal(t, s, "n-3", Payload{"a": 3})

		// Editing n-1 again must keep its original queue position.
		now := time.Now()
		upd := NewChangeEntry(OpUpdate, "note", "n-1", Payload{"a": 10}, nil, now)
		rec := &Record{EntityType: "note", ID: "n-1", UpdatedAt: now, Payload: Payload{"a": 10}}
		if err := s.ApplyLocalChange(ctx, rec, upd); err != nil {
			t.Fatalf("apply update: %v", err)
		}

		pending, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		gotOrder := []string{pending[0].RecordID, pending[1].RecordID, pending[2].RecordID}
		wantOrder := []string{"n-1", "n-2", "n-3"}
		for i := range wantOrder {
			if gotOrder[i] != wantOrder[i] {
				t.Fatalf("order = %v, want %v", gotOrder, wantOrder)
			}
		}
	})

	t.Run("acknowledge assigns identity and syncs", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		entry := putLocal(t, s, "n-1", Payload{"a": 1})

		if err := s.MarkInFlight(ctx, []string{entry.ID}); err != nil {
			t.Fatalf("mark in flight: %v", err)
		}
		if err := s.AcknowledgeEntry(ctx, entry.ID, "srv-9", 1); err != nil {
			t.Fatalf("acknowledge: %v", err)
		}

		rec, err := s.GetRecord(ctx, "note", "n-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusSynced || rec.ServerID != "srv-9" || rec.Revision != 1 {
			t.Errorf("record = %+v, want synced srv-9 rev 1", rec)
		}
		n, _ := s.PendingCount(ctx)
		if n != 0 {
			t.Errorf("pending count = %d, want 0", n)
		}
	})

	t.Run("acknowledge is idempotent", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		entry := putLocal(t, s, "n-1", Payload{"a": 1})
		if err := s.AcknowledgeEntry(ctx, entry.ID, "srv-1", 1); err != nil {
			t.Fatalf("first ack: %v", err)
		}
		if err := s.AcknowledgeEntry(ctx, entry.ID, "srv-1", 1); err != nil {
			t.Fatalf("second ack must be a no-op: %v", err)
		}
	})

	t.Run("acknowledged delete removes the record", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		putLocal(t, s, "n-1", Payload{"a": 1})

		now := time.Now()
		del := NewChangeEntry(OpDelete, "note", "n-1", nil, nil, now)
		rec := &Record{EntityType: "note", ID: "n-1", UpdatedAt: now, Deleted: true}
		if err := s.ApplyLocalChange(ctx, rec, del); err != nil {
			t.Fatalf("apply delete: %v", err)
		}
		pending, _ := s.ListPending(ctx)
		if len(pending) != 1 || pending[0].Op != OpDelete {
			t.Fatalf("pending = %+v, want single delete", pending)
		}
		if err := s.AcknowledgeEntry(ctx, pending[0].ID, "", 2); err != nil {
			t.Fatalf("acknowledge: %v", err)
		}
		if _, err := s.GetRecord(ctx, "note", "n-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound after tombstone ack", err)
		}
	})

	t.Run("failed entries are reported separately", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		entry := putLocal(t, s, "n-1", Payload{"a": 1})

		if err := s.FailEntry(ctx, entry.ID, "field too long"); err != nil {
			t.Fatalf("fail entry: %v", err)
		}
		n, _ := s.PendingCount(ctx)
		if n != 0 {
			t.Errorf("pending count = %d, want 0 after permanent failure", n)
		}
		failed, err := s.FailedEntries(ctx)
		if err != nil || len(failed) != 1 {
			t.Fatalf("failed = %v (%v), want one entry", failed, err)
		}
		if failed[0].FailReason != "field too long" {
			t.Errorf("reason = %q", failed[0].FailReason)
		}
	})

	t.Run("requeue bumps attempts", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		entry := putLocal(t, s, "n-1", Payload{"a": 1})
		if err := s.MarkInFlight(ctx, []string{entry.ID}); err != nil {
			t.Fatalf("mark in flight: %v", err)
		}
		if err := s.RequeueEntry(ctx, entry.ID); err != nil {
			t.Fatalf("requeue: %v", err)
		}
		got, err := s.PendingForRecord(ctx, "note", "n-1")
		if err != nil {
			t.Fatalf("pending for record: %v", err)
		}
		if got.Status != EntryQueued || got.Attempts != 1 {
			t.Errorf("entry = status %v attempts %d, want queued/1", got.Status, got.Attempts)
		}
	})

	t.Run("remote change applies as synced", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		change := &RemoteChange{
			EntityType: "note", RecordID: "n-9", ServerID: "srv-9",
			Revision: 4, Payload: Payload{"a": "remote"},
		}
		if err := s.ApplyRemoteChange(ctx, change); err != nil {
			t.Fatalf("apply remote: %v", err)
		}
		rec, err := s.GetRecord(ctx, "note", "n-9")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusSynced || rec.Revision != 4 {
			t.Errorf("record = %+v, want synced rev 4", rec)
		}
	})

	t.Run("checkpoint defaults and round trips", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		cp, err := s.Checkpoint(ctx, "note")
		if err != nil {
			t.Fatalf("checkpoint: %v", err)
		}
		if cp.Cursor != "" {
			t.Errorf("fresh cursor = %q, want empty", cp.Cursor)
		}
		cp.Cursor = "c-42"
		cp.LastPulledAt = time.Now()
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.Checkpoint(ctx, "note")
		if err != nil || got.Cursor != "c-42" {
			t.Errorf("cursor = %q (%v), want c-42", got.Cursor, err)
		}
		if err := s.ResetCheckpoints(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		got, _ = s.Checkpoint(ctx, "note")
		if got.Cursor != "" {
			t.Errorf("cursor after reset = %q, want empty", got.Cursor)
		}
	})

	t.Run("conflict lifecycle", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		entry := putLocal(t, s, "n-1", Payload{"rating": 5})
		_ = entry

		conflict := &ConflictRecord{
			ID: "c-1", EntityType: "note", RecordID: "n-1",
			LocalOp: OpUpdate, LocalPayload: Payload{"rating": 5}, LocalBase: 2,
			RemotePayload: Payload{"rating": 3}, RemoteRevision: 3,
			DetectedAt: time.Now(),
		}
		if err := s.RecordConflict(ctx, conflict); err != nil {
			t.Fatalf("record conflict: %v", err)
		}

		rec, err := s.GetRecord(ctx, "note", "n-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Status != StatusConflict {
			t.Errorf("status = %v, want conflict", rec.Status)
		}
		if rec.Payload["rating"] != float64(3) && rec.Payload["rating"] != 3 {
			t.Errorf("displayed payload = %v, want the remote version", rec.Payload)
		}
		n, _ := s.PendingCount(ctx)
		if n != 0 {
			t.Errorf("pending count = %d, want 0 while conflicted", n)
		}

		conflicts, err := s.Conflicts(ctx)
		if err != nil || len(conflicts) != 1 {
			t.Fatalf("conflicts = %v (%v), want one", conflicts, err)
		}

		resolved := &Record{
			EntityType: "note", ID: "n-1", Revision: 3,
			UpdatedAt: time.Now(), Status: StatusPending, Payload: Payload{"rating": 5},
		}
		requeue := NewChangeEntry(OpUpdate, "note", "n-1", Payload{"rating": 5},
			&Record{EntityType: "note", ID: "n-1", Revision: 3}, time.Now())
		if err := s.ResolveConflict(ctx, "c-1", resolved, requeue); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if _, err := s.GetConflict(ctx, "c-1"); !errors.Is(err, ErrConflictNotFound) {
			t.Errorf("err = %v, want ErrConflictNotFound after resolve", err)
		}
		n, _ = s.PendingCount(ctx)
		if n != 1 {
			t.Errorf("pending count = %d, want the re-queued local version", n)
		}
	})

	t.Run("resolve supersedes entries queued under the conflict", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		putLocal(t, s, "n-1", Payload{"rating": 5})

		conflict := &ConflictRecord{
			ID: "c-1", EntityType: "note", RecordID: "n-1",
			LocalOp: OpUpdate, LocalPayload: Payload{"rating": 5}, LocalBase: 2,
			RemotePayload: Payload{"rating": 3}, RemoteRevision: 3,
			DetectedAt: time.Now(),
		}
		if err := s.RecordConflict(ctx, conflict); err != nil {
			t.Fatalf("record conflict: %v", err)
		}

		// An edit that slipped in while the conflict sat unresolved.
		stray := NewChangeEntry(OpUpdate, "note", "n-1", Payload{"rating": 4},
			&Record{EntityType: "note", ID: "n-1", Revision: 3}, time.Now())
		rec := &Record{EntityType: "note", ID: "n-1", Revision: 3,
			UpdatedAt: time.Now(), Status: StatusPending, Payload: Payload{"rating": 4}}
		if err := s.ApplyLocalChange(ctx, rec, stray); err != nil {
			t.Fatalf("apply stray edit: %v", err)
		}

		resolved := &Record{EntityType: "note", ID: "n-1", Revision: 3,
			UpdatedAt: time.Now(), Status: StatusPending, Payload: Payload{"rating": 5}}
		requeue := NewChangeEntry(OpUpdate, "note", "n-1", Payload{"rating": 5},
			&Record{EntityType: "note", ID: "n-1", Revision: 3}, time.Now())
		if err := s.ResolveConflict(ctx, "c-1", resolved, requeue); err != nil {
			t.Fatalf("resolve: %v", err)
		}

		pending, err := s.ListPending(ctx)
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		var forRecord []*ChangeLogEntry
		for _, e := range pending {
			if e.EntityType == "note" && e.RecordID == "n-1" {
				forRecord = append(forRecord, e)
			}
		}
		if len(forRecord) != 1 {
			t.Fatalf("queued entries for record = %d, want only the resolution", len(forRecord))
		}
		if forRecord[0].ID != requeue.ID {
			t.Errorf("surviving entry = %s, want the resolution entry %s", forRecord[0].ID, requeue.ID)
		}
	})

	t.Run("resolve missing conflict", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		err := s.ResolveConflict(ctx, "nope", &Record{EntityType: "note", ID: "x"}, nil)
		if !errors.Is(err, ErrConflictNotFound) {
			t.Errorf("err = %v, want ErrConflictNotFound", err)
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		s := open(t)
		s.Close()
		if _, err := s.GetRecord(ctx, "note", "n-1"); !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) LocalStore {
		return NewMemoryStore()
	})
}
