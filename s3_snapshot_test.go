package driftlock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// fakeS3 keeps objects in a map and counts calls so retry behavior is
// observable.
type fakeS3 struct {
	objects  map[string][]byte
	puts     int
	gets     int
	failPuts int // fail this many PutObject calls before succeeding
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("service unavailable")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newTestSnapshotStore(client s3API, prefix string) *S3SnapshotStore {
	return &S3SnapshotStore{
		client: client,
		config: S3SnapshotConfig{Bucket: "backups", Prefix: prefix},
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Millisecond),
			RetryIf:        func(error) bool { return true },
		}),
	}
}

func seedSyncedStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()
	for _, change := range []*RemoteChange{
		{EntityType: "notes", RecordID: "n1", ServerID: "srv-1", Revision: 3, Payload: Payload{"title": "groceries"}},
		{EntityType: "notes", RecordID: "n2", ServerID: "srv-2", Revision: 7, Payload: Payload{"title": "travel"}},
		{EntityType: "tags", RecordID: "t1", ServerID: "srv-3", Revision: 2, Payload: Payload{"name": "urgent"}},
	} {
		if err := store.ApplyRemoteChange(ctx, change); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}
	if err := store.SaveCheckpoint(ctx, &Checkpoint{EntityType: "notes", Cursor: "c-42"}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	return store
}

func TestSnapshotExportRestore(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	snaps := newTestSnapshotStore(client, "dev-1/")
	source := seedSyncedStore(t)

	if err := snaps.Export(ctx, source, []string{"notes", "tags"}, "2026-08-26"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, ok := client.objects["dev-1/2026-08-26"]; !ok {
		t.Fatal("snapshot object not written")
	}
	if _, ok := client.objects["dev-1/latest"]; !ok {
		t.Fatal("latest pointer not written")
	}
	// Stored bytes are snappy-compressed JSON.
	if _, err := snappy.Decode(nil, client.objects["dev-1/latest"]); err != nil {
		t.Fatalf("stored snapshot is not snappy data: %v", err)
	}

	fresh := NewMemoryStore()
	snap, err := snaps.Restore(ctx, fresh, "latest")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(snap.Records) != 3 {
		t.Fatalf("restored %d records, want 3", len(snap.Records))
	}

	rec, err := fresh.GetRecord(ctx, "notes", "n2")
	if err != nil {
		t.Fatalf("GetRecord after restore: %v", err)
	}
	if rec.Revision != 7 || rec.ServerID != "srv-2" || rec.Status != StatusSynced {
		t.Errorf("restored record = rev %d server %q status %v", rec.Revision, rec.ServerID, rec.Status)
	}

	cp, err := fresh.Checkpoint(ctx, "notes")
	if err != nil {
		t.Fatalf("Checkpoint after restore: %v", err)
	}
	if cp.Cursor != "c-42" {
		t.Errorf("restored cursor = %q, want c-42", cp.Cursor)
	}

	// The restored device has nothing queued: the snapshot never carries the
	// pending change log.
	n, err := fresh.PendingCount(ctx)
	if err != nil || n != 0 {
		t.Errorf("pending after restore = %d (err %v), want 0", n, err)
	}
}

func TestSnapshotExportRetriesTransientPutFailure(t *testing.T) {
	client := newFakeS3()
	client.failPuts = 2
	snaps := newTestSnapshotStore(client, "")
	source := seedSyncedStore(t)

	if err := snaps.Export(context.Background(), source, []string{"notes"}, "snap"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	// Two failures, one success for the snapshot key, then one for "latest".
	if client.puts != 4 {
		t.Errorf("puts = %d, want 4", client.puts)
	}
}

func TestSnapshotRestoreMissingKey(t *testing.T) {
	snaps := newTestSnapshotStore(newFakeS3(), "")
	if _, err := snaps.Restore(context.Background(), NewMemoryStore(), "nope"); err == nil {
		t.Fatal("expected error for missing snapshot key")
	}
}
