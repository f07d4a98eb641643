package driftlock

import (
	"context"
	"net/http"
)

// CredentialFunc supplies the bearer credential for remote calls. Credential
// issuance and refresh belong to the application; the engine only reports
// ErrAuth upward when the remote rejects one.
type CredentialFunc func(ctx context.Context) (string, error)

// HTTPDoer abstracts the HTTP client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PushEntry is one queued change on the wire.
type PushEntry struct {
	EntityType     string  `json:"entity_type"`
	RecordID       string  `json:"id"`
	Op             string  `json:"operation"`
	Payload        Payload `json:"payload,omitempty"`
	BaseRevision   int64   `json:"base_revision"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// PushRequest uploads a bounded batch of queued changes in one round trip.
type PushRequest struct {
	Entries []PushEntry `json:"entries"`
}

// Push entry result statuses.
const (
	// PushAccepted means the remote applied the entry and assigned identity.
	PushAccepted = "accepted"
	// PushRejected means the remote refused the entry; ErrorClass says whether
	// a retry is worthwhile.
	PushRejected = "rejected"
	// PushConflict means the entry's base revision is stale. The entry stays
	// queued and the following pull resolves the divergence.
	PushConflict = "conflict"
)

// PushEntryResult is the remote's verdict on one entry.
type PushEntryResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	RecordID       string `json:"id"`
	Status         string `json:"status"`
	ServerID       string `json:"server_id,omitempty"`
	NewRevision    int64  `json:"new_revision,omitempty"`
	// ErrorClass is "validation" (never retried) or "transient" (retried
	// with backoff) when Status is PushRejected.
	ErrorClass string `json:"error_class,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PushResponse carries per-entry results; one bad entry never hides the
// verdicts for the rest of the batch.
type PushResponse struct {
	Results []PushEntryResult `json:"results"`
}

// PullRequest asks for remote changes since an opaque cursor.
type PullRequest struct {
	EntityType string `json:"entity_type"`
	Cursor     string `json:"cursor,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ChangesPage is one page of remote changes plus the cursor to resume from.
type ChangesPage struct {
	Changes    []RemoteChange `json:"changes"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// Transport moves batches between this device and the authoritative remote.
// Implementations must treat a timeout as failure, never as implicit
// success; idempotency keys make the resulting retries safe.
type Transport interface {
	// Push uploads queued entries and returns per-entry results.
	Push(ctx context.Context, req *PushRequest) (*PushResponse, error)

	// Pull fetches the next page of remote changes since req.Cursor.
	Pull(ctx context.Context, req *PullRequest) (*ChangesPage, error)
}
