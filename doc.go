// Package driftlock is an offline-first synchronization engine for
// client applications that must stay fully usable without connectivity.
//
// All reads and writes go against a local store; mutations are queued as
// coalesced change-log entries and reconciled with an authoritative remote
// when connectivity allows. Synchronization is push-then-pull: local changes
// upload in bounded batches with per-entry verdicts, then remote changes are
// pulled through cursor-paginated pages and merged by a field-level conflict
// resolver.
//
// # Basic Usage
//
// Open a durable store and wire an engine over it:
//
//	store, err := driftlock.NewSQLiteStore(driftlock.DefaultSQLiteStoreConfig("app.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	transport, err := driftlock.NewHTTPTransport(driftlock.DefaultHTTPTransportConfig("https://sync.example.com"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg := driftlock.DefaultConfig()
//	cfg.EntityTypes = []string{"note"}
//	engine, err := driftlock.NewEngine(store, transport, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Write locally, sync when connected:
//
//	engine.Put(ctx, "note", "n-1", driftlock.Payload{"title": "groceries"})
//	res, err := engine.SyncNow(ctx)
//
// # Features
//
//   - Local-first reads and writes over SQLite or in-memory storage
//   - Change queue with per-record coalescing and FIFO ordering
//   - Revision-based conflict detection with disjoint-field auto-merge
//   - Manual conflict records for overlapping edits (KeepLocal, KeepRemote,
//     KeepMerged)
//   - Single-flight sync coordinator with exponential backoff and a
//     transport circuit breaker
//   - Network monitor and optional websocket change stream as sync triggers
//   - Optional AES-256-GCM payload encryption at rest
//   - S3 snapshot export/restore for device backup and fresh-device seeding
//   - Optional Prometheus collectors for engine observability
package driftlock
