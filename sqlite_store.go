package driftlock

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite-backed local store.
type SQLiteStoreConfig struct {
	// Path to the database file.
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int `yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string `yaml:"journal_mode"`

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int `yaml:"busy_timeout"`

	// Cipher optionally encrypts payloads at rest.
	Cipher CipherConfig `yaml:"cipher"`
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:        path,
		CacheSize:   2000,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// SQLiteStore implements LocalStore on a single SQLite file, so the synced
// data set survives restarts and can be inspected with standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	cipher *PayloadCipher
	mu     sync.Mutex
	closed bool

	// Prepared statements for the hot paths
	getRecordStmt  *sql.Stmt
	putRecordStmt  *sql.Stmt
	putEntryStmt   *sql.Stmt
	delEntryStmt   *sql.Stmt
	checkpointStmt *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at config.Path.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "driftlock.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newSyncError(ClassStorage, "open database", err)
	}
	// A sync client is a single writer; one connection avoids SQLITE_BUSY
	// between the engine's transactions.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, config: config}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, newSyncError(ClassStorage, "initialize schema", err)
	}
	if err := store.requeueInFlight(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.initCipher(); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, newSyncError(ClassStorage, "prepare statements", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			entity_type TEXT NOT NULL,
			id TEXT NOT NULL,
			server_id TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			status INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			PRIMARY KEY (entity_type, id)
		);

		CREATE TABLE IF NOT EXISTS change_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			op INTEGER NOT NULL,
			payload BLOB,
			base_payload BLOB,
			base_revision INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			entity_type TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			last_pulled_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			record_id TEXT NOT NULL,
			local_op INTEGER NOT NULL,
			local_payload BLOB,
			local_base INTEGER NOT NULL,
			remote_payload BLOB,
			remote_revision INTEGER NOT NULL,
			remote_deleted INTEGER NOT NULL DEFAULT 0,
			detected_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(entity_type, record_id);
		CREATE INDEX IF NOT EXISTS idx_change_log_seq ON change_log(seq);
		CREATE INDEX IF NOT EXISTS idx_records_type ON records(entity_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// requeueInFlight returns entries stranded in the in-flight state by a crash
// mid-push to the queue, so they are sent again on the next attempt. Their
// idempotency keys make the re-send safe even if the remote already applied
// them.
func (s *SQLiteStore) requeueInFlight() error {
	_, err := s.db.Exec(`UPDATE change_log SET status = ? WHERE status = ?`,
		int(EntryQueued), int(EntryInFlight))
	if err != nil {
		return newSyncError(ClassStorage, "requeue in-flight entries", err)
	}
	return nil
}

// initCipher builds the payload cipher, persisting the key-derivation salt in
// the meta table so the same passphrase opens the database across restarts.
func (s *SQLiteStore) initCipher() error {
	if !s.config.Cipher.Enabled {
		return nil
	}
	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'cipher_salt'`).Scan(&salt)
	switch {
	case err == nil:
		cipher, cerr := NewPayloadCipherWithSalt(s.config.Cipher, salt)
		if cerr != nil {
			return cerr
		}
		s.cipher = cipher
		return nil
	case errors.Is(err, sql.ErrNoRows):
		cipher, cerr := NewPayloadCipher(s.config.Cipher)
		if cerr != nil {
			return cerr
		}
		if salt := cipher.Salt(); len(salt) > 0 {
			if _, werr := s.db.Exec(
				`INSERT INTO meta (key, value) VALUES ('cipher_salt', ?)`, salt); werr != nil {
				return newSyncError(ClassStorage, "persist cipher salt", werr)
			}
		}
		s.cipher = cipher
		return nil
	default:
		return newSyncError(ClassStorage, "load cipher salt", err)
	}
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	s.getRecordStmt, err = s.db.Prepare(`
		SELECT entity_type, id, server_id, revision, updated_at, status, deleted, payload
		FROM records WHERE entity_type = ? AND id = ?
	`)
	if err != nil {
		return err
	}
	s.putRecordStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO records
			(entity_type, id, server_id, revision, updated_at, status, deleted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.putEntryStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO change_log
			(id, entity_type, record_id, op, payload, base_payload, base_revision,
			 idempotency_key, attempts, status, fail_reason, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.delEntryStmt, err = s.db.Prepare(`DELETE FROM change_log WHERE id = ?`)
	if err != nil {
		return err
	}
	s.checkpointStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO checkpoints (entity_type, cursor, last_pulled_at) VALUES (?, ?, ?)
	`)
	return err
}

// encodePayload serializes a payload, encrypting it when a cipher is set.
func (s *SQLiteStore) encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, newSyncError(ClassStorage, "encode payload", err)
	}
	if s.cipher != nil {
		data, err = s.cipher.Seal(data)
		if err != nil {
			return nil, newSyncError(ClassStorage, "encrypt payload", err)
		}
	}
	return data, nil
}

func (s *SQLiteStore) decodePayload(data []byte) (Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var err error
	if s.cipher != nil {
		data, err = s.cipher.Open(data)
		if err != nil {
			return nil, newSyncError(ClassStorage, "decrypt payload", err)
		}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, newSyncError(ClassStorage, "decode payload", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, entityType, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.scanRecord(s.getRecordStmt.QueryRowContext(ctx, entityType, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		updatedAt int64
		status    int
		deleted   int
		payload   []byte
	)
	err := row.Scan(&rec.EntityType, &rec.ID, &rec.ServerID, &rec.Revision,
		&updatedAt, &status, &deleted, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newSyncError(ClassStorage, "read record", err)
	}
	rec.UpdatedAt = time.Unix(0, updatedAt)
	rec.Status = SyncStatus(status)
	rec.Deleted = deleted != 0
	if rec.Payload, err = s.decodePayload(payload); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, entityType string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, id, server_id, revision, updated_at, status, deleted, payload
		FROM records WHERE entity_type = ? AND deleted = 0 ORDER BY id
	`, entityType)
	if err != nil {
		return nil, newSyncError(ClassStorage, "list records", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, newSyncError(ClassStorage, "list records", err)
	}
	return out, nil
}

// writeRecordTx upserts a record inside an open transaction.
func (s *SQLiteStore) writeRecordTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	payload, err := s.encodePayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = tx.StmtContext(ctx, s.putRecordStmt).ExecContext(ctx,
		rec.EntityType, rec.ID, rec.ServerID, rec.Revision,
		rec.UpdatedAt.UnixNano(), int(rec.Status), boolInt(rec.Deleted), payload)
	if err != nil {
		return newSyncError(ClassStorage, "write record", err)
	}
	return nil
}

// writeEntryTx upserts a change-log entry inside an open transaction.
func (s *SQLiteStore) writeEntryTx(ctx context.Context, tx *sql.Tx, e *ChangeLogEntry) error {
	payload, err := s.encodePayload(e.Payload)
	if err != nil {
		return err
	}
	base, err := s.encodePayload(e.BasePayload)
	if err != nil {
		return err
	}
	_, err = tx.StmtContext(ctx, s.putEntryStmt).ExecContext(ctx,
		e.ID, e.EntityType, e.RecordID, int(e.Op), payload, base, e.BaseRevision,
		e.IdempotencyKey, e.Attempts, int(e.Status), e.FailReason, e.Seq,
		e.CreatedAt.UnixNano())
	if err != nil {
		return newSyncError(ClassStorage, "write change entry", err)
	}
	return nil
}

func (s *SQLiteStore) nextSeqTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_log`).Scan(&max); err != nil {
		return 0, newSyncError(ClassStorage, "next sequence", err)
	}
	return max.Int64 + 1, nil
}

func (s *SQLiteStore) pendingForRecordTx(ctx context.Context, tx *sql.Tx, entityType, id string) (*ChangeLogEntry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, entity_type, record_id, op, payload, base_payload, base_revision,
		       idempotency_key, attempts, status, fail_reason, seq, created_at
		FROM change_log WHERE entity_type = ? AND record_id = ?
		ORDER BY seq DESC LIMIT 1
	`, entityType, id)
	e, err := s.scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) scanEntry(row rowScanner) (*ChangeLogEntry, error) {
	var (
		e         ChangeLogEntry
		op        int
		payload   []byte
		base      []byte
		status    int
		createdAt int64
	)
	err := row.Scan(&e.ID, &e.EntityType, &e.RecordID, &op, &payload, &base,
		&e.BaseRevision, &e.IdempotencyKey, &e.Attempts, &status, &e.FailReason,
		&e.Seq, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newSyncError(ClassStorage, "read change entry", err)
	}
	e.Op = Operation(op)
	e.Status = EntryStatus(status)
	e.CreatedAt = time.Unix(0, createdAt)
	if e.Payload, err = s.decodePayload(payload); err != nil {
		return nil, err
	}
	if e.BasePayload, err = s.decodePayload(base); err != nil {
		return nil, err
	}
	return &e, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newSyncError(ClassStorage, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newSyncError(ClassStorage, "commit transaction", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyLocalChange(ctx context.Context, record *Record, entry *ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.pendingForRecordTx(ctx, tx, entry.EntityType, entry.RecordID)
		if err != nil {
			return err
		}
		write, replaceID, err := planQueueWrite(existing, entry)
		if err != nil {
			return err
		}
		if replaceID != "" {
			if _, err := tx.StmtContext(ctx, s.delEntryStmt).ExecContext(ctx, replaceID); err != nil {
				return newSyncError(ClassStorage, "replace change entry", err)
			}
			write.Seq = existing.Seq // keep FIFO position of the first edit
		} else {
			if write.Seq, err = s.nextSeqTx(ctx, tx); err != nil {
				return err
			}
		}
		if err := s.writeEntryTx(ctx, tx, write); err != nil {
			return err
		}
		rec := *record
		rec.Status = StatusPending
		return s.writeRecordTx(ctx, tx, &rec)
	})
}

func (s *SQLiteStore) ApplyRemoteChange(ctx context.Context, change *RemoteChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if change.Deleted {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE entity_type = ? AND id = ?`,
				change.EntityType, change.RecordID)
			if err != nil {
				return newSyncError(ClassStorage, "delete record", err)
			}
			return nil
		}
		return s.writeRecordTx(ctx, tx, &Record{
			EntityType: change.EntityType,
			ID:         change.RecordID,
			ServerID:   change.ServerID,
			Revision:   change.Revision,
			UpdatedAt:  time.Now(),
			Status:     StatusSynced,
			Payload:    change.Payload,
		})
	})
}

func (s *SQLiteStore) ApplyMerge(ctx context.Context, record *Record, rebased *ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var seq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT seq FROM change_log WHERE id = ?`, rebased.ID).Scan(&seq)
		entry := *rebased
		switch {
		case err == nil:
			entry.Seq = seq.Int64
		case errors.Is(err, sql.ErrNoRows):
			if entry.Seq, err = s.nextSeqTx(ctx, tx); err != nil {
				return err
			}
		default:
			return newSyncError(ClassStorage, "look up change entry", err)
		}
		if err := s.writeEntryTx(ctx, tx, &entry); err != nil {
			return err
		}
		return s.writeRecordTx(ctx, tx, record)
	})
}

func (s *SQLiteStore) RecordConflict(ctx context.Context, conflict *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// The record displays the server-authoritative version until resolved.
		rec := &Record{
			EntityType: conflict.EntityType,
			ID:         conflict.RecordID,
			Revision:   conflict.RemoteRevision,
			UpdatedAt:  time.Now(),
			Status:     StatusConflict,
			Payload:    conflict.RemotePayload,
		}
		if err := s.writeRecordTx(ctx, tx, rec); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM change_log WHERE entity_type = ? AND record_id = ?`,
			conflict.EntityType, conflict.RecordID)
		if err != nil {
			return newSyncError(ClassStorage, "drop pending entry", err)
		}

		local, err := s.encodePayload(conflict.LocalPayload)
		if err != nil {
			return err
		}
		remote, err := s.encodePayload(conflict.RemotePayload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO conflicts
				(id, entity_type, record_id, local_op, local_payload, local_base,
				 remote_payload, remote_revision, remote_deleted, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, conflict.ID, conflict.EntityType, conflict.RecordID, int(conflict.LocalOp),
			local, conflict.LocalBase, remote, conflict.RemoteRevision,
			boolInt(conflict.RemoteDeleted), conflict.DetectedAt.UnixNano())
		if err != nil {
			return newSyncError(ClassStorage, "write conflict", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID string, record *Record, entry *ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, conflictID)
		if err != nil {
			return newSyncError(ClassStorage, "clear conflict", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflictNotFound
		}
		// Any entry queued for the record while the conflict sat unresolved
		// would push alongside the resolution; the resolution supersedes it.
		_, err = tx.ExecContext(ctx,
			`DELETE FROM change_log WHERE entity_type = ? AND record_id = ?`,
			record.EntityType, record.ID)
		if err != nil {
			return newSyncError(ClassStorage, "drop pending entry", err)
		}
		if err := s.writeRecordTx(ctx, tx, record); err != nil {
			return err
		}
		if entry != nil {
			e := *entry
			if e.Seq, err = s.nextSeqTx(ctx, tx); err != nil {
				return err
			}
			return s.writeEntryTx(ctx, tx, &e)
		}
		return nil
	})
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*ChangeLogEntry, error) {
	return s.listEntries(ctx, `status != ?`, int(EntryFailed))
}

func (s *SQLiteStore) FailedEntries(ctx context.Context) ([]*ChangeLogEntry, error) {
	return s.listEntries(ctx, `status = ?`, int(EntryFailed))
}

func (s *SQLiteStore) listEntries(ctx context.Context, where string, args ...any) ([]*ChangeLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, record_id, op, payload, base_payload, base_revision,
		       idempotency_key, attempts, status, fail_reason, seq, created_at
		FROM change_log WHERE `+where+` ORDER BY seq
	`, args...)
	if err != nil {
		return nil, newSyncError(ClassStorage, "list change entries", err)
	}
	defer rows.Close()

	var out []*ChangeLogEntry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, newSyncError(ClassStorage, "list change entries", err)
	}
	return out, nil
}

func (s *SQLiteStore) PendingForRecord(ctx context.Context, entityType, id string) (*ChangeLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out *ChangeLogEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := s.pendingForRecordTx(ctx, tx, entityType, id)
		out = e
		return err
	})
	return out, err
}

func (s *SQLiteStore) MarkInFlight(ctx context.Context, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range entryIDs {
			_, err := tx.ExecContext(ctx,
				`UPDATE change_log SET status = ? WHERE id = ?`, int(EntryInFlight), id)
			if err != nil {
				return newSyncError(ClassStorage, "mark in flight", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) AcknowledgeEntry(ctx context.Context, entryID, serverID string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, entity_type, record_id, op, payload, base_payload, base_revision,
			       idempotency_key, attempts, status, fail_reason, seq, created_at
			FROM change_log WHERE id = ?
		`, entryID)
		e, err := s.scanEntry(row)
		if errors.Is(err, ErrNotFound) {
			return nil // already acknowledged; push retries are idempotent
		}
		if err != nil {
			return err
		}
		if _, err := tx.StmtContext(ctx, s.delEntryStmt).ExecContext(ctx, entryID); err != nil {
			return newSyncError(ClassStorage, "dequeue entry", err)
		}
		if e.Op == OpDelete {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE entity_type = ? AND id = ?`, e.EntityType, e.RecordID)
			if err != nil {
				return newSyncError(ClassStorage, "remove record", err)
			}
			return nil
		}
		rec, err := s.scanRecord(tx.StmtContext(ctx, s.getRecordStmt).
			QueryRowContext(ctx, e.EntityType, e.RecordID))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		newer, err := s.pendingForRecordTx(ctx, tx, e.EntityType, e.RecordID)
		if err != nil {
			return err
		}
		return s.writeRecordTx(ctx, tx,
			recordAfterAck(rec, serverID, revision, newer != nil, time.Now()))
	})
}

func (s *SQLiteStore) FailEntry(ctx context.Context, entryID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET status = ?, fail_reason = ? WHERE id = ?`,
		int(EntryFailed), reason, entryID)
	if err != nil {
		return newSyncError(ClassStorage, "fail entry", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueEntry(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_log SET status = ?, attempts = attempts + 1 WHERE id = ?`,
		int(EntryQueued), entryID)
	if err != nil {
		return newSyncError(ClassStorage, "requeue entry", err)
	}
	return nil
}

func (s *SQLiteStore) DiscardEntry(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.delEntryStmt.ExecContext(ctx, entryID); err != nil {
		return newSyncError(ClassStorage, "discard entry", err)
	}
	return nil
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log WHERE status != ?`, int(EntryFailed)).Scan(&n)
	if err != nil {
		return 0, newSyncError(ClassStorage, "count pending", err)
	}
	return n, nil
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, entityType string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var (
		cp       Checkpoint
		pulledAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, cursor, last_pulled_at FROM checkpoints WHERE entity_type = ?`,
		entityType).Scan(&cp.EntityType, &cp.Cursor, &pulledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Checkpoint{EntityType: entityType}, nil
	}
	if err != nil {
		return nil, newSyncError(ClassStorage, "read checkpoint", err)
	}
	cp.LastPulledAt = time.Unix(0, pulledAt)
	return &cp, nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.checkpointStmt.ExecContext(ctx,
		cp.EntityType, cp.Cursor, cp.LastPulledAt.UnixNano())
	if err != nil {
		return newSyncError(ClassStorage, "save checkpoint", err)
	}
	return nil
}

func (s *SQLiteStore) ResetCheckpoints(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return newSyncError(ClassStorage, "reset checkpoints", err)
	}
	return nil
}

func (s *SQLiteStore) Conflicts(ctx context.Context) ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, record_id, local_op, local_payload, local_base,
		       remote_payload, remote_revision, remote_deleted, detected_at
		FROM conflicts ORDER BY detected_at
	`)
	if err != nil {
		return nil, newSyncError(ClassStorage, "list conflicts", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		c, err := s.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, newSyncError(ClassStorage, "list conflicts", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, record_id, local_op, local_payload, local_base,
		       remote_payload, remote_revision, remote_deleted, detected_at
		FROM conflicts WHERE id = ?
	`, id)
	c, err := s.scanConflict(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	return c, err
}

func (s *SQLiteStore) scanConflict(row rowScanner) (*ConflictRecord, error) {
	var (
		c          ConflictRecord
		localOp    int
		local      []byte
		remote     []byte
		remoteDel  int
		detectedAt int64
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.RecordID, &localOp, &local, &c.LocalBase,
		&remote, &c.RemoteRevision, &remoteDel, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, newSyncError(ClassStorage, "read conflict", err)
	}
	c.LocalOp = Operation(localOp)
	c.RemoteDeleted = remoteDel != 0
	c.DetectedAt = time.Unix(0, detectedAt)
	if c.LocalPayload, err = s.decodePayload(local); err != nil {
		return nil, err
	}
	if c.RemotePayload, err = s.decodePayload(remote); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{
		s.getRecordStmt, s.putRecordStmt, s.putEntryStmt, s.delEntryStmt, s.checkpointStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
