package driftlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the sync coordinator's current phase.
type State int

const (
	// StateIdle means no sync attempt is running.
	StateIdle State = iota
	// StatePushing means queued local changes are being uploaded.
	StatePushing
	// StatePulling means remote changes are being downloaded and applied.
	StatePulling
	// StateError means the last attempt failed; the next trigger retries.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// SyncResult summarizes one completed sync round trip. Concurrent SyncNow
// callers that joined a running attempt all receive the same result.
type SyncResult struct {
	Pushed     int
	Rejected   int
	Pulled     int
	Conflicts  int
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// SyncStats are cumulative counters since the engine was created.
type SyncStats struct {
	Attempts          int64
	Successes         int64
	Failures          int64
	EntriesPushed     int64
	ChangesPulled     int64
	ConflictsDetected int64
	LastError         string
	LastSyncTime      time.Time
}

// syncCall is the shared outcome of one in-flight sync attempt.
type syncCall struct {
	done chan struct{}
	res  *SyncResult
	err  error
}

// Engine is the sync coordinator: it owns the push/pull cycle, the backoff
// policy, and the single-flight guarantee. All local mutations and status
// queries go through it.
type Engine struct {
	store     LocalStore
	transport Transport
	config    Config
	logger    *slog.Logger
	clock     Clock
	metrics   *Metrics
	resolver  *Resolver
	retryer   *Retryer
	breaker   *CircuitBreaker
	monitor   *NetworkMonitor
	stream    *ChangeStream

	mu       sync.Mutex
	state    State
	lastSync time.Time
	lastErr  error
	stats    SyncStats
	inflight *syncCall
	started  bool
	stopped  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine wires a coordinator over a local store and a transport.
func NewEngine(store LocalStore, transport Transport, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine requires a local store")
	}
	if transport == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	config.backfill()
	config.Retry.Clock = config.Clock
	config.Stream.Clock = config.Clock

	e := &Engine{
		store:     store,
		transport: transport,
		config:    config,
		logger:    config.Logger,
		clock:     config.Clock,
		metrics:   config.Metrics,
		resolver:  NewResolver(),
		retryer:   NewRetryer(config.Retry),
		breaker:   NewCircuitBreaker(config.BreakerMaxFailures, config.BreakerResetTimeout.Std()),
		monitor:   NewNetworkMonitor(config.Network),
		stopCh:    make(chan struct{}),
	}
	if config.Stream.URL != "" {
		e.stream = NewChangeStream(config.Stream, e.logger)
	}
	return e, nil
}

// Monitor exposes the network monitor so the host application can feed it
// platform reachability callbacks.
func (e *Engine) Monitor() *NetworkMonitor {
	return e.monitor
}

// Start launches the background triggers: the periodic timer, the network
// monitor's offline-to-online transitions, and the optional change stream.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if e.started {
		return nil
	}
	e.started = true

	e.monitor.Start()
	if e.stream != nil {
		e.stream.Start()
	}
	e.wg.Add(1)
	go e.triggerLoop()
	return nil
}

func (e *Engine) triggerLoop() {
	defer e.wg.Done()
	var timer <-chan time.Time
	if e.config.SyncInterval > 0 {
		timer = e.clock.After(e.config.SyncInterval.Std())
	}
	var hints <-chan string
	if e.stream != nil {
		hints = e.stream.Hints()
	}
	for {
		var reason string
		select {
		case <-e.stopCh:
			return
		case <-timer:
			reason = "interval"
			timer = e.clock.After(e.config.SyncInterval.Std())
		case <-e.monitor.Transitions():
			reason = "online"
		case entityType := <-hints:
			reason = "stream:" + entityType
		}
		if _, err := e.SyncNow(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			e.logger.Warn("background sync failed", "trigger", reason, "error", err)
		}
	}
}

// SyncNow runs one full push-then-pull cycle. If an attempt is already in
// flight the call joins it and returns its outcome instead of starting a
// second round trip.
func (e *Engine) SyncNow(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if call := e.inflight; call != nil {
		e.mu.Unlock()
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &syncCall{done: make(chan struct{})}
	e.inflight = call
	e.mu.Unlock()

	call.res, call.err = e.runSync(ctx)

	e.mu.Lock()
	e.inflight = nil
	e.mu.Unlock()
	close(call.done)
	return call.res, call.err
}

// ForceFullSync discards all pull checkpoints and runs a sync, re-fetching
// every entity type from the beginning. Local pending changes still push
// first, exactly as in a normal cycle.
func (e *Engine) ForceFullSync(ctx context.Context) (*SyncResult, error) {
	if err := e.store.ResetCheckpoints(ctx); err != nil {
		return nil, err
	}
	return e.SyncNow(ctx)
}

// runSync is the single-flight body: offline check, then the attempt loop
// with exponential backoff for transient failures.
func (e *Engine) runSync(ctx context.Context) (*SyncResult, error) {
	if !e.monitor.Online() {
		e.logger.Debug("sync skipped, device offline")
		e.metrics.observeAttempt("offline", 0)
		return nil, ErrOffline
	}

	res := &SyncResult{StartedAt: e.clock.Now()}
	attempts, err := e.retryer.Do(ctx, func() error {
		res.Pushed, res.Rejected, res.Pulled, res.Conflicts = 0, 0, 0, 0
		return e.attempt(ctx, res)
	})
	res.Attempts = attempts
	res.FinishedAt = e.clock.Now()

	e.mu.Lock()
	e.stats.Attempts += int64(attempts)
	if err != nil {
		e.state = StateError
		e.lastErr = err
		e.stats.Failures++
		e.stats.LastError = err.Error()
	} else {
		e.state = StateIdle
		e.lastErr = nil
		e.lastSync = res.FinishedAt
		e.stats.Successes++
		e.stats.LastSyncTime = res.FinishedAt
		e.stats.EntriesPushed += int64(res.Pushed)
		e.stats.ChangesPulled += int64(res.Pulled)
		e.stats.ConflictsDetected += int64(res.Conflicts)
	}
	e.mu.Unlock()

	if err != nil {
		e.metrics.observeAttempt("error", res.FinishedAt.Sub(res.StartedAt))
		e.logger.Warn("sync failed", "attempts", attempts, "error", err)
		return nil, err
	}
	e.metrics.observeAttempt("success", res.FinishedAt.Sub(res.StartedAt))
	e.logger.Info("sync complete",
		"pushed", res.Pushed, "pulled", res.Pulled,
		"conflicts", res.Conflicts, "attempts", attempts)
	if n, cerr := e.store.PendingCount(ctx); cerr == nil {
		e.metrics.setPending(n)
	}
	return res, nil
}

// attempt is one push-then-pull round trip. When the pull re-based queued
// entries onto fresh remote revisions, a second push pass ships them
// immediately so an auto-merged record ends the cycle fully synced.
func (e *Engine) attempt(ctx context.Context, res *SyncResult) error {
	e.setState(StatePushing)
	if err := e.push(ctx, res); err != nil {
		return err
	}

	e.setState(StatePulling)
	rebased, err := e.pull(ctx, res)
	if err != nil {
		return err
	}

	if rebased > 0 {
		e.setState(StatePushing)
		if err := e.push(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Put writes a record locally and queues its change for the next sync. It
// never touches the network; offline writes succeed and accumulate. An empty
// id creates the record under a fresh client-generated one, returned on the
// record. A record with an unresolved conflict cannot be edited until
// Resolve settles it.
func (e *Engine) Put(ctx context.Context, entityType, id string, payload Payload) (*Record, error) {
	if entityType == "" {
		return nil, fmt.Errorf("put requires an entity type")
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := e.clock.Now()

	existing, err := e.store.GetRecord(ctx, entityType, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	// A conflicted record shows the remote version until a human settles it;
	// editing underneath the conflict would fork the queue.
	if existing != nil && existing.Status == StatusConflict {
		return nil, fmt.Errorf("%s/%s: %w", entityType, id, ErrConflictPending)
	}

	op := OpCreate
	record := &Record{
		EntityType: entityType,
		ID:         id,
		UpdatedAt:  now,
		Status:     StatusPending,
		Payload:    payload.Clone(),
	}
	if existing != nil {
		op = OpUpdate
		record.ServerID = existing.ServerID
		record.Revision = existing.Revision
	}

	entry := NewChangeEntry(op, entityType, id, payload, existing, now)
	if err := e.store.ApplyLocalChange(ctx, record, entry); err != nil {
		return nil, err
	}
	if n, cerr := e.store.PendingCount(ctx); cerr == nil {
		e.metrics.setPending(n)
	}
	return record, nil
}

// Delete tombstones a record locally and queues the deletion.
func (e *Engine) Delete(ctx context.Context, entityType, id string) error {
	existing, err := e.store.GetRecord(ctx, entityType, id)
	if err != nil {
		return err
	}
	if existing.Status == StatusConflict {
		return fmt.Errorf("%s/%s: %w", entityType, id, ErrConflictPending)
	}
	now := e.clock.Now()
	record := *existing
	record.Deleted = true
	record.Status = StatusPending
	record.UpdatedAt = now

	entry := NewChangeEntry(OpDelete, entityType, id, nil, existing, now)
	return e.store.ApplyLocalChange(ctx, &record, entry)
}

// Get reads a record from the local store.
func (e *Engine) Get(ctx context.Context, entityType, id string) (*Record, error) {
	return e.store.GetRecord(ctx, entityType, id)
}

// List returns all live local records of one entity type.
func (e *Engine) List(ctx context.Context, entityType string) ([]*Record, error) {
	return e.store.ListRecords(ctx, entityType)
}

// Conflicts returns the unresolved conflicts awaiting a human decision.
func (e *Engine) Conflicts(ctx context.Context) ([]*ConflictRecord, error) {
	return e.store.Conflicts(ctx)
}

// Resolve settles a manual conflict. KeepRemote accepts the server version;
// KeepLocal and KeepMerged write the chosen payload locally and queue it as
// a fresh change based on the conflict's remote revision, so the next push
// is judged against the revision the human actually saw.
func (e *Engine) Resolve(ctx context.Context, conflictID string, res Resolution) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	now := e.clock.Now()

	record := Record{
		EntityType: c.EntityType,
		ID:         c.RecordID,
		Revision:   c.RemoteRevision,
		UpdatedAt:  now,
	}
	var entry *ChangeLogEntry

	switch res.Choice {
	case KeepRemote:
		if c.RemoteDeleted {
			record.Deleted = true
			record.Status = StatusSynced
			if err := e.store.ResolveConflict(ctx, conflictID, &record, nil); err != nil {
				return err
			}
			// Apply the tombstone now that the conflict row is gone.
			return e.store.ApplyRemoteChange(ctx, &RemoteChange{
				EntityType: c.EntityType,
				RecordID:   c.RecordID,
				Revision:   c.RemoteRevision,
				Deleted:    true,
			})
		}
		record.Status = StatusSynced
		record.Payload = c.RemotePayload.Clone()

	case KeepLocal, KeepMerged:
		payload := c.LocalPayload
		if res.Choice == KeepMerged {
			if res.Merged == nil {
				return fmt.Errorf("merged resolution requires a payload")
			}
			payload = res.Merged
		}
		record.Status = StatusPending
		record.Payload = payload.Clone()

		op := OpUpdate
		var base *Record
		if c.RemoteDeleted {
			// The record no longer exists remotely; the kept version is a
			// re-creation.
			op = OpCreate
		} else {
			base = &Record{
				EntityType: c.EntityType,
				ID:         c.RecordID,
				Revision:   c.RemoteRevision,
				Payload:    c.RemotePayload,
			}
		}
		entry = NewChangeEntry(op, c.EntityType, c.RecordID, payload, base, now)

	default:
		return fmt.Errorf("unknown resolution choice %d", res.Choice)
	}

	return e.store.ResolveConflict(ctx, conflictID, &record, entry)
}

// IsSyncing reports whether a sync attempt is currently in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight != nil
}

// State returns the coordinator's current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSyncTime returns when the last successful sync finished (zero if none).
func (e *Engine) LastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error of the last failed attempt, nil after success.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingCount is the number of queued plus in-flight change entries.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// FailedCount is the number of permanently rejected entries.
func (e *Engine) FailedCount(ctx context.Context) (int, error) {
	failed, err := e.store.FailedEntries(ctx)
	if err != nil {
		return 0, err
	}
	return len(failed), nil
}

// FailedEntries returns permanently rejected entries with their reasons.
func (e *Engine) FailedEntries(ctx context.Context) ([]*ChangeLogEntry, error) {
	return e.store.FailedEntries(ctx)
}

// Stats returns a copy of the cumulative counters.
func (e *Engine) Stats() SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Stop halts the background triggers, waits for an in-flight attempt to
// finish, and closes the store. The engine cannot be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	call := e.inflight
	e.mu.Unlock()

	if started {
		close(e.stopCh)
		e.monitor.Stop()
		if e.stream != nil {
			e.stream.Stop()
		}
		e.wg.Wait()
	}
	if call != nil {
		<-call.done
	}
	return e.store.Close()
}
