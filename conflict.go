package driftlock

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// OutcomeKind classifies what the resolver decided for a divergent record.
type OutcomeKind int

const (
	// OutcomeMerge means local and remote edits were combined automatically.
	OutcomeMerge OutcomeKind = iota
	// OutcomeDelete means one side deleted the record and the deletion wins.
	OutcomeDelete
	// OutcomeManual means the edits overlap and a human must choose.
	OutcomeManual
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMerge:
		return "merge"
	case OutcomeDelete:
		return "delete"
	case OutcomeManual:
		return "manual"
	default:
		return "unknown"
	}
}

// Outcome is the resolver's decision for one divergent record.
type Outcome struct {
	Kind OutcomeKind

	// Merged is the combined payload when Kind is OutcomeMerge.
	Merged Payload

	// Conflict is the record to persist when Kind is OutcomeManual.
	Conflict *ConflictRecord

	// LocalDelete is true when the winning deletion came from this device,
	// meaning the queued tombstone must keep propagating.
	LocalDelete bool
}

// ResolutionChoice is how the application settles a manual conflict.
type ResolutionChoice int

const (
	// KeepLocal re-queues the local version against the current remote revision.
	KeepLocal ResolutionChoice = iota
	// KeepRemote accepts the server-authoritative version and drops the local edit.
	KeepRemote
	// KeepMerged applies a manually merged payload supplied by the application.
	KeepMerged
)

func (c ResolutionChoice) String() string {
	switch c {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case KeepMerged:
		return "keep_merged"
	default:
		return "unknown"
	}
}

// Resolution is the application's answer to a manual conflict.
type Resolution struct {
	Choice ResolutionChoice
	// Merged is required when Choice is KeepMerged.
	Merged Payload
}

// Resolver is the pure decision logic for divergent edits. A conflict exists
// iff a record has an unacknowledged local change whose base revision differs
// from the record's current remote revision; callers only invoke Resolve once
// that condition holds.
type Resolver struct{}

// NewResolver creates a conflict resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve classifies a divergence between a queued local change and an
// incoming remote change, in priority order:
//
//  1. Deletion on either side wins outright. This intentionally discards
//     concurrent field edits.
//  2. Field-disjoint edits merge automatically: the remote payload is taken
//     as the new base and the locally changed fields are laid on top.
//     Overlapping fields that are list-valued on both sides merge by set
//     union with deterministic ordering.
//  3. Anything else is a manual conflict carrying both versions.
func (r *Resolver) Resolve(pending *ChangeLogEntry, remote *RemoteChange, now time.Time) (*Outcome, error) {
	if pending == nil || remote == nil {
		return nil, fmt.Errorf("resolve requires both a pending entry and a remote change")
	}
	if pending.RecordID != remote.RecordID || pending.EntityType != remote.EntityType {
		return nil, fmt.Errorf("resolve across records: %s/%s vs %s/%s",
			pending.EntityType, pending.RecordID, remote.EntityType, remote.RecordID)
	}

	if remote.Deleted {
		return &Outcome{Kind: OutcomeDelete}, nil
	}
	if pending.Op == OpDelete {
		return &Outcome{Kind: OutcomeDelete, LocalDelete: true}, nil
	}

	localFields := pending.ChangedFields()
	remoteFields := remoteChangedFields(remote.Payload, pending.BasePayload)

	merged := remote.Payload.Clone()
	var manual []string
	for _, f := range localFields {
		if !contains(remoteFields, f) {
			merged[f] = pending.Payload[f]
			continue
		}
		// Both sides touched f. Lists on both sides union; anything else
		// needs a human.
		localList, lok := pending.Payload[f].([]any)
		remoteList, rok := remote.Payload[f].([]any)
		if lok && rok {
			merged[f] = unionLists(localList, remoteList)
			continue
		}
		manual = append(manual, f)
	}

	if len(manual) > 0 {
		return &Outcome{
			Kind: OutcomeManual,
			Conflict: &ConflictRecord{
				ID:             uuid.NewString(),
				EntityType:     pending.EntityType,
				RecordID:       pending.RecordID,
				LocalOp:        pending.Op,
				LocalPayload:   pending.Payload.Clone(),
				LocalBase:      pending.BaseRevision,
				RemotePayload:  remote.Payload.Clone(),
				RemoteRevision: remote.Revision,
				RemoteDeleted:  remote.Deleted,
				DetectedAt:     now,
			},
		}, nil
	}

	return &Outcome{Kind: OutcomeMerge, Merged: merged}, nil
}

// remoteChangedFields diffs the remote payload against the local base
// snapshot taken when the pending edit began.
func remoteChangedFields(remote, base Payload) []string {
	if base == nil {
		// No base snapshot means the record never existed here before the
		// local edit; treat every remote field as changed.
		fields := make([]string, 0, len(remote))
		for k := range remote {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		return fields
	}
	var fields []string
	for k, v := range remote {
		if bv, ok := base[k]; !ok || !equalValue(bv, v) {
			fields = append(fields, k)
		}
	}
	for k := range base {
		if _, ok := remote[k]; !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// unionLists merges two list-valued fields as a set, ordered by the string
// form of each element so the result is deterministic on every device.
func unionLists(a, b []any) []any {
	seen := make(map[string]any, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		seen[fmt.Sprint(v)] = v
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
