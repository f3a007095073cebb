// Package audit implements the tamper-evident, hash-chained audit log (spec
// §4.9, §3): every mutating repository operation appends an entry whose
// self_hash commits to the previous entry's self_hash plus its own
// canonical content, so any retroactive edit anywhere in the chain is
// detectable by recomputing forward from the sentinel.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"agentcodex/pkg/canon"
	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

// Entry is one audit-log record (spec §3).
type Entry struct {
	Seq        int64       `json:"seq"`
	PrevHash   string      `json:"prev_hash"`
	Timestamp  time.Time   `json:"timestamp"`
	Actor      string      `json:"actor"`
	Action     string      `json:"action"`
	CommitHash *string     `json:"commit_hash,omitempty"`
	Details    interface{} `json:"details,omitempty"`
	SelfHash   string      `json:"self_hash"`
}

// entryBody is every field of Entry except SelfHash, i.e. "rest" in
// self_hash = H(prev_hash ‖ canonical(rest)).
type entryBody struct {
	Seq        int64       `json:"seq"`
	PrevHash   string      `json:"prev_hash"`
	Timestamp  time.Time   `json:"timestamp"`
	Actor      string      `json:"actor"`
	Action     string      `json:"action"`
	CommitHash *string     `json:"commit_hash,omitempty"`
	Details    interface{} `json:"details,omitempty"`
}

func selfHash(body entryBody) (string, error) {
	canonical, err := canon.MarshalAny(body)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	return string(canon.SumBytes(append([]byte(body.PrevHash), canonical...))), nil
}

// Append constructs the next chain entry, computes its self_hash, and
// durably appends it through backend. Returns the built entry (including
// its self_hash, the new chain tail).
func Append(ctx context.Context, backend store.Store, tenantID string, seq int64, prevHash, actor, action string, commitHash *string, details interface{}) (Entry, error) {
	body := entryBody{
		Seq:        seq,
		PrevHash:   prevHash,
		Timestamp:  time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		CommitHash: commitHash,
		Details:    details,
	}
	hash, err := selfHash(body)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Seq: body.Seq, PrevHash: body.PrevHash, Timestamp: body.Timestamp,
		Actor: body.Actor, Action: body.Action, CommitHash: body.CommitHash,
		Details: body.Details, SelfHash: hash,
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: encode entry: %w", err)
	}
	if err := backend.AppendLog(ctx, tenantID, seq, encoded); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Decode reverses Append's JSON encoding.
func Decode(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("audit: decode entry: %w", err)
	}
	return e, nil
}

// VerifyChain recomputes self_hash for every entry in [fromSeq, toSeq) (0,0
// meaning the whole log) and checks prev_hash linkage, failing with
// *cerr.ChainBroken at the first mismatch.
func VerifyChain(ctx context.Context, backend store.Store, tenantID string, fromSeq, toSeq int64) error {
	limit := 0
	if toSeq > 0 {
		limit = int(toSeq - fromSeq)
	}
	recs, err := backend.ReadLog(ctx, tenantID, fromSeq, limit)
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	expectedPrev := string(canon.Sentinel)
	for i, rec := range recs {
		entry, err := Decode(rec.Data)
		if err != nil {
			return &cerr.ChainBroken{Seq: rec.Seq}
		}
		if i == 0 && fromSeq > 0 {
			// Resuming mid-chain: trust the first entry's own prev_hash as
			// the starting point, since verifying continuity before
			// fromSeq is out of scope for this call.
			expectedPrev = entry.PrevHash
		}
		if entry.PrevHash != expectedPrev {
			return &cerr.ChainBroken{Seq: entry.Seq}
		}
		body := entryBody{
			Seq: entry.Seq, PrevHash: entry.PrevHash, Timestamp: entry.Timestamp,
			Actor: entry.Actor, Action: entry.Action, CommitHash: entry.CommitHash, Details: entry.Details,
		}
		recomputed, err := selfHash(body)
		if err != nil {
			return &cerr.ChainBroken{Seq: entry.Seq}
		}
		if recomputed != entry.SelfHash {
			return &cerr.ChainBroken{Seq: entry.Seq}
		}
		expectedPrev = entry.SelfHash
	}
	return nil
}

// ReadRange returns decoded entries in [fromSeq, fromSeq+limit).
func ReadRange(ctx context.Context, backend store.Store, tenantID string, fromSeq int64, limit int) ([]Entry, error) {
	recs, err := backend.ReadLog(ctx, tenantID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := Decode(rec.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// RetentionPolicy configures the retention sweep (spec §4.9).
type RetentionPolicy struct {
	MaxAge       time.Duration
	MaxCommits   int
	KeepBranches []string
}

// MigrationProgress reports Migrate's cumulative progress.
type MigrationProgress struct {
	ObjectsCopied int
	ObjectsTotal  int
	RefsCopied    int
	LogsCopied    int
}

// Migrate transfers every object, ref, and log entry from source to
// destination for tenantID. It is idempotent: objects already present at
// the destination are skipped (store.Store.PutObject is itself idempotent),
// so re-running after a partial failure resumes from the first missing
// object rather than redoing completed work.
func Migrate(ctx context.Context, source, destination store.Store, tenantID string, progress func(MigrationProgress)) error {
	var p MigrationProgress

	for _, kind := range []store.Kind{store.KindBlob, store.KindCommit} {
		var total int
		if err := source.IterObjects(ctx, tenantID, kind, func(hash string, data []byte) error {
			total++
			return nil
		}); err != nil {
			return err
		}
		p.ObjectsTotal += total
	}

	for _, kind := range []store.Kind{store.KindBlob, store.KindCommit} {
		if err := source.IterObjects(ctx, tenantID, kind, func(hash string, data []byte) error {
			if err := destination.PutObject(ctx, tenantID, kind, hash, data); err != nil {
				return err
			}
			p.ObjectsCopied++
			if progress != nil {
				progress(p)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	refsMap, err := source.ListRefs(ctx, tenantID)
	if err != nil {
		return err
	}
	for name, value := range refsMap {
		if err := destination.SetRef(ctx, tenantID, name, value); err != nil {
			return err
		}
		p.RefsCopied++
		if progress != nil {
			progress(p)
		}
	}

	recs, err := source.ReadLog(ctx, tenantID, 0, 0)
	if err != nil {
		return err
	}
	existing, err := destination.ReadLog(ctx, tenantID, 0, 0)
	if err != nil {
		return err
	}
	present := make(map[int64]bool, len(existing))
	for _, rec := range existing {
		present[rec.Seq] = true
	}
	for _, rec := range recs {
		if present[rec.Seq] {
			continue
		}
		if err := destination.AppendLog(ctx, tenantID, rec.Seq, rec.Data); err != nil {
			return err
		}
		p.LogsCopied++
		if progress != nil {
			progress(p)
		}
	}
	return nil
}
