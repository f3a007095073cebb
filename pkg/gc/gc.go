// Package gc implements the mark-sweep garbage collector and history
// squash (spec §4.8). It operates purely through the store.Store and
// pkg/repo interfaces a repository already exposes — no backend-specific
// logic lives here, so the same collector runs unmodified over all three
// storage profiles.
package gc

import (
	"context"
	"fmt"
	"time"

	"agentcodex/internal/log"
	"agentcodex/pkg/audit"
	"agentcodex/pkg/canon"
	"agentcodex/pkg/cerr"
	"agentcodex/pkg/objects"
	"agentcodex/pkg/refs"
	"agentcodex/pkg/store"
)

// unboundedDepth stands in for "no ancestor-depth limit" when a caller
// needs every reachable commit marked regardless of policy.KeepLastN, as
// Sweep does.
const unboundedDepth = 1 << 30

// Policy configures a GC run (spec §4.8).
type Policy struct {
	KeepBranches map[string]bool
	KeepLastN    int
	DryRun       bool
}

// Result reports what a GC pass did or would do.
type Result struct {
	Marked        int
	DeletedBlobs   []string
	DeletedCommits []string
}

// commitLoader fetches a commit by hash without pulling in pkg/repo, so gc
// can be exercised directly against a backend in tests.
type commitLoader func(ctx context.Context, hash string) (objects.Commit, error)

// Collect runs one GC pass for tenantID over backend. refs maps branch name
// to tip commit hash (the mark phase's seed set); loadCommit resolves a
// commit hash to its record.
//
// Mark phase: every ref tip, plus (per policy.KeepLastN) each tip's last N
// ancestors, plus everything transitively reachable from that seed set.
// Sweep phase: every stored blob and commit not marked is deleted (unless
// DryRun). Refs are never touched.
func Collect(ctx context.Context, backend store.Store, tenantID string, refs map[string]string, loadCommit commitLoader, policy Policy) (Result, error) {
	marked := map[string]bool{}
	markedBlobs := map[string]bool{}

	for branch, tip := range refs {
		if policy.KeepBranches != nil && len(policy.KeepBranches) > 0 && !policy.KeepBranches[branch] {
			continue
		}
		if err := markAncestors(ctx, loadCommit, tip, policy.KeepLastN, marked, markedBlobs); err != nil {
			return Result{}, err
		}
	}
	// If no KeepBranches filter was specified, every branch's reachable set
	// is marked (the loop above already covers this since the condition
	// only skips when a non-empty KeepBranches excludes the branch).

	result := Result{Marked: len(marked) + len(markedBlobs)}

	var sweepCommits, sweepBlobs []string

	err := backend.IterObjects(ctx, tenantID, store.KindCommit, func(hash string, data []byte) error {
		if marked[hash] {
			return nil
		}
		sweepCommits = append(sweepCommits, hash)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	err = backend.IterObjects(ctx, tenantID, store.KindBlob, func(hash string, data []byte) error {
		if markedBlobs[hash] {
			return nil
		}
		sweepBlobs = append(sweepBlobs, hash)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if policy.DryRun {
		result.DeletedCommits = sweepCommits
		result.DeletedBlobs = sweepBlobs
		log.Logger.Info().Int("commits", len(sweepCommits)).Int("blobs", len(sweepBlobs)).Msg("gc: dry run, nothing deleted")
		return result, nil
	}

	for _, hash := range sweepCommits {
		if err := backend.DeleteObject(ctx, tenantID, store.KindCommit, hash); err != nil {
			return Result{}, err
		}
		result.DeletedCommits = append(result.DeletedCommits, hash)
	}
	for _, hash := range sweepBlobs {
		if err := backend.DeleteObject(ctx, tenantID, store.KindBlob, hash); err != nil {
			return Result{}, err
		}
		result.DeletedBlobs = append(result.DeletedBlobs, hash)
	}

	log.Logger.Info().Int("commits", len(result.DeletedCommits)).Int("blobs", len(result.DeletedBlobs)).Msg("gc: sweep complete")
	return result, nil
}

// Sweep applies an audit.RetentionPolicy's age rule (spec §4.9, part (a)):
// any commit unreachable from a kept branch whose Timestamp is older than
// policy.MaxAge is deleted outright. Commits reachable from a kept branch
// are exempt regardless of age — history a branch still points at is never
// swept here, only via Collect once the branch itself stops keeping it
// reachable. A zero MaxAge disables the sweep (no commit is ever "older"
// than a zero duration in a useful sense). The reachability computation
// reuses the same markAncestors walk Collect's mark phase uses, with no
// KeepLastN depth limit, so age is the only criterion applied.
func Sweep(ctx context.Context, backend store.Store, tenantID string, branchRefs map[string]string, loadCommit commitLoader, policy audit.RetentionPolicy) (Result, error) {
	if policy.MaxAge <= 0 {
		return Result{}, nil
	}

	keepBranches := map[string]bool{}
	for _, b := range policy.KeepBranches {
		keepBranches[b] = true
	}

	marked := map[string]bool{}
	markedBlobs := map[string]bool{}
	for branch, tip := range branchRefs {
		if len(keepBranches) > 0 && !keepBranches[branch] {
			continue
		}
		if err := markAncestors(ctx, loadCommit, tip, unboundedDepth, marked, markedBlobs); err != nil {
			return Result{}, err
		}
	}

	cutoff := time.Now().UTC().Add(-policy.MaxAge)
	var result Result
	err := backend.IterObjects(ctx, tenantID, store.KindCommit, func(hash string, data []byte) error {
		if marked[hash] {
			return nil
		}
		c, err := objects.DecodeCommit(data)
		if err != nil {
			return err
		}
		if c.Timestamp.After(cutoff) {
			return nil
		}
		if err := backend.DeleteObject(ctx, tenantID, store.KindCommit, hash); err != nil {
			return err
		}
		result.DeletedCommits = append(result.DeletedCommits, hash)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	log.Logger.Info().Int("commits", len(result.DeletedCommits)).Dur("max_age", policy.MaxAge).
		Msg("gc: retention sweep complete")
	return result, nil
}

func markAncestors(ctx context.Context, loadCommit commitLoader, tip string, keepLastN int, markedCommits, markedBlobs map[string]bool) error {
	if tip == "" {
		return nil
	}
	queue := []string{tip}
	depth := map[string]int{tip: 0}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if markedCommits[h] {
			continue
		}
		c, err := loadCommit(ctx, h)
		if err != nil {
			var nf *cerr.NotFound
			if asNotFound(err, &nf) {
				continue
			}
			return err
		}
		markedCommits[h] = true
		markedBlobs[string(c.TreeHash)] = true
		d := depth[h]
		if d >= keepLastN {
			continue
		}
		for _, p := range c.ParentHashes {
			ps := string(p)
			if !markedCommits[ps] {
				if existing, ok := depth[ps]; !ok || d+1 < existing {
					depth[ps] = d + 1
				}
				queue = append(queue, ps)
			}
		}
	}
	return nil
}

func asNotFound(err error, target **cerr.NotFound) bool {
	nf, ok := err.(*cerr.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

// Squasher is the minimal capability squash needs from a repository:
// reading a commit, writing a new commit/blob pair, and advancing a branch
// ref, all tenant-scoped. pkg/repo.Repository satisfies this with thin
// wrapper methods.
type Squasher interface {
	GetCommit(ctx context.Context, hash string) (objects.Commit, error)
	GetState(ctx context.Context, hash string) (objects.AgentState, error)
	Backend() store.Store
	TenantID() string
}

// Squash produces a single new commit whose state equals branch's current
// tip, whose parent is the tip's (n+1)th ancestor, and whose message
// concatenates the n squashed messages (spec §4.8). It does not delete the
// superseded commits — they become regular GC candidates.
func Squash(ctx context.Context, repo Squasher, branch, tipHash string, n int) (objects.Commit, error) {
	if n <= 0 {
		return objects.Commit{}, fmt.Errorf("gc: squash count must be positive, got %d", n)
	}
	tip, err := repo.GetCommit(ctx, tipHash)
	if err != nil {
		return objects.Commit{}, err
	}
	messages := []string{tip.Message}
	cursor := tip
	cursorHash := tipHash
	ranOutOfHistory := false
	for i := 0; i < n; i++ {
		if cursor.IsRoot() {
			ranOutOfHistory = true
			break
		}
		parentHash := string(cursor.ParentHashes[0])
		parent, err := repo.GetCommit(ctx, parentHash)
		if err != nil {
			return objects.Commit{}, err
		}
		if i < n-1 {
			messages = append(messages, parent.Message)
		}
		cursor = parent
		cursorHash = parentHash
	}

	state, err := repo.GetState(ctx, tipHash)
	if err != nil {
		return objects.Commit{}, err
	}
	blob, blobHash, err := objects.NewBlobFromState(state)
	if err != nil {
		return objects.Commit{}, err
	}
	backend := repo.Backend()
	tenantID := repo.TenantID()
	if err := backend.PutObject(ctx, tenantID, store.KindBlob, string(blobHash), blob.Bytes); err != nil {
		return objects.Commit{}, err
	}

	squashed := objects.Commit{
		TreeHash:   blobHash,
		Message:    concatMessages(messages),
		Author:     tip.Author,
		Timestamp:  time.Now().UTC(),
		ActionType: objects.ActionCheckpoint,
	}
	if !ranOutOfHistory {
		squashed.ParentHashes = []canon.Hash{canon.Hash(cursorHash)}
	}
	hash, err := squashed.Hash()
	if err != nil {
		return objects.Commit{}, err
	}
	encoded, err := squashed.Encode()
	if err != nil {
		return objects.Commit{}, err
	}
	if err := backend.PutObject(ctx, tenantID, store.KindCommit, string(hash), encoded); err != nil {
		return objects.Commit{}, err
	}
	expected := tipHash
	if err := backend.CASRef(ctx, tenantID, refs.BranchRefName(branch), &expected, string(hash)); err != nil {
		return objects.Commit{}, err
	}
	return squashed, nil
}

func concatMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}
