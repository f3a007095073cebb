// Package repo implements the repository orchestrator (spec §4.7): the
// single entry point that ties hashing, object storage, the reference
// manager, and the diff/merge engine into commit, branch, checkout, diff,
// merge, revert, log, and status operations. It holds its storage handle by
// the abstract store.Store interface and never branches on the concrete
// backend kind (spec §9).
package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentcodex/internal/log"
	"agentcodex/pkg/audit"
	"agentcodex/pkg/canon"
	"agentcodex/pkg/cerr"
	"agentcodex/pkg/config"
	"agentcodex/pkg/diff3"
	"agentcodex/pkg/objects"
	"agentcodex/pkg/refs"
	"agentcodex/pkg/store"
)

// Repository is the orchestrator for a single tenant over a single backend.
type Repository struct {
	backend  store.Store
	refs     *refs.Manager
	tenantID string
	cfg      config.Config
	seq      int64 // next audit log sequence number, owned in-process
	lastHash string // audit chain tail, owned in-process

	// mu serializes mutating operations on this repository instance. The
	// backend's CAS primitive already rejects conflicting branch advances
	// across processes; mu additionally serializes audit seq/prev_hash
	// bookkeeping within this process, per spec §5's "internal locks scoped
	// to a single repository instance" concurrency model.
	mu sync.Mutex
}

// Open initializes backend's schema (idempotent) and restores the audit
// chain tail by scanning the existing log, then returns a ready Repository.
func Open(ctx context.Context, backend store.Store, cfg config.Config) (*Repository, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("repo: tenant_id is required")
	}
	if err := backend.Initialize(ctx); err != nil {
		return nil, err
	}
	r := &Repository{
		backend:  backend,
		refs:     refs.New(backend, cfg.TenantID),
		tenantID: cfg.TenantID,
		cfg:      cfg,
		lastHash: string(canon.Sentinel),
	}
	if err := r.restoreChainTail(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// restoreChainTail scans the existing log on Open to recover the
// in-process seq/prev_hash state a fresh Repository needs to keep
// appending the chain correctly.
func (r *Repository) restoreChainTail(ctx context.Context) error {
	recs, err := r.backend.ReadLog(ctx, r.tenantID, 0, 0)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	last := recs[len(recs)-1]
	for _, rec := range recs {
		if rec.Seq > last.Seq {
			last = rec
		}
	}
	r.seq = last.Seq + 1
	entry, err := audit.Decode(last.Data)
	if err != nil {
		return err
	}
	r.lastHash = entry.SelfHash
	return nil
}

// appendAudit appends the next chain entry under the repository's
// in-process seq/prev_hash lock, the serialization mechanism spec §5
// allows in place of a backend-level primitive for log ordering.
func (r *Repository) appendAudit(ctx context.Context, action, actor string, commitHash *string, details interface{}) error {
	entry, err := audit.Append(ctx, r.backend, r.tenantID, r.seq, r.lastHash, actor, action, commitHash, details)
	if err != nil {
		return err
	}
	r.seq++
	r.lastHash = entry.SelfHash
	return nil
}

func (r *Repository) loadCommit(ctx context.Context, hash string) (objects.Commit, error) {
	data, err := r.backend.GetObject(ctx, r.tenantID, store.KindCommit, hash)
	if err != nil {
		return objects.Commit{}, err
	}
	c, err := objects.DecodeCommit(data)
	if err != nil {
		return objects.Commit{}, &cerr.Corrupt{Hash: hash, Reason: err.Error()}
	}
	return c, nil
}

func (r *Repository) loadState(ctx context.Context, commitHash string) (objects.AgentState, error) {
	c, err := r.loadCommit(ctx, commitHash)
	if err != nil {
		return objects.AgentState{}, err
	}
	blob, err := r.backend.GetObject(ctx, r.tenantID, store.KindBlob, string(c.TreeHash))
	if err != nil {
		return objects.AgentState{}, err
	}
	return objects.DecodeAgentState(blob)
}

func (r *Repository) putState(ctx context.Context, state objects.AgentState) (string, error) {
	blob, hash, err := objects.NewBlobFromState(state)
	if err != nil {
		return "", err
	}
	if err := r.backend.PutObject(ctx, r.tenantID, store.KindBlob, string(hash), blob.Bytes); err != nil {
		return "", err
	}
	return string(hash), nil
}

func (r *Repository) putCommit(ctx context.Context, c objects.Commit) (string, error) {
	hash, err := c.Hash()
	if err != nil {
		return "", err
	}
	encoded, err := c.Encode()
	if err != nil {
		return "", err
	}
	if err := r.backend.PutObject(ctx, r.tenantID, store.KindCommit, string(hash), encoded); err != nil {
		return "", err
	}
	return string(hash), nil
}

// Commit canonicalizes state, writes its blob and commit objects, advances
// the current branch via CAS (or moves a detached HEAD), and appends an
// audit entry. Returns the new commit hash.
func (r *Repository) Commit(ctx context.Context, state objects.AgentState, message, author string, actionType objects.ActionType) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked(ctx, state, message, author, actionType)
}

// commitLocked is Commit's body, factored out so Revert can perform a
// commit while already holding mu without deadlocking on a second Lock.
func (r *Repository) commitLocked(ctx context.Context, state objects.AgentState, message, author string, actionType objects.ActionType) (string, error) {
	if err := state.Validate(); err != nil {
		return "", err
	}
	if !actionType.Valid() {
		return "", fmt.Errorf("repo: invalid action_type %q", actionType)
	}
	treeHash, err := r.putStateHash(ctx, state)
	if err != nil {
		return "", err
	}

	headHash, attached, branch, err := r.headState(ctx)
	if err != nil {
		return "", err
	}
	var parents []canon.Hash
	if headHash != "" {
		parents = []canon.Hash{canon.Hash(headHash)}
	}
	c := objects.Commit{
		TreeHash:     canon.Hash(treeHash),
		ParentHashes: parents,
		Message:      message,
		Author:       author,
		Timestamp:    time.Now().UTC(),
		ActionType:   actionType,
	}
	commitHash, err := r.putCommit(ctx, c)
	if err != nil {
		return "", err
	}

	if attached {
		expected := headPtr(headHash)
		if err := r.refs.AdvanceBranch(ctx, branch, expected, commitHash); err != nil {
			return "", err
		}
		if headHash == "" {
			// First commit this repository has ever seen: make the
			// implicit "main" attachment explicit so future HEAD
			// resolution doesn't depend on the branch-ref-absent fallback.
			if err := r.refs.AttachHead(ctx, branch); err != nil {
				return "", err
			}
		}
	} else {
		if err := r.refs.DetachHead(ctx, commitHash); err != nil {
			return "", err
		}
	}

	if err := r.appendAudit(ctx, "commit", author, &commitHash, nil); err != nil {
		return "", err
	}
	log.Logger.Info().Str("commit", commitHash).Str("action", string(actionType)).Msg("repo: committed")
	return commitHash, nil
}

func (r *Repository) putStateHash(ctx context.Context, state objects.AgentState) (string, error) {
	return r.putState(ctx, state)
}

func headPtr(h string) *string {
	if h == "" {
		return nil
	}
	return &h
}

// headState resolves HEAD, reporting the current commit hash (empty if
// unset), whether HEAD is attached, and the attached branch name if so.
func (r *Repository) headState(ctx context.Context) (hash string, attached bool, branch string, err error) {
	branch, attached, err = r.refs.CurrentBranch(ctx)
	if err != nil {
		return "", false, "", err
	}
	if !attached {
		h, ok, err := r.refs.ResolveHead(ctx)
		if err != nil {
			return "", false, "", err
		}
		if !ok {
			// Empty repository: first commit auto-creates main, attached.
			return "", true, "main", nil
		}
		return h, false, "", nil
	}
	h, ok, err := r.refs.ResolveHead(ctx)
	if err != nil {
		return "", false, "", err
	}
	if !ok {
		return "", true, branch, nil
	}
	return h, true, branch, nil
}

// Branch creates name pointing at the resolution of from (default HEAD).
func (r *Repository) Branch(ctx context.Context, name string, from string) error {
	target, err := r.resolveTarget(ctx, from)
	if err != nil {
		return err
	}
	return r.refs.CreateBranch(ctx, name, target)
}

// resolveTarget resolves a branch name, a raw commit hash, or empty
// (meaning HEAD) to a concrete commit hash.
func (r *Repository) resolveTarget(ctx context.Context, target string) (string, error) {
	if target == "" {
		h, _, _, err := r.headState(ctx)
		if err != nil {
			return "", err
		}
		if h == "" {
			return "", &cerr.NotFound{Kind: "branch", ID: "HEAD"}
		}
		return h, nil
	}
	if h, ok, err := r.refs.GetBranch(ctx, target); err != nil {
		return "", err
	} else if ok {
		return h, nil
	}
	if ok, err := r.backend.HasObject(ctx, r.tenantID, store.KindCommit, target); err != nil {
		return "", err
	} else if ok {
		return target, nil
	}
	return "", &cerr.NotFound{Kind: "branch", ID: target}
}

// Checkout attaches or detaches HEAD at target and returns the checked-out
// state.
func (r *Repository) Checkout(ctx context.Context, target string) (objects.AgentState, error) {
	hash, err := r.resolveTarget(ctx, target)
	if err != nil {
		return objects.AgentState{}, err
	}
	if _, err := r.refs.Checkout(ctx, target); err != nil {
		return objects.AgentState{}, err
	}
	return r.loadState(ctx, hash)
}

// Diff computes the structural difference between two commits' states.
func (r *Repository) Diff(ctx context.Context, h1, h2 string) (diff3.StateDiff, error) {
	s1, err := r.loadState(ctx, h1)
	if err != nil {
		return diff3.StateDiff{}, err
	}
	s2, err := r.loadState(ctx, h2)
	if err != nil {
		return diff3.StateDiff{}, err
	}
	return diff3.Diff(s1, s2)
}

// Merge merges branch into the current branch using strategy.
func (r *Repository) Merge(ctx context.Context, branch string, strategy diff3.Strategy, author string, strict bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	theirsHash, ok, err := r.refs.GetBranch(ctx, branch)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &cerr.BranchNotFound{Name: branch}
	}
	oursHash, attached, currentBranch, err := r.headState(ctx)
	if err != nil {
		return "", err
	}
	if !attached {
		return "", fmt.Errorf("repo: cannot merge into a detached HEAD")
	}
	if oursHash == "" {
		return "", &cerr.NotFound{Kind: "branch", ID: currentBranch}
	}

	baseHash, err := diff3.FindMergeBase(ctx, r.loadCommit, oursHash, theirsHash, r.cfg.MergeBaseDepthLimit)
	if err != nil {
		return "", err
	}

	var baseState objects.AgentState
	if baseHash != "" {
		baseState, err = r.loadState(ctx, baseHash)
		if err != nil {
			return "", err
		}
	}
	oursState, err := r.loadState(ctx, oursHash)
	if err != nil {
		return "", err
	}
	theirsState, err := r.loadState(ctx, theirsHash)
	if err != nil {
		return "", err
	}

	result, err := diff3.Merge(baseState, oursState, theirsState, strategy, strict)
	if err != nil {
		return "", err
	}

	treeHash, err := r.putState(ctx, result.State)
	if err != nil {
		return "", err
	}
	c := objects.Commit{
		TreeHash:     canon.Hash(treeHash),
		ParentHashes: []canon.Hash{canon.Hash(oursHash), canon.Hash(theirsHash)},
		Message:      fmt.Sprintf("merge %s into %s", branch, currentBranch),
		Author:       author,
		Timestamp:    time.Now().UTC(),
		ActionType:   objects.ActionMerge,
	}
	commitHash, err := r.putCommit(ctx, c)
	if err != nil {
		return "", err
	}
	expected := headPtr(oursHash)
	if err := r.refs.AdvanceBranch(ctx, currentBranch, expected, commitHash); err != nil {
		return "", err
	}
	if err := r.appendAudit(ctx, "merge", author, &commitHash, map[string]interface{}{"branch": branch, "strategy": string(strategy), "conflicts": result.Conflicts}); err != nil {
		return "", err
	}
	return commitHash, nil
}

// Revert loads the state at hash and commits it as a new tip on top of the
// current HEAD (not the target), leaving history untouched.
func (r *Repository) Revert(ctx context.Context, hash string, author string) (objects.AgentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, err := r.loadState(ctx, hash)
	if err != nil {
		return objects.AgentState{}, err
	}
	// The reverted state's cost is preserved verbatim from the target
	// commit; revert restores a prior snapshot exactly rather than
	// resetting its cost to the current tip's.
	if _, err := r.commitLocked(ctx, target, fmt.Sprintf("revert to %s", hash), author, objects.ActionRollback); err != nil {
		return objects.AgentState{}, err
	}
	return target, nil
}

// Log returns commits reachable from branch's tip (default HEAD) by
// breadth-first traversal, each visited at most once, sorted descending by
// timestamp, bounded by limit (0 uses the configured default).
func (r *Repository) Log(ctx context.Context, branch string, limit int) ([]objects.Commit, error) {
	if limit <= 0 {
		limit = r.cfg.LogLimitDefault
		if limit <= 0 {
			limit = 50
		}
	}
	tip, err := r.resolveTarget(ctx, branch)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	queue := []string{tip}
	var commits []objects.Commit
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		c, err := r.loadCommit(ctx, h)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
		for _, p := range c.ParentHashes {
			queue = append(queue, string(p))
		}
	}
	sort.Slice(commits, func(i, j int) bool {
		return commits[i].Timestamp.After(commits[j].Timestamp)
	})
	if len(commits) > limit {
		commits = commits[:limit]
	}
	return commits, nil
}

// Status reports HEAD, the attached branch (if any), and every branch.
type Status struct {
	Head          string
	CurrentBranch string
	Detached      bool
	Branches      map[string]string
}

func (r *Repository) Status(ctx context.Context) (Status, error) {
	head, attached, branch, err := r.headState(ctx)
	if err != nil {
		return Status{}, err
	}
	branches, err := r.refs.ListBranches(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Head: head, CurrentBranch: branch, Detached: !attached, Branches: branches}, nil
}

// GetState loads the AgentState committed at hash, exported for
// collaborators that need a read path without going through Checkout.
func (r *Repository) GetState(ctx context.Context, hash string) (objects.AgentState, error) {
	return r.loadState(ctx, hash)
}

// GetCommit exposes the raw commit record at hash.
func (r *Repository) GetCommit(ctx context.Context, hash string) (objects.Commit, error) {
	return r.loadCommit(ctx, hash)
}

// Backend exposes the underlying store.Store for collaborators that need
// direct access (GC, audit retention, migration).
func (r *Repository) Backend() store.Store { return r.backend }

// TenantID returns the tenant this repository is scoped to.
func (r *Repository) TenantID() string { return r.tenantID }

// Close releases the underlying backend.
func (r *Repository) Close() error { return r.backend.Close() }
