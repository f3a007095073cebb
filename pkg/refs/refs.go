// Package refs implements the reference manager (spec §4.5): the mapping
// from branch names to commit hashes, the HEAD selector, and the
// attach/detach transitions checkout performs. It holds no object data of
// its own — every read and write goes straight through a store.Store.
//
// HEAD follows a git-style symbolic-ref convention: the special ref named
// "HEAD" holds either the literal
// string "ref: refs/heads/<branch>" (attached) or a bare commit hash
// (detached).
package refs

import (
	"context"
	"strings"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

const (
	headRef       = "HEAD"
	branchPrefix  = "refs/heads/"
	symbolicPrefx = "ref: "
)

// Manager is the reference manager for a single tenant.
type Manager struct {
	backend  store.Store
	tenantID string
}

// New builds a Manager over backend, scoped to tenantID.
func New(backend store.Store, tenantID string) *Manager {
	return &Manager{backend: backend, tenantID: tenantID}
}

func branchRefName(name string) string { return branchPrefix + name }

// BranchRefName exposes the branch-ref naming scheme for collaborators
// (e.g. pkg/gc) that need to CAS a branch ref directly without going
// through a Manager.
func BranchRefName(name string) string { return branchRefName(name) }

// ValidateBranchName enforces spec §3's "non-empty, no whitespace" rule.
func ValidateBranchName(name string) error {
	if name == "" {
		return &cerr.InvalidName{Name: name, Reason: "branch name must not be empty"}
	}
	if strings.ContainsAny(name, " \t\n\r") {
		return &cerr.InvalidName{Name: name, Reason: "branch name must not contain whitespace"}
	}
	if name == "HEAD" {
		return &cerr.InvalidName{Name: name, Reason: "HEAD is reserved"}
	}
	return nil
}

// ResolveHead returns the commit hash HEAD currently points at, following
// one level of symbolic indirection if attached to a branch. ok is false if
// HEAD has never been set (empty repository).
func (m *Manager) ResolveHead(ctx context.Context) (hash string, ok bool, err error) {
	value, exists, err := m.backend.GetRef(ctx, m.tenantID, headRef)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}
	branch, attached := parseSymbolic(value)
	if !attached {
		return value, true, nil
	}
	branchValue, exists, err := m.backend.GetRef(ctx, m.tenantID, branchRefName(branch))
	if err != nil {
		return "", false, err
	}
	if !exists {
		// HEAD points at a branch that has no commits yet (e.g. immediately
		// after create_branch from an empty repository is not possible, but
		// a branch ref can be deleted out from under an attached HEAD by a
		// concurrent caller); treat as unresolved rather than erroring.
		return "", false, nil
	}
	return branchValue, true, nil
}

func parseSymbolic(value string) (branch string, ok bool) {
	if strings.HasPrefix(value, symbolicPrefx) {
		return strings.TrimPrefix(strings.TrimPrefix(value, symbolicPrefx), branchPrefix), true
	}
	return "", false
}

// CurrentBranch returns the name HEAD is attached to, or ok=false if HEAD is
// detached or unset.
func (m *Manager) CurrentBranch(ctx context.Context) (name string, ok bool, err error) {
	value, exists, err := m.backend.GetRef(ctx, m.tenantID, headRef)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}
	branch, attached := parseSymbolic(value)
	return branch, attached, nil
}

// AttachHead points HEAD at branch without touching the branch's own value.
func (m *Manager) AttachHead(ctx context.Context, branch string) error {
	return m.backend.SetRef(ctx, m.tenantID, headRef, symbolicPrefx+branchRefName(branch))
}

// DetachHead points HEAD directly at hash.
func (m *Manager) DetachHead(ctx context.Context, hash string) error {
	return m.backend.SetRef(ctx, m.tenantID, headRef, hash)
}

// GetBranch returns the commit hash a branch currently points at.
func (m *Manager) GetBranch(ctx context.Context, name string) (hash string, ok bool, err error) {
	return m.backend.GetRef(ctx, m.tenantID, branchRefName(name))
}

// SetBranch force-sets a branch's value without a CAS check. Used for
// initial branch creation, where there is no prior value to protect.
func (m *Manager) SetBranch(ctx context.Context, name string, hash string) error {
	return m.backend.SetRef(ctx, m.tenantID, branchRefName(name), hash)
}

// AdvanceBranch moves name from expected to newHash using the backend's CAS
// primitive, the sole serialization point for concurrent commits (spec
// §4.5, §5). expected nil means the branch must not yet exist.
func (m *Manager) AdvanceBranch(ctx context.Context, name string, expected *string, newHash string) error {
	return m.backend.CASRef(ctx, m.tenantID, branchRefName(name), expected, newHash)
}

// CreateBranch creates name pointing at fromHash. Fails with
// *cerr.AlreadyExists if the branch already has a value.
func (m *Manager) CreateBranch(ctx context.Context, name string, fromHash string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	err := m.backend.CASRef(ctx, m.tenantID, branchRefName(name), nil, fromHash)
	if err != nil {
		var conflict *cerr.Conflict
		if asConflict(err, &conflict) {
			return &cerr.AlreadyExists{Branch: name}
		}
		return err
	}
	return nil
}

func asConflict(err error, target **cerr.Conflict) bool {
	c, ok := err.(*cerr.Conflict)
	if ok {
		*target = c
	}
	return ok
}

// DeleteBranch removes a branch ref. Fails with *cerr.NotFound if it does
// not exist, or *cerr.InvalidName if it is the currently attached branch
// (spec §4.5: "refuses deletion of the currently attached branch").
func (m *Manager) DeleteBranch(ctx context.Context, name string) error {
	current, attached, err := m.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if attached && current == name {
		return &cerr.InvalidName{Name: name, Reason: "cannot delete the currently attached branch"}
	}
	return m.backend.DeleteRef(ctx, m.tenantID, branchRefName(name))
}

// ListBranches returns every branch name mapped to its commit hash.
func (m *Manager) ListBranches(ctx context.Context) (map[string]string, error) {
	all, err := m.backend.ListRefs(ctx, m.tenantID)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range all {
		if strings.HasPrefix(k, branchPrefix) {
			out[strings.TrimPrefix(k, branchPrefix)] = v
		}
	}
	return out, nil
}

// Checkout resolves target first as a branch name, then as a raw commit
// hash, and updates HEAD accordingly: branch resolution attaches, hash
// resolution detaches. Returns the resolved commit hash.
func (m *Manager) Checkout(ctx context.Context, target string) (hash string, err error) {
	if branchHash, ok, err := m.GetBranch(ctx, target); err != nil {
		return "", err
	} else if ok {
		if err := m.AttachHead(ctx, target); err != nil {
			return "", err
		}
		return branchHash, nil
	}
	if err := m.DetachHead(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}
