package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/config"
	"agentcodex/pkg/diff3"
	"agentcodex/pkg/objects"
	"agentcodex/pkg/repo"
	"agentcodex/pkg/store/filestore"
)

func newRepo(t *testing.T) *repo.Repository {
	t.Helper()
	fs, err := filestore.Open(t.TempDir() + "/repo.db")
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	cfg := config.DefaultConfig("tenant-a", config.BackendFile, "")
	r, err := repo.Open(context.Background(), fs, cfg)
	require.NoError(t, err)
	return r
}

func stateAt(step float64) objects.AgentState {
	return objects.AgentState{
		Memory:     map[string]interface{}{"step": step},
		WorldState: map[string]interface{}{},
		Timestamp:  time.Now().UTC(),
	}
}

func TestFirstCommitAutoCreatesMainAndAttaches(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	hash, err := r.Commit(ctx, stateAt(0), "first", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	status, err := r.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Detached)
	require.Equal(t, "main", status.CurrentBranch)
	require.Equal(t, hash, status.Head)
}

func TestCommitChainAdvancesBranch(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	h1, err := r.Commit(ctx, stateAt(0), "c1", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)
	h2, err := r.Commit(ctx, stateAt(1), "c2", "agent-1", objects.ActionToolCall)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	commit, err := r.GetCommit(ctx, h2)
	require.NoError(t, err)
	require.Len(t, commit.ParentHashes, 1)
	require.Equal(t, h1, string(commit.ParentHashes[0]))
}

func TestBranchCheckoutAndDetach(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	h1, err := r.Commit(ctx, stateAt(0), "c1", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)

	require.NoError(t, r.Branch(ctx, "feature", ""))
	_, err = r.Checkout(ctx, "feature")
	require.NoError(t, err)

	status, err := r.Status(ctx)
	require.NoError(t, err)
	require.False(t, status.Detached)
	require.Equal(t, "feature", status.CurrentBranch)

	_, err = r.Checkout(ctx, h1)
	require.NoError(t, err)
	status, err = r.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Detached)
}

func TestMergeThreeWayNoConflict(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	base, err := r.Commit(ctx, stateAt(0), "base", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)
	require.NoError(t, r.Branch(ctx, "feature", base))

	_, err = r.Commit(ctx, objects.AgentState{
		Memory:     map[string]interface{}{"step": 0.0, "main_field": 1.0},
		WorldState: map[string]interface{}{},
		Timestamp:  time.Now().UTC(),
	}, "main change", "agent-1", objects.ActionToolCall)
	require.NoError(t, err)

	_, err = r.Checkout(ctx, "feature")
	require.NoError(t, err)
	_, err = r.Commit(ctx, objects.AgentState{
		Memory:     map[string]interface{}{"step": 0.0, "feature_field": 2.0},
		WorldState: map[string]interface{}{},
		Timestamp:  time.Now().UTC(),
	}, "feature change", "agent-1", objects.ActionToolCall)
	require.NoError(t, err)

	_, err = r.Checkout(ctx, "main")
	require.NoError(t, err)

	mergeHash, err := r.Merge(ctx, "feature", diff3.StrategyThreeWay, "agent-1", false)
	require.NoError(t, err)

	merged, err := r.GetState(ctx, mergeHash)
	require.NoError(t, err)
	mem := merged.Memory.(map[string]interface{})
	require.Contains(t, mem, "main_field")
	require.Contains(t, mem, "feature_field")
}

func TestRevertPreservesTargetCostAndAddsNewTip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	s1 := stateAt(0)
	s1.Cost = 1.5
	h1, err := r.Commit(ctx, s1, "c1", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)

	s2 := stateAt(1)
	s2.Cost = 9.0
	_, err = r.Commit(ctx, s2, "c2", "agent-1", objects.ActionToolCall)
	require.NoError(t, err)

	reverted, err := r.Revert(ctx, h1, "agent-1")
	require.NoError(t, err)
	require.Equal(t, 1.5, reverted.Cost)

	status, err := r.Status(ctx)
	require.NoError(t, err)
	tip, err := r.GetCommit(ctx, status.Head)
	require.NoError(t, err)
	require.Equal(t, objects.ActionRollback, tip.ActionType)
}

func TestLogReturnsDescendingByTimestamp(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	for i := 0; i < 3; i++ {
		_, err := r.Commit(ctx, stateAt(float64(i)), "c", "agent-1", objects.ActionSystemEvent)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	commits, err := r.Log(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i := 1; i < len(commits); i++ {
		require.True(t, !commits[i-1].Timestamp.Before(commits[i].Timestamp))
	}
}

func TestDiffBetweenCommits(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)

	h1, err := r.Commit(ctx, stateAt(0), "c1", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)
	h2, err := r.Commit(ctx, stateAt(1), "c2", "agent-1", objects.ActionToolCall)
	require.NoError(t, err)

	d, err := r.Diff(ctx, h1, h2)
	require.NoError(t, err)
	require.NotEmpty(t, d.Entries)
}

func TestMergeUnknownBranchFails(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	_, err := r.Commit(ctx, stateAt(0), "c1", "agent-1", objects.ActionSystemEvent)
	require.NoError(t, err)

	_, err = r.Merge(ctx, "ghost", diff3.StrategyThreeWay, "agent-1", false)
	require.Error(t, err)
	var nf *cerr.BranchNotFound
	require.ErrorAs(t, err, &nf)
}
