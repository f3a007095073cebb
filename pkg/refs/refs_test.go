package refs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/refs"
	"agentcodex/pkg/store/filestore"
)

func newTestBackend(t *testing.T) *filestore.FileStore {
	t.Helper()
	fs, err := filestore.Open(t.TempDir() + "/refs.db")
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	require.NoError(t, fs.Initialize(context.Background()))
	return fs
}

func TestCreateAndCheckoutBranch(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := refs.New(backend, "tenant-a")

	require.NoError(t, m.CreateBranch(ctx, "main", "deadbeef"))

	hash, err := m.Checkout(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, "deadbeef", hash)

	branch, attached, err := m.CurrentBranch(ctx)
	require.NoError(t, err)
	require.True(t, attached)
	require.Equal(t, "main", branch)

	head, ok, err := m.ResolveHead(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "deadbeef", head)
}

func TestCreateBranchAlreadyExists(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := refs.New(backend, "tenant-a")

	require.NoError(t, m.CreateBranch(ctx, "main", "hash1"))
	err := m.CreateBranch(ctx, "main", "hash2")
	require.Error(t, err)
	var exists *cerr.AlreadyExists
	require.ErrorAs(t, err, &exists)
}

func TestDetachedCheckoutByHash(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := refs.New(backend, "tenant-a")
	require.NoError(t, m.CreateBranch(ctx, "main", "hash1"))
	require.NoError(t, m.AttachHead(ctx, "main"))

	hash, err := m.Checkout(ctx, "somecommithash")
	require.NoError(t, err)
	require.Equal(t, "somecommithash", hash)

	_, attached, err := m.CurrentBranch(ctx)
	require.NoError(t, err)
	require.False(t, attached)
}

func TestDeleteAttachedBranchRefused(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := refs.New(backend, "tenant-a")
	require.NoError(t, m.CreateBranch(ctx, "main", "hash1"))
	require.NoError(t, m.AttachHead(ctx, "main"))

	err := m.DeleteBranch(ctx, "main")
	require.Error(t, err)
	var inv *cerr.InvalidName
	require.ErrorAs(t, err, &inv)
}

func TestAdvanceBranchCASConflict(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	m := refs.New(backend, "tenant-a")
	require.NoError(t, m.CreateBranch(ctx, "main", "hash1"))

	wrong := "not-the-real-value"
	err := m.AdvanceBranch(ctx, "main", &wrong, "hash2")
	require.Error(t, err)
	var conflict *cerr.Conflict
	require.ErrorAs(t, err, &conflict)
}

func TestValidateBranchNameRejectsWhitespaceAndEmpty(t *testing.T) {
	require.Error(t, refs.ValidateBranchName(""))
	require.Error(t, refs.ValidateBranchName("has space"))
	require.Error(t, refs.ValidateBranchName("HEAD"))
	require.NoError(t, refs.ValidateBranchName("feature/x"))
}
