package sqlstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
	"agentcodex/pkg/store/sqlstore"
)

func newBackend(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	db, err := sqlstore.Open(t.TempDir()+"/store.sqlite", 4)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func TestPutGetObjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	require.NoError(t, db.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("payload")))
	got, err := db.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestPutObjectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	require.NoError(t, db.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("first")))
	require.NoError(t, db.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("second")))

	got, err := db.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestGetObjectMissing(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	_, err := db.GetObject(ctx, "tenant-a", store.KindBlob, "missing")
	require.Error(t, err)
	var nf *cerr.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestCASRefSemantics(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	require.NoError(t, db.CASRef(ctx, "tenant-a", "refs/heads/main", nil, "h1"))

	err := db.CASRef(ctx, "tenant-a", "refs/heads/main", nil, "h2")
	require.Error(t, err)
	var conflict *cerr.Conflict
	require.ErrorAs(t, err, &conflict)

	current := "h1"
	require.NoError(t, db.CASRef(ctx, "tenant-a", "refs/heads/main", &current, "h2"))

	value, ok, err := db.GetRef(ctx, "tenant-a", "refs/heads/main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "h2", value)
}

func TestDeleteRefMissing(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	err := db.DeleteRef(ctx, "tenant-a", "refs/heads/ghost")
	require.Error(t, err)
	var nf *cerr.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	require.NoError(t, db.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("payload")))
	require.NoError(t, db.DeleteObject(ctx, "tenant-a", store.KindBlob, "h1"))

	_, err := db.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.Error(t, err)
	var nf *cerr.NotFound
	require.ErrorAs(t, err, &nf)

	require.NoError(t, db.DeleteObject(ctx, "tenant-a", store.KindBlob, "missing"))
}

func TestAppendAndReadLog(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	for i := int64(0); i < 3; i++ {
		require.NoError(t, db.AppendLog(ctx, "tenant-a", i, []byte("entry")))
	}

	recs, err := db.ReadLog(ctx, "tenant-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(1), recs[0].Seq)
	require.Equal(t, int64(2), recs[1].Seq)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	db := newBackend(t)

	require.NoError(t, db.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("a")))
	require.NoError(t, db.PutObject(ctx, "tenant-b", store.KindBlob, "h1", []byte("b")))

	a, err := db.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), a)

	b, err := db.GetObject(ctx, "tenant-b", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("b"), b)
}
