package blobstore_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
	"agentcodex/pkg/store/blobstore"
)

// memGateway is an in-memory Gateway, letting blobstore's object/ref/log
// logic be exercised without a real HTTP server.
type memGateway struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemGateway() *memGateway {
	return &memGateway{data: map[string][]byte{}}
}

func (g *memGateway) Put(ctx context.Context, key string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := append([]byte(nil), data...)
	g.data[key] = cp
	return nil
}

func (g *memGateway) Get(ctx context.Context, key string) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.data[key]
	if !ok {
		return nil, &blobstore.HTTPError{StatusCode: 404, URL: key}
	}
	return append([]byte(nil), v...), nil
}

func (g *memGateway) Exists(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.data[key]
	return ok, nil
}

func (g *memGateway) List(ctx context.Context, prefix string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for k := range g.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (g *memGateway) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.data, key)
	return nil
}

func TestPutObjectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("first")))
	require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("second")))

	got, err := bs.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got)
}

func TestGetObjectNotFound(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	_, err = bs.GetObject(ctx, "tenant-a", store.KindBlob, "missing")
	require.Error(t, err)
	var nf *cerr.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestCompressedPayloadRoundTrips(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 16) // tiny threshold forces compression

	require.NoError(t, err)
	payload := bytes.Repeat([]byte("agent-state-payload-"), 200)
	require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, "big", payload))

	got, err := bs.GetObject(ctx, "tenant-a", store.KindBlob, "big")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestCASRefConflictAndSuccess(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	require.NoError(t, bs.CASRef(ctx, "tenant-a", "refs/heads/main", nil, "hash1"))

	wrong := "not-hash1"
	err = bs.CASRef(ctx, "tenant-a", "refs/heads/main", &wrong, "hash2")
	require.Error(t, err)
	var conflict *cerr.Conflict
	require.ErrorAs(t, err, &conflict)

	right := "hash1"
	require.NoError(t, bs.CASRef(ctx, "tenant-a", "refs/heads/main", &right, "hash2"))

	value, ok, err := bs.GetRef(ctx, "tenant-a", "refs/heads/main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hash2", value)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("payload")))
	require.NoError(t, bs.DeleteObject(ctx, "tenant-a", store.KindBlob, "h1"))

	_, err = bs.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.Error(t, err)
	var nf *cerr.NotFound
	require.ErrorAs(t, err, &nf)

	require.NoError(t, bs.DeleteObject(ctx, "tenant-a", store.KindBlob, "missing"))
}

func TestIterObjectsVisitsAll(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, fmt.Sprintf("h%d", i), []byte("data")))
	}

	seen := map[string]bool{}
	err = bs.IterObjects(ctx, "tenant-a", store.KindBlob, func(hash string, data []byte) error {
		seen[hash] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
}

func TestAppendAndReadLogOrdered(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	for _, seq := range []int64{2, 0, 1} {
		require.NoError(t, bs.AppendLog(ctx, "tenant-a", seq, []byte(fmt.Sprintf("entry-%d", seq))))
	}

	recs, err := bs.ReadLog(ctx, "tenant-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, int64(0), recs[0].Seq)
	require.Equal(t, int64(1), recs[1].Seq)
	require.Equal(t, int64(2), recs[2].Seq)
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	gw := newMemGateway()
	bs, err := blobstore.New(gw, 1024)
	require.NoError(t, err)

	require.NoError(t, bs.PutObject(ctx, "tenant-a", store.KindBlob, "h1", []byte("a-data")))
	require.NoError(t, bs.PutObject(ctx, "tenant-b", store.KindBlob, "h1", []byte("b-data")))

	a, err := bs.GetObject(ctx, "tenant-a", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("a-data"), a)

	b, err := bs.GetObject(ctx, "tenant-b", store.KindBlob, "h1")
	require.NoError(t, err)
	require.Equal(t, []byte("b-data"), b)
}
