// Package blobstore implements store.Store against an eventually-consistent
// HTTP object gateway (S3-, GCS-, or IPFS-gateway-shaped), per spec §4.3's
// blob-store backend profile: every key starts with the tenant id, with
// objects at "<tenant>/objects/<kind>/<hash>", refs at "<tenant>/refs/<name>",
// and logs at "<tenant>/logs/<zero-padded seq>.json". Object payloads above
// the compression threshold are zstd-compressed before upload. CAS is
// implemented with a lease object since most HTTP object gateways have no
// native conditional-put; conflicts are therefore expected to be more
// frequent than on the other two backends, and callers must tolerate that.
//
// HTTPGateway speaks to any PUT/GET/HEAD/DELETE/LIST-shaped object gateway
// with a context-scoped client, manual *http.Request construction, and
// best-effort response draining.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"agentcodex/internal/log"
	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

// Gateway is the minimal HTTP object-storage capability blobstore needs.
// Production deployments point this at an S3-, GCS-, or IPFS-gateway-backed
// implementation; tests use an in-memory implementation.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// BlobStore is the eventually-consistent backend.
type BlobStore struct {
	gw                Gateway
	compressThreshold int64
	notifyURL         string
	notifyClient      *http.Client
	enc               *zstd.Encoder
	dec               *zstd.Decoder
}

// Option configures a BlobStore at construction.
type Option func(*BlobStore)

// WithNotify sets a fire-and-forget webhook posted to on every log append.
func WithNotify(url string) Option {
	return func(b *BlobStore) { b.notifyURL = url }
}

// New builds a BlobStore over gw, compressing payloads larger than
// compressThresholdBytes (spec §6 default 1024).
func New(gw Gateway, compressThresholdBytes int64, opts ...Option) (*BlobStore, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: init zstd decoder: %w", err)
	}
	b := &BlobStore{
		gw:                gw,
		compressThreshold: compressThresholdBytes,
		notifyClient:      &http.Client{Timeout: 10 * time.Second},
		enc:               enc,
		dec:               dec,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

const (
	flagRaw        byte = 0x00
	flagCompressed byte = 0x01
)

func (b *BlobStore) encodePayload(data []byte) []byte {
	if int64(len(data)) <= b.compressThreshold {
		return append([]byte{flagRaw}, data...)
	}
	compressed := b.enc.EncodeAll(data, nil)
	return append([]byte{flagCompressed}, compressed...)
}

func (b *BlobStore) decodePayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("blobstore: empty payload")
	}
	flag, body := data[0], data[1:]
	switch flag {
	case flagRaw:
		return body, nil
	case flagCompressed:
		out, err := b.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("blobstore: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("blobstore: unknown payload flag %#x", flag)
	}
}

func objectKey(tenantID string, kind store.Kind, hash string) string {
	return path.Join(tenantID, "objects", string(kind), hash)
}

func refKey(tenantID, name string) string {
	return path.Join(tenantID, "refs", name)
}

func leaseKey(tenantID, name string) string {
	return path.Join(tenantID, "refs", name+".lease")
}

func logKey(tenantID string, seq int64) string {
	return path.Join(tenantID, "logs", fmt.Sprintf("%020d.json", seq))
}

func (s *BlobStore) Initialize(ctx context.Context) error { return nil }
func (s *BlobStore) Close() error                         { return nil }

func (s *BlobStore) Healthcheck(ctx context.Context) error {
	if _, err := s.gw.List(ctx, ""); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *BlobStore) PutObject(ctx context.Context, tenantID string, kind store.Kind, hash string, data []byte) error {
	key := objectKey(tenantID, kind, hash)
	exists, err := s.gw.Exists(ctx, key)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	if exists {
		return nil
	}
	if err := s.gw.Put(ctx, key, s.encodePayload(data)); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *BlobStore) GetObject(ctx context.Context, tenantID string, kind store.Kind, hash string) ([]byte, error) {
	raw, err := s.gw.Get(ctx, objectKey(tenantID, kind, hash))
	if err != nil {
		if isNotFound(err) {
			return nil, &cerr.NotFound{Kind: "hash", ID: hash}
		}
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	data, err := s.decodePayload(raw)
	if err != nil {
		return nil, &cerr.Corrupt{Hash: hash, Reason: err.Error()}
	}
	return data, nil
}

func (s *BlobStore) HasObject(ctx context.Context, tenantID string, kind store.Kind, hash string) (bool, error) {
	ok, err := s.gw.Exists(ctx, objectKey(tenantID, kind, hash))
	if err != nil {
		return false, &cerr.BackendUnavailable{Cause: err}
	}
	return ok, nil
}

func (s *BlobStore) DeleteObject(ctx context.Context, tenantID string, kind store.Kind, hash string) error {
	if err := s.gw.Delete(ctx, objectKey(tenantID, kind, hash)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *BlobStore) IterObjects(ctx context.Context, tenantID string, kind store.Kind, fn func(hash string, data []byte) error) error {
	prefix := path.Join(tenantID, "objects", string(kind)) + "/"
	keys, err := s.gw.List(ctx, prefix)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	for _, k := range keys {
		hash := strings.TrimPrefix(k, prefix)
		raw, err := s.gw.Get(ctx, k)
		if err != nil {
			return &cerr.BackendUnavailable{Cause: err}
		}
		data, err := s.decodePayload(raw)
		if err != nil {
			return &cerr.Corrupt{Hash: hash, Reason: err.Error()}
		}
		if err := fn(hash, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BlobStore) GetRef(ctx context.Context, tenantID string, name string) (string, bool, error) {
	raw, err := s.gw.Get(ctx, refKey(tenantID, name))
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, &cerr.BackendUnavailable{Cause: err}
	}
	return string(raw), true, nil
}

func (s *BlobStore) SetRef(ctx context.Context, tenantID string, name string, value string) error {
	if err := s.gw.Put(ctx, refKey(tenantID, name), []byte(value)); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *BlobStore) DeleteRef(ctx context.Context, tenantID string, name string) error {
	exists, err := s.gw.Exists(ctx, refKey(tenantID, name))
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	if !exists {
		return &cerr.NotFound{Kind: "ref", ID: name}
	}
	if err := s.gw.Delete(ctx, refKey(tenantID, name)); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	return nil
}

func (s *BlobStore) ListRefs(ctx context.Context, tenantID string) (map[string]string, error) {
	prefix := path.Join(tenantID, "refs") + "/"
	keys, err := s.gw.List(ctx, prefix)
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	out := map[string]string{}
	for _, k := range keys {
		if strings.HasSuffix(k, ".lease") {
			continue
		}
		raw, err := s.gw.Get(ctx, k)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = string(raw)
	}
	return out, nil
}

// CASRef takes a lease on the ref (a best-effort mutual-exclusion object),
// re-reads the current value under the lease, compares against expected,
// writes if it matches, then releases the lease. Because most HTTP object
// gateways lack a native conditional-put, this is advisory rather than
// strictly atomic, and spec §4.3 explicitly allows a higher Conflict rate on
// this backend than on filestore/sqlstore.
func (s *BlobStore) CASRef(ctx context.Context, tenantID string, name string, expected *string, newValue string) error {
	lk := leaseKey(tenantID, name)
	held, err := s.gw.Exists(ctx, lk)
	if err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	if held {
		return &cerr.Conflict{Ref: name, Expected: derefOr(expected, "<absent>"), Actual: "<locked>"}
	}
	if err := s.gw.Put(ctx, lk, []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	defer func() {
		if err := s.gw.Delete(ctx, lk); err != nil {
			log.Logger.Warn().Err(err).Str("ref", name).Msg("blobstore: failed to release CAS lease")
		}
	}()

	current, ok, err := s.GetRef(ctx, tenantID, name)
	if err != nil {
		return err
	}
	switch {
	case expected == nil && ok:
		return &cerr.Conflict{Ref: name, Expected: "<absent>", Actual: current}
	case expected != nil && !ok:
		return &cerr.Conflict{Ref: name, Expected: *expected, Actual: "<absent>"}
	case expected != nil && ok && *expected != current:
		return &cerr.Conflict{Ref: name, Expected: *expected, Actual: current}
	}
	return s.SetRef(ctx, tenantID, name, newValue)
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func (s *BlobStore) AppendLog(ctx context.Context, tenantID string, seq int64, data []byte) error {
	if err := s.gw.Put(ctx, logKey(tenantID, seq), data); err != nil {
		return &cerr.BackendUnavailable{Cause: err}
	}
	s.notify(tenantID, seq)
	return nil
}

// notify fires a best-effort webhook POST when sqs_notify_url is configured.
// Failures are logged, never returned: the commit path must never block on
// the notification sink (spec §4.3).
func (s *BlobStore) notify(tenantID string, seq int64) {
	if s.notifyURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		body := strings.NewReader(fmt.Sprintf(`{"tenant_id":%q,"seq":%d}`, tenantID, seq))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.notifyURL, body)
		if err != nil {
			log.Logger.Warn().Err(err).Msg("blobstore: build notify request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.notifyClient.Do(req)
		if err != nil {
			log.Logger.Warn().Err(err).Str("url", s.notifyURL).Msg("blobstore: notify post failed")
			return
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
	}()
}

func (s *BlobStore) ReadLog(ctx context.Context, tenantID string, startSeq int64, limit int) ([]store.LogRecord, error) {
	prefix := path.Join(tenantID, "logs") + "/"
	keys, err := s.gw.List(ctx, prefix)
	if err != nil {
		return nil, &cerr.BackendUnavailable{Cause: err}
	}
	var out []store.LogRecord
	for _, k := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json")
		seq, convErr := strconv.ParseInt(name, 10, 64)
		if convErr != nil || seq < startSeq {
			continue
		}
		data, err := s.gw.Get(ctx, k)
		if err != nil {
			return nil, &cerr.BackendUnavailable{Cause: err}
		}
		out = append(out, store.LogRecord{Seq: seq, Data: data})
	}
	sortLogRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortLogRecords(recs []store.LogRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].Seq > recs[j].Seq; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

func isNotFound(err error) bool {
	var hErr *HTTPError
	if ok := asHTTPError(err, &hErr); ok {
		return hErr.StatusCode == http.StatusNotFound
	}
	return false
}

func asHTTPError(err error, target **HTTPError) bool {
	he, ok := err.(*HTTPError)
	if ok {
		*target = he
	}
	return ok
}

// HTTPError wraps a non-2xx gateway response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("blobstore: gateway %s returned status %d", e.URL, e.StatusCode)
}

// HTTPGateway is a Gateway backed by a plain HTTP PUT/GET/HEAD/DELETE object
// API: construct the request with context, do it, drain and close the
// body. baseURL is the gateway root; keys are joined onto it as path
// segments.
type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPGateway builds an HTTPGateway with a sane default client timeout.
func NewHTTPGateway(baseURL string) *HTTPGateway {
	return &HTTPGateway{BaseURL: baseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (g *HTTPGateway) urlFor(key string) string {
	u, err := url.Parse(g.BaseURL)
	if err != nil {
		return strings.TrimRight(g.BaseURL, "/") + "/" + key
	}
	u.Path = path.Join(u.Path, key)
	return u.String()
}

func (g *HTTPGateway) Put(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.urlFor(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	return nil
}

func (g *HTTPGateway) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.urlFor(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	return io.ReadAll(resp.Body)
}

func (g *HTTPGateway) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.urlFor(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode/100 == 2, nil
}

func (g *HTTPGateway) List(ctx context.Context, prefix string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.urlFor(prefix)+"?list=true", nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	var out []string
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

func (g *HTTPGateway) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.urlFor(key), nil)
	if err != nil {
		return err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String()}
	}
	return nil
}

var _ store.Store = (*BlobStore)(nil)
var _ Gateway = (*HTTPGateway)(nil)
