// Package crypt implements the optional per-tenant at-rest encryption layer
// (spec §9): a store.Store decorator that derives a key from a
// tenant-supplied passphrase with an Argon2id-class KDF and seals every
// object and log payload in an AEAD envelope before delegating to an inner
// backend. Content hashes are always computed over plaintext canonical
// bytes upstream of this layer, so encryption never affects object
// identity — EncryptedStore only ever sees already-hashed keys and opaque
// payloads.
package crypt

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"agentcodex/pkg/cerr"
	"agentcodex/pkg/store"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, 64 MiB
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize
	saltLen      = 16
)

// envelope is the on-wire sealed form of a payload. It is JSON so a reader
// inspecting raw backend bytes can tell at a glance that an object is
// encrypted, matching the teacher corpus's preference for inspectable
// wire formats over raw binary blobs.
type envelope struct {
	Algorithm string `json:"algorithm"`
	Salt      []byte `json:"salt"`
	Nonce     []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

const algoName = "chacha20poly1305-argon2id"

// KeySource supplies the per-tenant passphrase used to derive an encryption
// key. Implementations might read from a secrets manager, environment, or a
// static config value; EncryptedStore only needs the bytes.
type KeySource interface {
	Passphrase(tenantID string) (string, error)
}

// StaticKeySource is a KeySource backed by a fixed in-memory map, usable
// directly from pkg/config.Config.EncryptionPassphrase for the common
// single-tenant-per-process case.
type StaticKeySource map[string]string

func (s StaticKeySource) Passphrase(tenantID string) (string, error) {
	p, ok := s[tenantID]
	if !ok || p == "" {
		return "", &cerr.EncryptionKeyMissing{TenantID: tenantID}
	}
	return p, nil
}

// EncryptedStore wraps an inner store.Store, sealing object and log
// payloads with a key derived per-tenant. Ref values are left untouched:
// they are commit hashes or symbolic-ref strings, never agent-state
// content, and leaving them in the clear lets the backend's native indexing
// (e.g. SQL queries, bbolt cursors) keep working unmodified.
type EncryptedStore struct {
	inner store.Store
	keys  KeySource
	cache map[string]*cachedKey
}

type cachedKey struct {
	salt []byte
	key  []byte
}

// New builds an EncryptedStore delegating to inner, deriving keys from keys.
func New(inner store.Store, keys KeySource) *EncryptedStore {
	return &EncryptedStore{inner: inner, keys: keys, cache: map[string]*cachedKey{}}
}

// Close zeroizes every cached derived key before delegating to the inner
// backend's Close.
func (e *EncryptedStore) Close() error {
	for _, ck := range e.cache {
		zero(ck.key)
	}
	e.cache = map[string]*cachedKey{}
	return e.inner.Close()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// keyFor derives (or returns the cached) key for tenantID. The salt is
// stored alongside the first object ever sealed for that tenant isn't
// persisted separately by this layer: each envelope carries its own salt,
// so re-derivation per-envelope would be correct too, but caching by a
// single per-process salt avoids re-running Argon2id (memory-hard, and
// deliberately expensive) on every single object.
func (e *EncryptedStore) keyFor(tenantID string) (*cachedKey, error) {
	if ck, ok := e.cache[tenantID]; ok {
		return ck, nil
	}
	pass, err := e.keys.Passphrase(tenantID)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypt: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(pass), salt, argonTime, argonMemory, argonThreads, keyLen)
	ck := &cachedKey{salt: salt, key: key}
	e.cache[tenantID] = ck
	return ck, nil
}

func (e *EncryptedStore) seal(tenantID string, plaintext []byte) ([]byte, error) {
	ck, err := e.keyFor(tenantID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(ck.key)
	if err != nil {
		return nil, fmt.Errorf("crypt: init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	env := envelope{Algorithm: algoName, Salt: ck.salt, Nonce: nonce, Ciphertext: ciphertext}
	return json.Marshal(env)
}

func (e *EncryptedStore) unseal(tenantID string, sealed []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, &cerr.Corrupt{Reason: fmt.Sprintf("crypt: malformed envelope: %v", err)}
	}
	if env.Algorithm != algoName {
		return nil, &cerr.Corrupt{Reason: fmt.Sprintf("crypt: unsupported algorithm %q", env.Algorithm)}
	}
	pass, err := e.keys.Passphrase(tenantID)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(pass), env.Salt, argonTime, argonMemory, argonThreads, keyLen)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, &cerr.Corrupt{Reason: "crypt: authentication failed, ciphertext tampered or wrong key"}
	}
	return plaintext, nil
}

func (e *EncryptedStore) PutObject(ctx context.Context, tenantID string, kind store.Kind, hash string, data []byte) error {
	sealed, err := e.seal(tenantID, data)
	if err != nil {
		return err
	}
	return e.inner.PutObject(ctx, tenantID, kind, hash, sealed)
}

func (e *EncryptedStore) GetObject(ctx context.Context, tenantID string, kind store.Kind, hash string) ([]byte, error) {
	sealed, err := e.inner.GetObject(ctx, tenantID, kind, hash)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.unseal(tenantID, sealed)
	if err != nil {
		var c *cerr.Corrupt
		if asCorrupt(err, &c) {
			c.Hash = hash
		}
		return nil, err
	}
	return plaintext, nil
}

func asCorrupt(err error, target **cerr.Corrupt) bool {
	c, ok := err.(*cerr.Corrupt)
	if ok {
		*target = c
	}
	return ok
}

func (e *EncryptedStore) HasObject(ctx context.Context, tenantID string, kind store.Kind, hash string) (bool, error) {
	return e.inner.HasObject(ctx, tenantID, kind, hash)
}

func (e *EncryptedStore) DeleteObject(ctx context.Context, tenantID string, kind store.Kind, hash string) error {
	return e.inner.DeleteObject(ctx, tenantID, kind, hash)
}

func (e *EncryptedStore) IterObjects(ctx context.Context, tenantID string, kind store.Kind, fn func(hash string, data []byte) error) error {
	return e.inner.IterObjects(ctx, tenantID, kind, func(hash string, sealed []byte) error {
		plaintext, err := e.unseal(tenantID, sealed)
		if err != nil {
			return err
		}
		return fn(hash, plaintext)
	})
}

func (e *EncryptedStore) GetRef(ctx context.Context, tenantID string, name string) (string, bool, error) {
	return e.inner.GetRef(ctx, tenantID, name)
}

func (e *EncryptedStore) SetRef(ctx context.Context, tenantID string, name string, value string) error {
	return e.inner.SetRef(ctx, tenantID, name, value)
}

func (e *EncryptedStore) DeleteRef(ctx context.Context, tenantID string, name string) error {
	return e.inner.DeleteRef(ctx, tenantID, name)
}

func (e *EncryptedStore) ListRefs(ctx context.Context, tenantID string) (map[string]string, error) {
	return e.inner.ListRefs(ctx, tenantID)
}

func (e *EncryptedStore) CASRef(ctx context.Context, tenantID string, name string, expected *string, newValue string) error {
	return e.inner.CASRef(ctx, tenantID, name, expected, newValue)
}

func (e *EncryptedStore) AppendLog(ctx context.Context, tenantID string, seq int64, data []byte) error {
	sealed, err := e.seal(tenantID, data)
	if err != nil {
		return err
	}
	return e.inner.AppendLog(ctx, tenantID, seq, sealed)
}

func (e *EncryptedStore) ReadLog(ctx context.Context, tenantID string, startSeq int64, limit int) ([]store.LogRecord, error) {
	recs, err := e.inner.ReadLog(ctx, tenantID, startSeq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]store.LogRecord, 0, len(recs))
	for _, r := range recs {
		plaintext, err := e.unseal(tenantID, r.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, store.LogRecord{Seq: r.Seq, Data: plaintext})
	}
	return out, nil
}

func (e *EncryptedStore) Initialize(ctx context.Context) error { return e.inner.Initialize(ctx) }
func (e *EncryptedStore) Healthcheck(ctx context.Context) error { return e.inner.Healthcheck(ctx) }

var _ store.Store = (*EncryptedStore)(nil)
