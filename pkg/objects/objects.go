// Package objects defines the immutable, content-addressed values that make
// up the commit DAG: AgentState (the caller-supplied payload), Blob (its
// serialized form), and Commit (the metadata record that ties a tree hash to
// its parents). See spec §3 and §4.2.
package objects

import (
	"encoding/json"
	"fmt"
	"time"

	"agentcodex/pkg/canon"
)

// ActionType is the closed set of reasons a commit was created.
type ActionType string

const (
	ActionToolCall     ActionType = "tool_call"
	ActionLLMResponse  ActionType = "llm_response"
	ActionUserInput    ActionType = "user_input"
	ActionSystemEvent  ActionType = "system_event"
	ActionRetry        ActionType = "retry"
	ActionRollback     ActionType = "rollback"
	ActionMerge        ActionType = "merge"
	ActionCheckpoint   ActionType = "checkpoint"
)

// Valid reports whether a is one of the recognized action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionToolCall, ActionLLMResponse, ActionUserInput, ActionSystemEvent,
		ActionRetry, ActionRollback, ActionMerge, ActionCheckpoint:
		return true
	}
	return false
}

// AgentState is the caller-supplied snapshot of an agent's memory and
// world-state at a point in time. Memory and WorldState are arbitrary JSON
// values (object, array, scalar, or null) and are never mutated once
// committed.
type AgentState struct {
	Memory     interface{} `json:"memory"`
	WorldState interface{} `json:"world_state"`
	Timestamp  time.Time   `json:"timestamp"`
	Cost       float64     `json:"cost"`
	Metadata   interface{} `json:"metadata,omitempty"`
}

// Validate checks the invariants spec §3 places on AgentState: cost must be
// non-negative and the timestamp must be set.
func (s AgentState) Validate() error {
	if s.Cost < 0 {
		return fmt.Errorf("objects: cost must be non-negative, got %v", s.Cost)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("objects: timestamp is required")
	}
	return nil
}

// Canonical returns the canonical JSON encoding of the state, used both as
// the Blob payload and as the input to its content hash.
func (s AgentState) Canonical() ([]byte, error) {
	return canon.MarshalAny(s)
}

// Hash returns the content address of the state's canonical encoding.
func (s AgentState) Hash() (canon.Hash, error) {
	b, err := s.Canonical()
	if err != nil {
		return "", err
	}
	return canon.SumBytes(b), nil
}

// DecodeAgentState reverses Canonical/MarshalAny, reconstructing an
// AgentState from stored blob bytes.
func DecodeAgentState(b []byte) (AgentState, error) {
	var s AgentState
	if err := json.Unmarshal(b, &s); err != nil {
		return AgentState{}, fmt.Errorf("objects: decode state: %w", err)
	}
	return s, nil
}

// Blob is the opaque, content-addressed byte sequence that reconstructs an
// AgentState on read. Blobs never carry their own hash field: the hash is
// derived purely from Bytes and is therefore not double-stored.
type Blob struct {
	Bytes []byte
}

// Hash returns the blob's content address.
func (b Blob) Hash() canon.Hash {
	return canon.SumBytes(b.Bytes)
}

// NewBlobFromState canonicalizes state and wraps it as a Blob.
func NewBlobFromState(state AgentState) (Blob, canon.Hash, error) {
	b, err := state.Canonical()
	if err != nil {
		return Blob{}, "", err
	}
	return Blob{Bytes: b}, canon.SumBytes(b), nil
}

// Commit is the immutable record linking a state blob, its parents, and
// metadata. It is content-addressed by the hash of its own canonical
// encoding. Commit has no hash field: the hash is computed over every
// field and used as the object's storage key, never stored inside it.
type Commit struct {
	TreeHash     canon.Hash   `json:"tree_hash"`
	ParentHashes []canon.Hash `json:"parent_hashes,omitempty"`
	Message      string       `json:"message"`
	Author       string       `json:"author"`
	Timestamp    time.Time    `json:"timestamp"`
	ActionType   ActionType   `json:"action_type"`
}

// commitWire is the exact shape hashed for commit identity: parent_hashes in
// input order, tree_hash already resolved, as spec §4.1 requires.
type commitWire struct {
	TreeHash     canon.Hash   `json:"tree_hash"`
	ParentHashes []canon.Hash `json:"parent_hashes,omitempty"`
	Message      string       `json:"message"`
	Author       string       `json:"author"`
	Timestamp    time.Time    `json:"timestamp"`
	ActionType   ActionType   `json:"action_type"`
}

// Hash returns the commit's content address.
func (c Commit) Hash() (canon.Hash, error) {
	w := commitWire{
		TreeHash:     c.TreeHash,
		ParentHashes: c.ParentHashes,
		Message:      c.Message,
		Author:       c.Author,
		Timestamp:    c.Timestamp,
		ActionType:   c.ActionType,
	}
	b, err := canon.MarshalAny(w)
	if err != nil {
		return "", err
	}
	return canon.SumBytes(b), nil
}

// Encode serializes the commit to the bytes stored as its object payload.
func (c Commit) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("objects: encode commit: %w", err)
	}
	return b, nil
}

// DecodeCommit reverses Encode.
func DecodeCommit(b []byte) (Commit, error) {
	var c Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return Commit{}, fmt.Errorf("objects: decode commit: %w", err)
	}
	if !c.ActionType.Valid() {
		return Commit{}, fmt.Errorf("objects: unrecognized action_type %q", c.ActionType)
	}
	return c, nil
}

// IsMerge reports whether the commit has two parents.
func (c Commit) IsMerge() bool { return len(c.ParentHashes) == 2 }

// IsRoot reports whether the commit has no parents.
func (c Commit) IsRoot() bool { return len(c.ParentHashes) == 0 }
