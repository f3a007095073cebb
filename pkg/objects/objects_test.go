package objects_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/canon"
	"agentcodex/pkg/objects"
)

func TestAgentStateRoundTrip(t *testing.T) {
	s := objects.AgentState{
		Memory:     map[string]interface{}{"step": 1.0},
		WorldState: map[string]interface{}{},
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Cost:       0,
	}
	b, err := s.Canonical()
	require.NoError(t, err)
	decoded, err := objects.DecodeAgentState(b)
	require.NoError(t, err)
	require.Equal(t, s.Timestamp, decoded.Timestamp)
	require.Equal(t, s.Cost, decoded.Cost)
}

func TestAgentStateValidateRejectsNegativeCost(t *testing.T) {
	s := objects.AgentState{Timestamp: time.Now(), Cost: -1}
	require.Error(t, s.Validate())
}

func TestAgentStateValidateRejectsZeroTimestamp(t *testing.T) {
	s := objects.AgentState{Cost: 0}
	require.Error(t, s.Validate())
}

func TestBlobHashMatchesStateHash(t *testing.T) {
	s := objects.AgentState{
		Memory:    map[string]interface{}{"n": 1.0},
		Timestamp: time.Now().UTC(),
	}
	blob, hash, err := objects.NewBlobFromState(s)
	require.NoError(t, err)
	require.Equal(t, hash, blob.Hash())
}

func TestCommitHashDeterministic(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c1 := objects.Commit{TreeHash: "abc", Message: "m", Author: "a", Timestamp: ts, ActionType: objects.ActionToolCall}
	c2 := c1
	h1, err := c1.Hash()
	require.NoError(t, err)
	h2, err := c2.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	c3 := c1
	c3.Message = "different"
	h3, err := c3.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestCommitEncodeDecodeRejectsUnknownAction(t *testing.T) {
	c := objects.Commit{TreeHash: "abc", Timestamp: time.Now(), ActionType: "bogus"}
	b, err := c.Encode()
	require.NoError(t, err)
	_, err = objects.DecodeCommit(b)
	require.Error(t, err)
}

func TestCommitIsMergeAndIsRoot(t *testing.T) {
	root := objects.Commit{ActionType: objects.ActionCheckpoint}
	require.True(t, root.IsRoot())
	require.False(t, root.IsMerge())

	merge := objects.Commit{ParentHashes: []canon.Hash{"a", "b"}, ActionType: objects.ActionMerge}
	require.True(t, merge.IsMerge())
}
