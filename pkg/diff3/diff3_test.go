package diff3_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcodex/pkg/diff3"
	"agentcodex/pkg/objects"
)

func state(memory, worldState interface{}, cost float64) objects.AgentState {
	return objects.AgentState{
		Memory:     memory,
		WorldState: worldState,
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Cost:       cost,
	}
}

func TestDiffIdentity(t *testing.T) {
	s := state(map[string]interface{}{"step": 1.0}, map[string]interface{}{}, 0)
	d, err := diff3.Diff(s, s)
	require.NoError(t, err)
	require.Empty(t, d.Entries)
}

func TestDiffAddedChangedNoNoise(t *testing.T) {
	s1 := state(map[string]interface{}{"a": 1.0, "b": 2.0}, map[string]interface{}{}, 0)
	s2 := state(map[string]interface{}{"a": 1.0, "b": 3.0, "c": 4.0}, map[string]interface{}{}, 0)

	d, err := diff3.Diff(s1, s2)
	require.NoError(t, err)

	var sawChangedB, sawAddedC, sawAnythingAtA bool
	for _, e := range d.Entries {
		if len(e.Path) >= 2 && e.Path[0] == "memory" && e.Path[1] == "b" && e.Kind == diff3.Changed {
			sawChangedB = true
		}
		if len(e.Path) >= 2 && e.Path[0] == "memory" && e.Path[1] == "c" && e.Kind == diff3.Added {
			sawAddedC = true
		}
		if len(e.Path) >= 2 && e.Path[0] == "memory" && e.Path[1] == "a" {
			sawAnythingAtA = true
		}
	}
	require.True(t, sawChangedB)
	require.True(t, sawAddedC)
	require.False(t, sawAnythingAtA)
}

func TestDiffSymmetry(t *testing.T) {
	s1 := state(map[string]interface{}{"a": 1.0}, map[string]interface{}{}, 0)
	s2 := state(map[string]interface{}{"b": 2.0}, map[string]interface{}{}, 0)

	forward, err := diff3.Diff(s1, s2)
	require.NoError(t, err)
	backward, err := diff3.Diff(s2, s1)
	require.NoError(t, err)

	for _, e := range forward.Entries {
		if e.Kind == diff3.Added {
			require.True(t, hasRemoved(backward.Entries, e.Path, e.New))
		}
	}
}

func hasRemoved(entries []diff3.DiffEntry, path []string, value interface{}) bool {
	for _, e := range entries {
		if e.Kind == diff3.Removed && pathEqual(e.Path, path) {
			return true
		}
	}
	return false
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeAbsorbsBase(t *testing.T) {
	base := state(map[string]interface{}{"v": 1.0}, map[string]interface{}{}, 0)
	result, err := diff3.Merge(base, base, base, diff3.StrategyThreeWay, false)
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)

	eq, err := statesEqual(base, result.State)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestMergeNoOpSideTakesChangedSide(t *testing.T) {
	base := state(map[string]interface{}{"v": 1.0}, map[string]interface{}{}, 0)
	theirs := state(map[string]interface{}{"v": 2.0}, map[string]interface{}{}, 0)

	result, err := diff3.Merge(base, base, theirs, diff3.StrategyThreeWay, false)
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	eq, err := statesEqual(theirs, result.State)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestMergeConflictDefaultsToOurs(t *testing.T) {
	base := state(map[string]interface{}{"v": 1.0}, map[string]interface{}{}, 0)
	ours := state(map[string]interface{}{"v": 2.0}, map[string]interface{}{}, 0)
	theirs := state(map[string]interface{}{"v": 3.0}, map[string]interface{}{}, 0)

	result, err := diff3.Merge(base, ours, theirs, diff3.StrategyThreeWay, false)
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	eq, err := statesEqual(ours, result.State)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestMergeConflictStrictFails(t *testing.T) {
	base := state(map[string]interface{}{"v": 1.0}, map[string]interface{}{}, 0)
	ours := state(map[string]interface{}{"v": 2.0}, map[string]interface{}{}, 0)
	theirs := state(map[string]interface{}{"v": 3.0}, map[string]interface{}{}, 0)

	_, err := diff3.Merge(base, ours, theirs, diff3.StrategyThreeWay, true)
	require.Error(t, err)
}

func TestMergeOursTheirsStrategies(t *testing.T) {
	base := state(map[string]interface{}{"v": 1.0}, map[string]interface{}{}, 0)
	ours := state(map[string]interface{}{"v": 2.0}, map[string]interface{}{}, 0)
	theirs := state(map[string]interface{}{"v": 3.0}, map[string]interface{}{}, 0)

	r1, err := diff3.Merge(base, ours, theirs, diff3.StrategyOurs, false)
	require.NoError(t, err)
	eq, _ := statesEqual(ours, r1.State)
	require.True(t, eq)

	r2, err := diff3.Merge(base, ours, theirs, diff3.StrategyTheirs, false)
	require.NoError(t, err)
	eq, _ = statesEqual(theirs, r2.State)
	require.True(t, eq)
}

func statesEqual(a, b objects.AgentState) (bool, error) {
	ha, err := a.Hash()
	if err != nil {
		return false, err
	}
	hb, err := b.Hash()
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
