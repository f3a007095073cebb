// Package diff3 implements the structural diff and three-way merge over
// AgentState trees (spec §4.6), the differentiating algorithmic core of the
// engine. Neither diff nor merge touches storage: both operate purely on
// already-loaded objects.AgentState values and commit metadata supplied by
// the caller, per spec §9's "recursive merge as data, not control flow."
package diff3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"agentcodex/pkg/canon"
	"agentcodex/pkg/cerr"
	"agentcodex/pkg/objects"
)

// ChangeKind discriminates one entry of a StateDiff.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// DiffEntry is one structural difference between two states. Path segments
// are the traversed object keys in order; array indices never appear as
// path segments because arrays are compared whole (spec §4.6).
type DiffEntry struct {
	Kind ChangeKind  `json:"kind"`
	Path []string    `json:"path"`
	Old  interface{} `json:"old,omitempty"`
	New  interface{} `json:"new,omitempty"`
}

// StateDiff is the full set of structural differences between two states.
type StateDiff struct {
	Entries []DiffEntry `json:"entries"`
}

// toGeneric round-trips v through encoding/json with UseNumber so maps,
// slices, and numbers compare the same way canon's encoder sees them.
func toGeneric(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("diff3: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("diff3: decode: %w", err)
	}
	return out, nil
}

func canonEqual(a, b interface{}) (bool, error) {
	ab, err := canon.Marshal(a)
	if err != nil {
		return false, err
	}
	bb, err := canon.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}

// Diff computes the structural difference between base and target states.
func Diff(base, target objects.AgentState) (StateDiff, error) {
	bg, err := toGeneric(base)
	if err != nil {
		return StateDiff{}, err
	}
	tg, err := toGeneric(target)
	if err != nil {
		return StateDiff{}, err
	}
	var entries []DiffEntry
	if err := diffValue(nil, bg, tg, &entries); err != nil {
		return StateDiff{}, err
	}
	return StateDiff{Entries: entries}, nil
}

func diffValue(path []string, base, target interface{}, out *[]DiffEntry) error {
	baseMap, baseIsMap := base.(map[string]interface{})
	targetMap, targetIsMap := target.(map[string]interface{})
	if baseIsMap && targetIsMap {
		for _, k := range unionKeys(baseMap, targetMap) {
			bv, bok := baseMap[k]
			tv, tok := targetMap[k]
			childPath := append(append([]string{}, path...), k)
			switch {
			case bok && !tok:
				*out = append(*out, DiffEntry{Kind: Removed, Path: childPath, Old: bv})
			case !bok && tok:
				*out = append(*out, DiffEntry{Kind: Added, Path: childPath, New: tv})
			default:
				eq, err := canonEqual(bv, tv)
				if err != nil {
					return err
				}
				if eq {
					continue
				}
				_, bvIsMap := bv.(map[string]interface{})
				_, tvIsMap := tv.(map[string]interface{})
				if bvIsMap && tvIsMap {
					if err := diffValue(childPath, bv, tv, out); err != nil {
						return err
					}
					continue
				}
				*out = append(*out, DiffEntry{Kind: Changed, Path: childPath, Old: bv, New: tv})
			}
		}
		return nil
	}
	eq, err := canonEqual(base, target)
	if err != nil {
		return err
	}
	if !eq {
		*out = append(*out, DiffEntry{Kind: Changed, Path: path, Old: base, New: target})
	}
	return nil
}

func unionKeys(a, b map[string]interface{}) []string {
	seen := map[string]bool{}
	var keys []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// CommitFetcher loads a commit by hash, typically backed by a repo's object
// store. FindMergeBase never touches storage itself.
type CommitFetcher func(ctx context.Context, hash string) (objects.Commit, error)

// FindMergeBase performs the bounded bidirectional BFS of spec §4.6,
// returning the first commit visited from both sides, or "" when both
// histories are exhausted without sharing a commit. depthLimit bounds the
// number of BFS levels explored per side (spec default 10000).
func FindMergeBase(ctx context.Context, fetch CommitFetcher, a, b string, depthLimit int) (string, error) {
	if a == b {
		return a, nil
	}
	visitedA := map[string]bool{a: true}
	visitedB := map[string]bool{b: true}
	if visitedB[a] {
		return a, nil
	}
	if visitedA[b] {
		return b, nil
	}
	frontierA := []string{a}
	frontierB := []string{b}

	for depth := 0; depth < depthLimit; depth++ {
		if len(frontierA) == 0 && len(frontierB) == 0 {
			// Both histories exhausted: there is no common ancestor.
			return "", nil
		}
		var err error
		var found string
		frontierA, found, err = expand(ctx, fetch, frontierA, visitedA, visitedB)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
		frontierB, found, err = expand(ctx, fetch, frontierB, visitedB, visitedA)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
	}
	return "", &cerr.DepthLimitExceeded{Limit: depthLimit}
}

func expand(ctx context.Context, fetch CommitFetcher, frontier []string, mine, other map[string]bool) ([]string, string, error) {
	var next []string
	for _, h := range frontier {
		c, err := fetch(ctx, h)
		if err != nil {
			return nil, "", err
		}
		for _, p := range c.ParentHashes {
			ps := string(p)
			if other[ps] {
				return nil, ps, nil
			}
			if !mine[ps] {
				mine[ps] = true
				next = append(next, ps)
			}
		}
	}
	return next, "", nil
}

// Strategy selects how Merge resolves a three-way comparison.
type Strategy string

const (
	StrategyOurs     Strategy = "ours"
	StrategyTheirs   Strategy = "theirs"
	StrategyThreeWay Strategy = "three_way"
)

// Result is the outcome of a merge: the merged state plus any conflict
// paths recorded under the default lossless-with-warnings policy.
type Result struct {
	State     objects.AgentState
	Conflicts [][]string
}

// Merge combines base, ours, and theirs per strategy. When strict is true
// and strategy is ThreeWay, any conflict fails the whole merge with
// *cerr.MergeConflict instead of resolving to ours (spec §4.6).
func Merge(base, ours, theirs objects.AgentState, strategy Strategy, strict bool) (Result, error) {
	switch strategy {
	case StrategyOurs:
		return Result{State: ours}, nil
	case StrategyTheirs:
		return Result{State: theirs}, nil
	case StrategyThreeWay:
		return threeWayMerge(base, ours, theirs, strict)
	default:
		return Result{}, fmt.Errorf("diff3: unknown strategy %q", strategy)
	}
}

func threeWayMerge(base, ours, theirs objects.AgentState, strict bool) (Result, error) {
	bg, err := toGeneric(base)
	if err != nil {
		return Result{}, err
	}
	og, err := toGeneric(ours)
	if err != nil {
		return Result{}, err
	}
	tg, err := toGeneric(theirs)
	if err != nil {
		return Result{}, err
	}
	var conflicts [][]string
	merged, _, err := mergeField(nil, bg, true, og, true, tg, true, strict, &conflicts)
	if err != nil {
		return Result{}, err
	}
	if strict && len(conflicts) > 0 {
		return Result{}, &cerr.MergeConflict{Paths: conflicts}
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Result{}, fmt.Errorf("diff3: marshal merged state: %w", err)
	}
	var state objects.AgentState
	if err := json.Unmarshal(mergedJSON, &state); err != nil {
		return Result{}, fmt.Errorf("diff3: decode merged state: %w", err)
	}
	return Result{State: state, Conflicts: conflicts}, nil
}

// mergeField applies the outcome table of spec §4.6 to one field, recursing
// into nested objects when both sides changed to different object values.
// present reports whether the merged value should exist in its parent map
// at all (false when the winning outcome is a removed key, including both
// sides removing it independently).
func mergeField(path []string, base interface{}, baseOk bool, ours interface{}, oursOk bool, theirs interface{}, theirsOk bool, strict bool, conflicts *[][]string) (value interface{}, present bool, err error) {
	changedOurs, err := fieldChanged(base, baseOk, ours, oursOk)
	if err != nil {
		return nil, false, err
	}
	changedTheirs, err := fieldChanged(base, baseOk, theirs, theirsOk)
	if err != nil {
		return nil, false, err
	}

	switch {
	case !changedOurs && !changedTheirs:
		return base, baseOk, nil
	case changedOurs && !changedTheirs:
		return ours, oursOk, nil
	case !changedOurs && changedTheirs:
		return theirs, theirsOk, nil
	}

	// Both sides changed.
	if oursOk == theirsOk {
		if !oursOk {
			// Both removed the key independently: no conflict, key is gone.
			return nil, false, nil
		}
		eq, err := canonEqual(ours, theirs)
		if err != nil {
			return nil, false, err
		}
		if eq {
			return ours, true, nil
		}
	}

	oursMap, oursIsMap := ours.(map[string]interface{})
	theirsMap, theirsIsMap := theirs.(map[string]interface{})
	if oursOk && theirsOk && oursIsMap && theirsIsMap {
		baseMap, baseIsMap := base.(map[string]interface{})
		if !baseIsMap {
			baseMap = map[string]interface{}{}
		}
		merged := map[string]interface{}{}
		for _, k := range unionKeys3(baseMap, oursMap, theirsMap) {
			bv, bok := baseMap[k]
			ov, ook := oursMap[k]
			tv, tok := theirsMap[k]
			childPath := append(append([]string{}, path...), k)
			v, present, err := mergeField(childPath, bv, bok, ov, ook, tv, tok, strict, conflicts)
			if err != nil {
				return nil, false, err
			}
			if present {
				merged[k] = v
			}
		}
		return merged, true, nil
	}

	// Genuine conflict: record it and resolve to ours per the default
	// lossless-with-warnings policy.
	*conflicts = append(*conflicts, path)
	return ours, oursOk, nil
}

func unionKeys3(a, b, c map[string]interface{}) []string {
	seen := map[string]bool{}
	var keys []string
	for _, m := range []map[string]interface{}{a, b, c} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func fieldChanged(base interface{}, baseOk bool, side interface{}, sideOk bool) (bool, error) {
	if baseOk != sideOk {
		return true, nil
	}
	if !baseOk {
		return false, nil
	}
	eq, err := canonEqual(base, side)
	if err != nil {
		return false, err
	}
	return !eq, nil
}
