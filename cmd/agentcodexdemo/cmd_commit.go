package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"agentcodex/pkg/objects"
)

func runCommit(args []string) error {
	fs := flag.NewFlagSet("commit", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	message := fs.String("m", "", "commit message")
	author := fs.String("author", "agent", "author id recorded on the commit")
	memoryJSON := fs.String("memory", "{}", "JSON value for the state's memory field")
	worldJSON := fs.String("world", "{}", "JSON value for the state's world_state field")
	cost := fs.Float64("cost", 0, "cumulative cost to record on this state")
	action := fs.String("action", string(objects.ActionToolCall), "action type for this commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *message == "" {
		return fmt.Errorf("usage: agentcodexdemo commit -m \"message\" [-memory json] [-world json]")
	}

	var memory, world interface{}
	if err := json.Unmarshal([]byte(*memoryJSON), &memory); err != nil {
		return fmt.Errorf("invalid -memory JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(*worldJSON), &world); err != nil {
		return fmt.Errorf("invalid -world JSON: %w", err)
	}

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	state := objects.AgentState{
		Memory:     memory,
		WorldState: world,
		Timestamp:  time.Now().UTC(),
		Cost:       *cost,
	}

	hash, err := r.Commit(ctx, state, *message, *author, objects.ActionType(*action))
	if err != nil {
		return err
	}

	fmt.Printf("Committed %s\n", hash)
	return nil
}
