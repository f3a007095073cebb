package main

import (
	"context"
	"flag"
	"fmt"

	"agentcodex/pkg/diff3"
)

func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	author := fs.String("author", "agent", "author id recorded on the merge commit")
	strategy := fs.String("strategy", string(diff3.StrategyThreeWay), "ours | theirs | three_way")
	strict := fs.Bool("strict", false, "fail instead of auto-resolving conflicting fields")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentcodexdemo merge [-strategy ours|theirs|three_way] [-strict] <branch>")
	}
	branch := fs.Arg(0)

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	hash, err := r.Merge(ctx, branch, diff3.Strategy(*strategy), *author, *strict)
	if err != nil {
		return err
	}

	fmt.Printf("Merged %s -> %s\n", branch, hash)
	return nil
}
