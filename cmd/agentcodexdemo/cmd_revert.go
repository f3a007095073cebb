package main

import (
	"context"
	"flag"
	"fmt"
)

func runRevert(args []string) error {
	fs := flag.NewFlagSet("revert", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	author := fs.String("author", "agent", "author id recorded on the rollback commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentcodexdemo revert <commit-hash>")
	}
	target := fs.Arg(0)

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	state, err := r.Revert(ctx, target, *author)
	if err != nil {
		return err
	}

	fmt.Printf("Reverted to %s (cost=%v)\n", target, state.Cost)
	return nil
}
