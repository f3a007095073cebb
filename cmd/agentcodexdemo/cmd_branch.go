package main

import (
	"context"
	"flag"
	"fmt"
)

func runBranch(args []string) error {
	fs := flag.NewFlagSet("branch", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	from := fs.String("from", "", "commit hash or branch to branch from (defaults to HEAD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentcodexdemo branch [-from <target>] <name>")
	}
	name := fs.Arg(0)

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	if err := r.Branch(ctx, name, *from); err != nil {
		return err
	}

	fmt.Printf("Created branch %s\n", name)
	return nil
}

func runCheckout(args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentcodexdemo checkout <branch-or-hash>")
	}
	target := fs.Arg(0)

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	if _, err := r.Checkout(ctx, target); err != nil {
		return err
	}

	fmt.Printf("Switched to %s\n", target)
	return nil
}
