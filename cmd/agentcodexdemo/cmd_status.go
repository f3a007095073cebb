package main

import (
	"context"
	"flag"
	"fmt"
)

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	status, err := r.Status(ctx)
	if err != nil {
		return err
	}

	if status.Detached {
		fmt.Printf("HEAD detached at %s\n", status.Head)
	} else {
		fmt.Printf("On branch %s\n", status.CurrentBranch)
		fmt.Printf("HEAD: %s\n", status.Head)
	}
	fmt.Printf("Branches (%d):\n", len(status.Branches))
	for name, hash := range status.Branches {
		fmt.Printf("  %s -> %s\n", name, hash)
	}
	return nil
}
