package main

import (
	"context"
	"flag"
	"fmt"
)

func runLog(args []string) error {
	fs := flag.NewFlagSet("log", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	branch := fs.String("branch", "", "branch to walk (defaults to HEAD)")
	limit := fs.Int("limit", 0, "max commits to print (0 = configured default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	commits, err := r.Log(ctx, *branch, *limit)
	if err != nil {
		return err
	}

	for _, c := range commits {
		hash, err := c.Hash()
		if err != nil {
			return err
		}
		fmt.Printf("%s  %-12s  %s  %s\n", hash, c.ActionType, c.Timestamp.Format("2006-01-02T15:04:05Z07:00"), c.Message)
	}
	return nil
}
