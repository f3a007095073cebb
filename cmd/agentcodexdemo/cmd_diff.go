package main

import (
	"context"
	"flag"
	"fmt"
)

func runDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	dataPath, tenant := repoFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: agentcodexdemo diff <commit-a> <commit-b>")
	}
	a, b := fs.Arg(0), fs.Arg(1)

	ctx := context.Background()
	r, closeRepo, err := openRepo(ctx, *dataPath, *tenant)
	if err != nil {
		return err
	}
	defer closeRepo()

	d, err := r.Diff(ctx, a, b)
	if err != nil {
		return err
	}

	if len(d.Entries) == 0 {
		fmt.Println("no differences")
		return nil
	}
	for _, e := range d.Entries {
		fmt.Printf("%-8s %v\n", e.Kind, e.Path)
	}
	return nil
}
