package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dataPath, _ := repoFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*dataPath); err == nil {
		return fmt.Errorf("%s already exists", *dataPath)
	}
	if dir := filepath.Dir(*dataPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	_, closeRepo, err := openRepo(context.Background(), *dataPath, "default")
	if err != nil {
		return err
	}
	defer closeRepo()

	fmt.Printf("Initialized empty agentcodex repository at %s\n", *dataPath)
	return nil
}
