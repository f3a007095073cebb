// Command agentcodexdemo is a thin CLI wrapper over pkg/repo: a command
// word dispatches to a runXxx function that opens the repository, does one thing, and prints a
// human-readable result.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = runInit(args)
	case "commit":
		err = runCommit(args)
	case "status":
		err = runStatus(args)
	case "branch":
		err = runBranch(args)
	case "checkout":
		err = runCheckout(args)
	case "merge":
		err = runMerge(args)
	case "revert":
		err = runRevert(args)
	case "log":
		err = runLog(args)
	case "diff":
		err = runDiff(args)
	default:
		fmt.Printf("unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "agentcodexdemo:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: agentcodexdemo <command> [args]")
	fmt.Println("Commands: init, commit, status, branch, checkout, merge, revert, log, diff")
}
