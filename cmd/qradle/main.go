// Command qradle is the operator CLI for a ledger deployment: integrity
// checks, proofs, checkpoints, rollback, lockdown and audit export.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Exit codes:
//
//	0 = success
//	1 = verification failed (chain, checkpoint, bundle or proof)
//	2 = usage or runtime error
const (
	exitOK     = 0
	exitFailed = 1
	exitError  = 2
)

// errVerificationFailed marks outcomes that are answers, not faults.
var errVerificationFailed = errors.New("verification failed")

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, errVerificationFailed) {
			_, _ = fmt.Fprintf(stderr, "FAILED: %v\n", err)
			return exitFailed
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}
