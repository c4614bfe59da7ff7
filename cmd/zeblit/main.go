// Command zeblit drives project containers through the zeblit API: run
// commands, open interactive shells, inspect and control containers and
// ask the development agents for help.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

var buildVersion = "dev"

// exitCodeError carries the exit status of a remote command.
type exitCodeError int

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", int(e))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		var code exitCodeError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
