package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/rdeploy/cmd/rdeploy/commands"
	"github.com/andrej220/rdeploy/internal/clierr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rdeploy:", err)
		os.Exit(int(clierr.CodeOf(err)))
	}
}
