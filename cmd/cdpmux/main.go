// Command cdpmux inspects a browser over the Chrome DevTools Protocol.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gs := newGlobalState(ctx)
	if err := newRootCommand(gs).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
