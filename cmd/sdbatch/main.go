// cmd/sdbatch/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	setupGracefulShutdown(cancel)

	err := rootCmd.ExecuteContext(rootCtx)
	if app != nil {
		if cerr := app.Close(); cerr != nil {
			slog.Error("shutdown failed", "error", cerr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupGracefulShutdown cancels the root context on the first SIGINT or
// SIGTERM. Running jobs finish; nothing new is started.
func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, finishing in-flight jobs", "signal", sig.String())
		cancel()
	}()
}
