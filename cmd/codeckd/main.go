// Command codeckd runs the self-hosted coding-assistant daemon: CredStore,
// AuthPlane, PTY Manager, AgentScheduler, Memory/Indexer, and the
// Gateway/Edge HTTP+WebSocket server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/codeck/daemon/internal/app"
	"github.com/codeck/daemon/internal/config"
	"github.com/codeck/daemon/internal/logging"
)

func main() {
	logging.Setup()
	log := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("initialize daemon", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("gateway server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout())
	defer cancel()

	if err := a.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("codeckd stopped")
}
