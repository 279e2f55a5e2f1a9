package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/sitemove/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for driving jobs remotely",
		Long: `Start the HTTP API. Clients start a job with one request and advance it
with one request per slice, so every request stays short. Progress of running
jobs is streamed as server-sent events; archives can be listed, labelled,
uploaded and downloaded in chunks. Prometheus metrics are served at /metrics.

By default, the server listens on the address configured in the config file
(default: 127.0.0.1:8080). Use --listen to override.`,
		Example: `  sitemove serve
  sitemove serve --listen 0.0.0.0:9000`,
		Args: cobra.NoArgs,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalSched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}
	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir, "backups", globalCatalog.Dir())

	srv := server.NewServer(globalSched, globalCatalog, globalTracker, globalMetrics, globalStore, globalCfg, logger)

	// The command context is cancelled on SIGINT or SIGTERM.
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		fmt.Printf("Starting server on %s...\n", listen)
		return srv.Start(listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		fmt.Println("\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("Server stopped gracefully")
	return nil
}
