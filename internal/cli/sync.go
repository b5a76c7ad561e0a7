package cli

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sitemapsync/internal/config"
	"github.com/roach88/sitemapsync/internal/fetch"
	"github.com/roach88/sitemapsync/internal/index"
	"github.com/roach88/sitemapsync/internal/replication"
	"github.com/roach88/sitemapsync/internal/resolver"
	"github.com/roach88/sitemapsync/internal/runner"
	"github.com/roach88/sitemapsync/internal/schema"
	"github.com/roach88/sitemapsync/internal/state"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Config string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one catch-up cycle against the replication feed",
		Long: `Process every replication packet published since the last committed
sequence, rewrite incremental sitemap shards for entities whose pages
changed, and ping the configured search engines.

A second invocation with nothing new on the feed is a no-op, as is an
invocation while another run holds unprocessed ledger entries.

Example:
  sitemapsync sync --config /etc/sitemapsync/config.yaml
  sitemapsync sync --config ./config.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	slog.Info("loading schema metadata", "path", cfg.SchemaMetadata)
	meta, err := schema.LoadMetadata(cfg.SchemaMetadata)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load schema metadata", err)
	}
	graph, err := schema.NewGraph(meta)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build schema graph", err)
	}

	slog.Info("opening state database", "path", cfg.StateDatabase)
	st, err := state.Open(cfg.StateDatabase)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open state database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing state database", "error", closeErr)
		}
	}()

	source, err := sql.Open("sqlite3", cfg.SourceDatabase)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open source database", err)
	}
	defer source.Close()

	run := buildRunner(cfg, graph, st, source)

	// Catch-up runs can take a while; interrupt aborts between sequences
	// and the next invocation resumes from the committed cursor.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("sync starting",
		"feed", cfg.ReplicationURL,
		"output", cfg.OutputDir,
		"workers", cfg.Workers,
	)
	if err := run.Run(ctx); err != nil {
		var ce *runner.ConfigurationError
		if errors.As(err, &ce) {
			return WrapExitError(ExitCommandError, "sync misconfigured", err)
		}
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	slog.Info("sync finished")
	return nil
}

// buildRunner assembles the pipeline stages from the configuration.
func buildRunner(cfg *config.Config, graph *schema.Graph, st *state.Store, source *sql.DB) *runner.Runner {
	httpClient := &http.Client{Timeout: 60 * time.Second}

	consumer := replication.NewConsumer(cfg.ReplicationURL, graph, httpClient)
	res := resolver.New(source, st)
	fetcher := fetch.NewFetcher(cfg.WebRoot)
	pool := fetch.NewPool(fetcher, st, fetch.Options{
		Workers:   cfg.Workers,
		EarlyExit: *cfg.EarlyExit,
	})
	writer := index.NewWriter(cfg.OutputDir, cfg.WebRoot)

	return runner.New(consumer, graph, res, pool, writer, st,
		runner.WithWorkers(cfg.Workers),
		runner.WithPingURLs(cfg.PingURLs),
	)
}
