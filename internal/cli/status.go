package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sitemapsync/internal/config"
	"github.com/roach88/sitemapsync/internal/state"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Config string
}

// statusReport is the status command's output payload.
type statusReport struct {
	LastProcessed int64 `json:"last_processed"`
	LastIndexed   int64 `json:"last_indexed"`
	LedgerSize    int   `json:"ledger_size"`
}

func (r statusReport) String() string {
	return fmt.Sprintf("last processed sequence: %d\nlast indexed sequence:   %d\nledger entries:          %d",
		r.LastProcessed, r.LastIndexed, r.LedgerSize)
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the replication cursor and ledger state",
		Long: `Report the last committed replication sequence, the sequence the
sitemap index was last rebuilt at, and the number of unprocessed ledger
entries left behind by an interrupted run.

Example:
  sitemapsync status --config ./config.yaml
  sitemapsync status --config ./config.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to config file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := state.Open(cfg.StateDatabase)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open state database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cursor, err := st.Cursor(ctx)
	if errors.Is(err, state.ErrNoCursor) {
		return NewExitError(ExitCommandError, "no replication cursor: run a full build first")
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cursor", err)
	}

	ledger, err := st.LedgerSize(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return out.Success(statusReport{
		LastProcessed: cursor.LastProcessed,
		LastIndexed:   cursor.LastIndexed,
		LedgerSize:    ledger,
	})
}
