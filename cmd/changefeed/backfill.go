package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/changefeed/internal/config"
	"github.com/alfredjeanlab/changefeed/internal/counter"
	feedsync "github.com/alfredjeanlab/changefeed/internal/sync"
)

type backfillOptions struct {
	File   string
	FromS3 bool
	Force  bool
}

var backfillOpts backfillOptions

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Seed counters from a TOML file or the latest S3 snapshot",
	Long: `Seed counters from authoritative aggregates.

The seed file lists counters per scope:

  [scopes.org_1]
  members = 3
  "pages:published" = 7

With --from-s3 the latest snapshot written by the server's counter sync is
read back instead. Every seeded scope is replaced in full. The store must be
empty unless --force is given, and production environments are refused.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	// Override PersistentPreRunE so we don't build an HTTP client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		return runBackfill(cmd.Context(), cfg, backfillOpts, cmd.OutOrStdout())
	},
}

func init() {
	backfillCmd.Flags().StringVarP(&backfillOpts.File, "file", "f", "", "TOML seed file")
	backfillCmd.Flags().BoolVar(&backfillOpts.FromS3, "from-s3", false, "seed from the configured S3 counter snapshot")
	backfillCmd.Flags().BoolVar(&backfillOpts.Force, "force", false, "seed even when the store already has counters")
	backfillCmd.MarkFlagsMutuallyExclusive("file", "from-s3")
	backfillCmd.MarkFlagsOneRequired("file", "from-s3")
}

var errVolatileStore = errors.New("counters are kept in memory; set CHANGEFEED_DATABASE_URL or CHANGEFEED_REDIS_URL")

func runBackfill(ctx context.Context, cfg *config.Config, opts backfillOptions, out io.Writer) error {
	logger := slog.Default()

	seeds, err := loadSeeds(ctx, cfg, opts)
	if err != nil {
		return err
	}

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if !s.Persistent {
		return errVolatileStore
	}

	report, err := counter.Backfill(ctx, s.Counters, seeds, counter.BackfillOptions{
		Environment: cfg.Env,
		Force:       opts.Force,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	if jsonOutput {
		return printJSON(out, report)
	}
	fmt.Fprintf(out, "Seeded %d counters across %d scopes\n", report.Counters, report.Scopes)
	return nil
}

func loadSeeds(ctx context.Context, cfg *config.Config, opts backfillOptions) (map[string][]counter.Value, error) {
	if !opts.FromS3 {
		return counter.LoadSeedFile(opts.File)
	}
	if cfg.SyncS3Bucket == "" {
		return nil, fmt.Errorf("--from-s3 needs CHANGEFEED_SYNC_S3_BUCKET")
	}
	src, err := feedsync.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Key, cfg.SyncS3Region, cfg.SyncS3Endpoint)
	if err != nil {
		return nil, err
	}
	data, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}
	seeds, err := feedsync.ImportJSONL(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Location(), err)
	}
	fmt.Fprintf(os.Stderr, "Read snapshot %s\n", src.Location())
	return seeds, nil
}
