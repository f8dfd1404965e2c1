package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/querystack/ragserve/internal/config"
	"github.com/querystack/ragserve/internal/keyword"
)

func newIndexCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "index [root]",
		Short: "Index the corpus once and exit",
		Long: `Runs one incremental indexing pass over the corpus root: new and changed
files are chunked, embedded, and written to the vector and keyword stores;
files that disappeared are removed. With --full, every file is reprocessed
regardless of recorded state.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := ""
			if len(args) > 0 {
				root = args[0]
			}
			return runIndex(cmd.Context(), root, full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Reprocess every file, ignoring recorded state")
	return cmd
}

func runIndex(ctx context.Context, root string, full bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if root == "" {
		root = cfg.Ingest.Root
	}
	if root == "" {
		return fmt.Errorf("no corpus root: pass one or set ingest.root (RAGSERVE_CORPUS_ROOT)")
	}

	logger, logCleanup, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCleanup()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	vectors, err := openVectors(ctx, cfg, embedder)
	if err != nil {
		return err
	}
	defer vectors.Close()

	keywords, err := keyword.Open(cfg.Keyword.Path, logger)
	if err != nil {
		return err
	}
	defer keywords.Close()

	coordinator := newCoordinator(cfg, embedder, vectors, keywords, st, logger)

	if full {
		s, err := coordinator.FullReindex(ctx, root)
		if err != nil {
			return err
		}
		fmt.Printf("full reindex: scanned %d, indexed %d, deleted %d, errors %d\n",
			s.Scanned, s.Indexed, s.Deleted, s.Errors)
		return nil
	}
	s, err := coordinator.IndexTree(ctx, root)
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d, skipped %d, deleted %d, errors %d (scanned %d)\n",
		s.Indexed, s.Skipped, s.Deleted, s.Errors, s.Scanned)
	return nil
}
