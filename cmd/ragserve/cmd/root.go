// Package cmd provides the CLI commands for ragserve.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/querystack/ragserve/pkg/version"
)

var configPath string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragserve",
		Short: "Retrieval-augmented QA service over code and documentation",
		Long: `ragserve indexes a corpus of source code and documentation into a hybrid
vector + keyword index and answers questions about it with cited sources.

It serves an HTTP API with unary and streaming answers, background knowledge
ingestion, and scheduled incremental reindexing.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("ragserve version {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ragserve.yaml", "Path to the YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newAPIKeyCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI under a signal-aware context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("Error:", err)
		return err
	}
	return nil
}
