package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/querystack/ragserve/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ragserve version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragserve version %s\n", version.Version)
		},
	}
}
