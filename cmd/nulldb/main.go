package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nulldb",
		Short:         "NullDB, a replicated append-only key-value store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(
		newServeCmd(),
		newGetCmd(),
		newPutCmd(),
		newDeleteCmd(),
		newCompactCmd(),
		newStatusCmd(),
		newBenchCmd(),
	)
	return root
}
