package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "ctxd",
	Short:   "Local context engine with tiered storage and hybrid retrieval",
	Version: version,
	Long: `ctxd stores text as embedded, linked chunks and retrieves it through
vector, graph, and hybrid strategies over a REST and MCP surface.

Run "ctxd start" to launch the daemon, then use store/search/compose
against it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(graphSearchCmd)
	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
