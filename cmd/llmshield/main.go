package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/amerfu/llmshield/cmd/llmshield/commands"
)

var (
	cfgPath  string
	redisURL string
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "llmshield",
		Short: "LLM cost shield CLI",
		Long: `Inspect and manage the persisted state of the LLM cost shield:
ledger summaries, exports and resets against the shared Redis store.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return commands.Init(cfgPath, redisURL)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "redis URL (overrides config)")

	rootCmd.AddCommand(commands.NewSummaryCommand())
	rootCmd.AddCommand(commands.NewExportCommand())
	rootCmd.AddCommand(commands.NewClearCommand())

	return rootCmd
}
