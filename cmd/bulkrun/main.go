package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

const configEnv = "BULKRUN_CONFIG"

var rootCmd = &cobra.Command{
	Use:   "bulkrun",
	Short: "In-process batch job scheduler",
	Long: `bulkrun accepts batches of work items, schedules them on priority
queues and tracks per-item progress until every batch reaches a terminal state.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	_ = godotenv.Load(".env")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default $"+configEnv+" or ./bulkrun.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, statusCmd)
}

// configPath resolves --config, then the environment, then the default.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return "./bulkrun.yaml"
}
