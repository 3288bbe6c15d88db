package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync/internal/config"
	"github.com/Prismer-AI/chatsync/internal/logging"
)

// ============================================================================
// Global state
// ============================================================================

var (
	cfgFile  string
	logLevel string

	// cfg is resolved once per invocation, before any command runs.
	cfg *config.Config
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat message synchronization client",
	Long: "Command-line client for the chat synchronization engine.\n" +
		"Keeps conversations in sync over the realtime transport, queues messages while offline,\n" +
		"and caches histories locally.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")

		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFromFile(cfgFile)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

// configFilePath is the file config set writes to.
func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.FilePath()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
