// Package commands provides the CLI commands for terrachat.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrachat/terrachat/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	serverURL string
	userID    string
)

var rootCmd = &cobra.Command{
	Use:   "terrachat",
	Short: "terrachat - AI analysis chat for areas of interest",
	Long: `terrachat runs conversational AI analyses (urban heat, land cover,
land cover change, air pollution) over a geographic area of interest.

Run 'terrachat serve' to start the server, then 'terrachat ask' to put a
question to it or 'terrachat watch' to follow a session live.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TERRACHAT_SERVER", "http://localhost:3000"), "Server URL for client commands")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", envOr("TERRACHAT_USER", ""), "User id sent with client requests")

	rootCmd.SetVersionTemplate(fmt.Sprintf("terrachat %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogging applies the global logging flags. Without --print-logs only
// errors reach stderr so command output stays clean.
func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ErrorLevel
	if printLogs {
		cfg.Level = logging.ParseLevel(logLevel)
		cfg.Pretty = true
	}
	logging.Init(cfg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("a user is required: pass --user or set TERRACHAT_USER")
	}
	return nil
}
