package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrachat/terrachat/internal/headless"
)

var (
	watchOutputFormat string
	watchNoCable      bool
	watchVerbose      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Print a session's transcript and follow new messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output-format", "o", "text", "Output format: text, jsonl")
	watchCmd.Flags().BoolVar(&watchNoCable, "no-cable", false, "Poll instead of subscribing to live updates")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Also print user turns and placeholders")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	outputFormat, err := parseOutputFormat(watchOutputFormat)
	if err != nil {
		return err
	}

	cfg := headless.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.UserID = userID
	cfg.SessionID = args[0]
	cfg.OutputFormat = outputFormat
	cfg.NoCable = watchNoCable
	cfg.Verbose = watchVerbose

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return headless.NewRunner(cfg).Watch(ctx, os.Stdout)
}
