package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrachat/terrachat/internal/headless"
	"github.com/terrachat/terrachat/pkg/types"
)

var (
	askPrompt       string
	askStdin        bool
	askSessionID    string
	askTitle        string
	askAnalysis     string
	askProvider     string
	askAreaFile     string
	askArea         string
	askOutputFormat string
	askTimeout      string
	askNoCable      bool
	askQuiet        bool
	askVerbose      bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question...]",
	Short: "Ask a question about an area and wait for the analysis",
	Long: `Ask a question in a new or existing analysis session and print the
answer once the server has produced it. Replies arrive over the live
cable, with polling as a fallback.

Examples:
  # New heat island session over a GeoJSON polygon
  terrachat ask -u alice --area-file downtown.geojson "Where are the hot spots?"

  # Continue a session
  terrachat ask -u alice -s 01J... "And how did that change since 2015?"

  # JSON summary for scripts
  terrachat ask -u alice --area-file park.geojson -o json "Tree cover?" | jq .final_message`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askPrompt, "prompt", "p", "", "Question to ask")
	askCmd.Flags().BoolVar(&askStdin, "stdin", false, "Read the question from stdin")

	askCmd.Flags().StringVarP(&askSessionID, "session", "s", "", "Continue existing session ID")
	askCmd.Flags().StringVar(&askTitle, "title", "", "Title of a new session")
	askCmd.Flags().StringVarP(&askAnalysis, "analysis", "a", string(types.AnalysisHeatIsland), "Analysis type: heat_island, land_cover, land_cover_change, air_pollution")
	askCmd.Flags().StringVar(&askProvider, "provider", "", "AI provider: openai, gemini, perplexity, custom (default: your settings)")
	askCmd.Flags().StringVar(&askAreaFile, "area-file", "", "GeoJSON file with the area of interest")
	askCmd.Flags().StringVar(&askArea, "area", "", "Inline GeoJSON area of interest")

	askCmd.Flags().StringVarP(&askOutputFormat, "output-format", "o", "text", "Output format: text, json, jsonl")
	askCmd.Flags().StringVarP(&askTimeout, "timeout", "t", "5m", "Maximum time to wait for the answer")
	askCmd.Flags().BoolVar(&askNoCable, "no-cable", false, "Poll instead of subscribing to live updates")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "Only print the answer")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "Also print your turns and placeholders")
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}

	timeout, err := time.ParseDuration(askTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	outputFormat, err := parseOutputFormat(askOutputFormat)
	if err != nil {
		return err
	}

	prompt := askPrompt
	if prompt == "" && len(args) > 0 {
		prompt = strings.Join(args, " ")
	}
	if prompt == "" && askStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = string(data)
	}
	if prompt == "" {
		return fmt.Errorf("question required. Provide via argument, --prompt flag, or --stdin")
	}

	area, err := loadArea()
	if err != nil {
		return err
	}
	if askSessionID == "" && area == nil {
		return fmt.Errorf("a new session needs --area-file or --area")
	}

	cfg := headless.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.UserID = userID
	cfg.Prompt = prompt
	cfg.SessionID = askSessionID
	cfg.Title = askTitle
	cfg.AnalysisType = types.AnalysisType(askAnalysis)
	cfg.AIProvider = types.AIProvider(askProvider)
	cfg.Area = area
	cfg.OutputFormat = outputFormat
	cfg.Timeout = timeout
	cfg.NoCable = askNoCable
	cfg.Quiet = askQuiet
	cfg.Verbose = askVerbose

	runner := headless.NewRunner(cfg)
	result, err := runner.Run(cmd.Context(), os.Stdout)

	if result != nil && result.ExitCode != headless.ExitSuccess {
		if err != nil && outputFormat == headless.OutputText {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(int(result.ExitCode))
	}
	return err
}

func loadArea() (json.RawMessage, error) {
	raw := []byte(askArea)
	if askAreaFile != "" {
		data, err := os.ReadFile(askAreaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read area file: %w", err)
		}
		raw = data
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("area of interest is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func parseOutputFormat(s string) (headless.OutputFormat, error) {
	switch strings.ToLower(s) {
	case "text":
		return headless.OutputText, nil
	case "json":
		return headless.OutputJSON, nil
	case "jsonl":
		return headless.OutputJSONL, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (must be text, json, or jsonl)", s)
	}
}
