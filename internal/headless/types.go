package headless

import (
	"encoding/json"
	"time"

	"github.com/terrachat/terrachat/internal/clientsync"
	"github.com/terrachat/terrachat/pkg/types"
)

// OutputFormat defines the output format for headless mode.
type OutputFormat string

const (
	// OutputText is human-readable streaming text output.
	OutputText OutputFormat = "text"
	// OutputJSON is final JSON result summary.
	OutputJSON OutputFormat = "json"
	// OutputJSONL is streaming JSONL events.
	OutputJSONL OutputFormat = "jsonl"
)

// ExitCode defines exit codes for headless mode.
type ExitCode int

const (
	// ExitSuccess indicates the analysis completed.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general/unknown error.
	ExitError ExitCode = 1
	// ExitTimeout indicates timeout exceeded.
	ExitTimeout ExitCode = 2
	// ExitAnalysisFailed indicates the turn ended with a failure message.
	ExitAnalysisFailed ExitCode = 3
	// ExitInvalidInput indicates a bad prompt, area or missing flags.
	ExitInvalidInput ExitCode = 4
	// ExitSessionNotFound indicates the session to continue does not exist.
	ExitSessionNotFound ExitCode = 5
)

// Config holds configuration for one headless run.
type Config struct {
	// ServerURL is the root of a running terrachat server.
	ServerURL string
	// UserID is sent as the calling user.
	UserID string

	// Prompt is the question to ask.
	Prompt string
	// SessionID continues an existing session instead of opening one.
	SessionID string

	// Fields used when a new session is opened.
	Title        string
	AnalysisType types.AnalysisType
	AIProvider   types.AIProvider
	Area         json.RawMessage

	OutputFormat OutputFormat
	Timeout      time.Duration
	// PollInterval paces fallback polling while a reply is pending.
	PollInterval time.Duration
	// NoCable disables the live subscription; replies arrive by polling.
	NoCable bool

	// Quiet suppresses progress output, only shows result.
	Quiet bool
	// Verbose shows user turns and placeholders too.
	Verbose bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:    "http://localhost:3000",
		AnalysisType: types.AnalysisHeatIsland,
		OutputFormat: OutputText,
		Timeout:      5 * time.Minute,
	}
}

// Result holds the final result of a headless execution.
type Result struct {
	SessionID    string             `json:"session_id"`
	Status       string             `json:"status"` // "success", "failed", "error", "timeout"
	DurationMS   int64              `json:"duration_ms"`
	Transcript   []clientsync.Entry `json:"transcript,omitempty"`
	FinalMessage string             `json:"final_message,omitempty"`
	Error        string             `json:"error,omitempty"`
	ExitCode     ExitCode           `json:"exit_code"`
}

// Event represents a JSONL event for streaming output.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}
