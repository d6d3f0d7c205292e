package headless

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat/terrachat/internal/app"
	"github.com/terrachat/terrachat/internal/worker"
	"github.com/terrachat/terrachat/pkg/types"
)

var square = json.RawMessage(`{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}`)

// startServer runs a full app whose OpenAI provider answers with reply,
// or with a 500 when reply is empty.
func startServer(t *testing.T, reply string) string {
	t.Helper()
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reply == "" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-headless",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(llm.Close)

	cfg := &types.Config{
		Database: types.DatabaseConfig{Path: filepath.Join(t.TempDir(), "terrachat.db")},
		Provider: map[string]types.ProviderConfig{
			string(types.ProviderOpenAI): {APIKey: "sk-test", BaseURL: llm.URL + "/v1"},
		},
	}
	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.Options{Worker: worker.Options{NoRetry: true}})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	})
	return ts.URL
}

func runnerConfig(url string) *Config {
	cfg := DefaultConfig()
	cfg.ServerURL = url
	cfg.UserID = "u1"
	cfg.AIProvider = types.ProviderOpenAI
	cfg.Area = square
	cfg.Timeout = 10 * time.Second
	cfg.PollInterval = 100 * time.Millisecond
	return cfg
}

func TestRunner_Success(t *testing.T) {
	url := startServer(t, "The river corridor stays coolest.")
	cfg := runnerConfig(url)
	cfg.Prompt = "Where is it coolest?"

	var out bytes.Buffer
	result, err := NewRunner(cfg).Run(context.Background(), &out)
	require.NoError(t, err)

	assert.Equal(t, ExitSuccess, result.ExitCode)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "The river corridor stays coolest.", result.FinalMessage)
	assert.NotEmpty(t, result.SessionID)
	assert.Contains(t, out.String(), "The river corridor stays coolest.")
	assert.Contains(t, out.String(), "[done] Session completed")
}

func TestRunner_PollingOnly(t *testing.T) {
	url := startServer(t, "Polled answer.")
	cfg := runnerConfig(url)
	cfg.Prompt = "Anything?"
	cfg.NoCable = true
	cfg.Quiet = true

	var out bytes.Buffer
	result, err := NewRunner(cfg).Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, result.ExitCode)
	assert.Equal(t, "Polled answer.\n", out.String())
}

func TestRunner_AnalysisFailed(t *testing.T) {
	url := startServer(t, "")
	cfg := runnerConfig(url)
	cfg.Prompt = "Will this work?"

	var out bytes.Buffer
	result, err := NewRunner(cfg).Run(context.Background(), &out)
	require.Error(t, err)
	assert.Equal(t, ExitAnalysisFailed, result.ExitCode)
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, out.String(), "[error]")
}

func TestRunner_JSONResult(t *testing.T) {
	url := startServer(t, "Dense tree canopy in the north.")
	cfg := runnerConfig(url)
	cfg.Prompt = "Describe the canopy."
	cfg.OutputFormat = OutputJSON

	var out bytes.Buffer
	_, err := NewRunner(cfg).Run(context.Background(), &out)
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, "success", result.Status)
	require.Len(t, result.Transcript, 2)
	assert.Equal(t, types.RoleUser, result.Transcript[0].Role)
	assert.Equal(t, "Dense tree canopy in the north.", result.Transcript[1].Content)
}

func TestRunner_InvalidInput(t *testing.T) {
	url := startServer(t, "unused")

	cfg := runnerConfig(url)
	result, err := NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, result.ExitCode)

	cfg = runnerConfig(url)
	cfg.Prompt = "hello"
	cfg.Area = nil
	result, err = NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, result.ExitCode)

	cfg = runnerConfig(url)
	cfg.Prompt = "hello"
	cfg.AnalysisType = "volcanoes"
	result, err = NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInput, result.ExitCode)
}

func TestRunner_SessionNotFound(t *testing.T) {
	url := startServer(t, "unused")
	cfg := runnerConfig(url)
	cfg.Prompt = "hello"
	cfg.SessionID = types.NewID()

	result, err := NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, ExitSessionNotFound, result.ExitCode)
}

func TestRunner_ContinueSession(t *testing.T) {
	url := startServer(t, "Same answer.")
	cfg := runnerConfig(url)
	cfg.Prompt = "First?"
	first, err := NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	cfg = runnerConfig(url)
	cfg.Prompt = "Second?"
	cfg.SessionID = first.SessionID
	cfg.OutputFormat = OutputJSON
	second, err := NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, second.Transcript, 4)
}

func TestRunner_Watch(t *testing.T) {
	url := startServer(t, "Watched answer.")
	cfg := runnerConfig(url)
	cfg.Prompt = "Go"
	first, err := NewRunner(cfg).Run(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)

	watchCfg := runnerConfig(url)
	watchCfg.SessionID = first.SessionID
	watchCfg.OutputFormat = OutputJSONL

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, NewRunner(watchCfg).Watch(ctx, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	var evt struct {
		Type string `json:"type"`
		Data struct {
			Content string `json:"content"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &evt))
	assert.Equal(t, "entry", evt.Type)
	assert.Equal(t, "Watched answer.", evt.Data.Content)
}
