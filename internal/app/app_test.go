package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/internal/worker"
	"github.com/terrachat/terrachat/pkg/types"
)

var square = json.RawMessage(`{"type":"Polygon","coordinates":[[[2.3,48.8],[2.4,48.8],[2.4,48.9],[2.3,48.9],[2.3,48.8]]]}`)

// llmServer answers OpenAI-style chat completions with a fixed reply.
func llmServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-app",
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
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, llmURL string) *types.Config {
	t.Helper()
	return &types.Config{
		Database: types.DatabaseConfig{Path: filepath.Join(t.TempDir(), "terrachat.db")},
		Worker:   types.WorkerConfig{Concurrency: 2, TurnTimeout: "10s"},
		Provider: map[string]types.ProviderConfig{
			string(types.ProviderOpenAI): {APIKey: "sk-test", BaseURL: llmURL + "/v1"},
		},
	}
}

func waitForStatus(t *testing.T, c *client.Client, sessionID string, want types.Status) *types.SessionState {
	t.Helper()
	var state *types.SessionState
	require.Eventually(t, func() bool {
		var err error
		state, err = c.FetchSession(context.Background(), sessionID)
		return err == nil && state.Session.Status == want
	}, 5*time.Second, 20*time.Millisecond)
	return state
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestApp_AnswersTurn(t *testing.T) {
	llm := llmServer(t, "The downtown core runs hottest.")
	ctx := context.Background()

	a, err := New(ctx, testConfig(t, llm.URL), Options{Worker: worker.Options{NoRetry: true}})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(closeCtx))
	}()

	c := client.New(ts.URL, "u1")
	session, err := c.CreateSession(ctx, types.SessionCreate{
		AnalysisType:   types.AnalysisHeatIsland,
		AIProvider:     types.ProviderOpenAI,
		AreaOfInterest: square,
	})
	require.NoError(t, err)

	_, err = c.SubmitTurn(ctx, session.ID, "Where is it hottest?", nil)
	require.NoError(t, err)

	state := waitForStatus(t, c, session.ID, types.StatusCompleted)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, types.RoleUser, state.Messages[0].Role)
	assert.Equal(t, types.RoleAssistant, state.Messages[1].Role)
	assert.Equal(t, "The downtown core runs hottest.", state.Messages[1].Content)
}

func TestApp_RecoversInterruptedTurn(t *testing.T) {
	llm := llmServer(t, "unused")
	cfg := testConfig(t, llm.URL)
	ctx := context.Background()

	first, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	now := time.Now().UTC()
	stuck := &types.Session{
		ID:             types.NewID(),
		UserID:         "u1",
		AnalysisType:   types.AnalysisLandCover,
		AIProvider:     types.ProviderOpenAI,
		Status:         types.StatusProcessing,
		AreaOfInterest: square,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, first.Store.CreateSession(ctx, stuck))
	require.NoError(t, first.Close(ctx))

	second, err := New(ctx, cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer second.Close(ctx)

	got, err := second.Store.GetSession(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestApp_TelemetryRecordsTurnSpans(t *testing.T) {
	llm := llmServer(t, "Mostly cropland.")
	cfg := testConfig(t, llm.URL)
	cfg.Telemetry = types.TelemetryConfig{Enabled: true, ServiceName: "terrachat-test"}
	ctx := context.Background()

	recorder := tracetest.NewSpanRecorder()
	a, err := New(ctx, cfg, Options{Version: "test", SpanProcessor: recorder})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	ts := httptest.NewServer(a.Handler())
	defer ts.Close()

	c := client.New(ts.URL, "u1")
	session, err := c.CreateSession(ctx, types.SessionCreate{
		AnalysisType:   types.AnalysisLandCover,
		AIProvider:     types.ProviderOpenAI,
		AreaOfInterest: square,
	})
	require.NoError(t, err)
	_, err = c.SubmitTurn(ctx, session.ID, "What covers this area?", nil)
	require.NoError(t, err)
	waitForStatus(t, c, session.ID, types.StatusCompleted)

	require.NoError(t, a.Close(ctx))
	assert.NotEmpty(t, recorder.Ended())
}
