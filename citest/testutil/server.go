package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/terrachat/terrachat/internal/app"
	"github.com/terrachat/terrachat/internal/client"
	"github.com/terrachat/terrachat/internal/worker"
	"github.com/terrachat/terrachat/pkg/types"
)

// TestServer wraps a running terrachat process and its mock provider.
type TestServer struct {
	App     *app.App
	BaseURL string
	Config  *types.Config
	MockLLM *MockLLMServer
	TempDir string
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile    string
	mockConfig *MockLLMConfig
	worker     worker.Options
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithMockLLMConfig sets the scenarios the mock provider answers with.
func WithMockLLMConfig(cfg *MockLLMConfig) TestServerOption {
	return func(c *testServerConfig) {
		c.mockConfig = cfg
	}
}

// WithWorkerOptions overrides the analysis worker options.
func WithWorkerOptions(opts worker.Options) TestServerOption {
	return func(c *testServerConfig) {
		c.worker = opts
	}
}

// StartTestServer creates and starts a test server whose OpenAI and
// custom providers both talk to a fresh mock LLM.
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{
		worker: worker.Options{RetryInterval: 10 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	}

	tempDir, err := os.MkdirTemp("", "terrachat-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	mock := NewMockLLMServer(cfg.mockConfig)

	port, err := findAvailablePort()
	if err != nil {
		mock.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	appConfig := buildTestConfig(tempDir, port, mock)

	ctx := context.Background()
	a, err := app.New(ctx, appConfig, app.Options{Version: "test", Worker: cfg.worker})
	if err != nil {
		mock.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Close(ctx)
		mock.Close()
		os.RemoveAll(tempDir)
		return nil, err
	}

	ts := &TestServer{
		App:     a,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		Config:  appConfig,
		MockLLM: mock,
		TempDir: tempDir,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.ListenAndServe()
	}()

	if err := waitForServer(ts.BaseURL, serveErr, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// Stop shuts down the test server and cleans up
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := ts.App.Close(ctx)
	if ts.MockLLM != nil {
		ts.MockLLM.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return err
}

// Client returns a typed API client acting as userID.
func (ts *TestServer) Client(userID string) *client.Client {
	return client.New(ts.BaseURL, userID)
}

// RawClient returns a raw HTTP client acting as userID.
func (ts *TestServer) RawClient(userID string) *TestClient {
	return NewTestClient(ts.BaseURL, userID)
}

// SSEClient returns a new SSE client acting as userID.
func (ts *TestServer) SSEClient(userID string) *SSEClient {
	return NewSSEClient(ts.BaseURL, userID)
}

// buildTestConfig points the workspace OpenAI provider and the custom
// provider at the mock.
func buildTestConfig(tempDir string, port int, mock *MockLLMServer) *types.Config {
	return &types.Config{
		Server:   types.ServerConfig{Port: port},
		Database: types.DatabaseConfig{Path: filepath.Join(tempDir, "terrachat.db")},
		Worker:   types.WorkerConfig{Concurrency: 4, TurnTimeout: "20s"},
		Provider: map[string]types.ProviderConfig{
			string(types.ProviderOpenAI): {
				APIKey:  "sk-e2e",
				BaseURL: mock.BaseURL(),
				Model:   "mock-gpt-4",
			},
			string(types.ProviderCustom): {
				Endpoint: mock.BaseURL() + "/chat/completions",
			},
		},
	}
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready, or for serveErr to
// report that it never started.
func waitForServer(baseURL string, serveErr <-chan error, timeout time.Duration) error {
	client := NewTestClient(baseURL, "")
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		select {
		case err := <-serveErr:
			return err
		case <-time.After(100 * time.Millisecond):
		}
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
