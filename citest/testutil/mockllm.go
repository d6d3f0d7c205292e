package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// MockLLMServer mimics the OpenAI chat completions API for testing. Every
// provider that speaks the OpenAI protocol can be pointed at it.
type MockLLMServer struct {
	server *httptest.Server
	config *MockLLMConfig

	mu       sync.Mutex
	requests []MockRequest
	failures map[string]int

	nextID atomic.Int64
}

// MockRequest records incoming requests for verification.
type MockRequest struct {
	Timestamp     time.Time
	Method        string
	Path          string
	Authorization string
	Body          map[string]interface{}
}

// NewMockLLMServer creates a mock LLM server answering from config, or
// from DefaultMockLLMConfig when config is nil.
func NewMockLLMServer(config *MockLLMConfig) *MockLLMServer {
	if config == nil {
		config = DefaultMockLLMConfig()
	}
	m := &MockLLMServer{
		config:   config,
		failures: make(map[string]int),
	}

	mux := http.NewServeMux()

	// OpenAI-compatible endpoint
	mux.HandleFunc("/v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/chat/completions", m.handleChatCompletions)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's URL.
func (m *MockLLMServer) URL() string {
	return m.server.URL
}

// BaseURL returns the API root to configure as a provider base URL.
func (m *MockLLMServer) BaseURL() string {
	return m.server.URL + "/v1"
}

// Close shuts down the mock server.
func (m *MockLLMServer) Close() {
	m.server.Close()
}

// GetRequests returns all recorded requests.
func (m *MockLLMServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of completion requests received.
func (m *MockLLMServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset forgets recorded requests and failure counters.
func (m *MockLLMServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.failures = make(map[string]int)
}

// SetConfig swaps the scenarios for subsequent requests.
func (m *MockLLMServer) SetConfig(config *MockLLMConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
	m.failures = make(map[string]int)
}

// Config returns the scenarios currently in use.
func (m *MockLLMServer) Config() *MockLLMConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// handleChatCompletions handles OpenAI-compatible chat completions.
func (m *MockLLMServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	prompt := extractLastPrompt(req)
	if prompt == "" {
		m.writeError(w, http.StatusBadRequest, "messages must include non-empty user content")
		return
	}

	m.mu.Lock()
	config := m.config
	rule := config.FindMatchingRule(prompt)
	m.requests = append(m.requests, MockRequest{
		Timestamp:     time.Now(),
		Method:        r.Method,
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		Body:          req,
	})
	failing := false
	if rule != nil && rule.Status != 0 {
		failing = rule.FailTimes == 0 || m.failures[rule.Name] < rule.FailTimes
		if failing {
			m.failures[rule.Name]++
		}
	}
	m.mu.Unlock()

	if lag := config.Settings.LagMS; lag > 0 {
		time.Sleep(time.Duration(lag) * time.Millisecond)
	}

	if failing {
		m.writeError(w, rule.Status, fmt.Sprintf("mock failure from rule %s", rule.Name))
		return
	}

	content := config.Defaults.Fallback
	if rule != nil {
		content = rule.Response
	}
	m.writeResponse(w, req, content)
}

// extractLastPrompt extracts the last user message from OpenAI format.
func extractLastPrompt(req map[string]interface{}) string {
	messages, ok := req["messages"].([]interface{})
	if !ok || len(messages) == 0 {
		return ""
	}

	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]interface{})
		if !ok {
			continue
		}
		if role, ok := msg["role"].(string); ok && role == "user" {
			if content, ok := msg["content"].(string); ok {
				return content
			}
		}
	}
	return ""
}

// writeResponse writes a non-streaming OpenAI response.
func (m *MockLLMServer) writeResponse(w http.ResponseWriter, req map[string]interface{}, content string) {
	model, _ := req["model"].(string)
	if model == "" {
		model = "mock-gpt-4"
	}
	response := map[string]interface{}{
		"id":      fmt.Sprintf("chatcmpl-mockllm-%d", m.nextID.Add(1)),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeError writes an OpenAI-style error body.
func (m *MockLLMServer) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "server_error",
		},
	})
}
