// Package client talks to a terrachat server: a JSON API client for
// sessions and settings, and a Cable for live session events.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/terrachat/terrachat/pkg/types"
)

// UserHeader names the calling user on every request.
const UserHeader = "X-User-ID"

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Client is an HTTP client for the session API.
type Client struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
}

// New creates a client for the server at baseURL acting as userID.
func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		UserID:  userID,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CreateSession opens a new analysis session.
func (c *Client) CreateSession(ctx context.Context, in types.SessionCreate) (*types.Session, error) {
	var s types.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the user's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]*types.Session, error) {
	var sessions []*types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// FetchSession returns the session with its full transcript.
func (c *Client) FetchSession(ctx context.Context, sessionID string) (*types.SessionState, error) {
	var state types.SessionState
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SubmitTurn posts a user message and returns it as stored.
func (c *Client) SubmitTurn(ctx context.Context, sessionID, content string, payload map[string]any) (*types.Message, error) {
	body := map[string]any{"content": content}
	if payload != nil {
		body["payload"] = payload
	}
	var msg types.Message
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetSettings returns the user's provider settings.
func (c *Client) GetSettings(ctx context.Context) (*types.SettingsView, error) {
	var view types.SettingsView
	if err := c.do(ctx, http.MethodGet, "/users/me/settings", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// PutSettings updates the user's provider settings.
func (c *Client) PutSettings(ctx context.Context, update types.SettingsUpdate) (*types.SettingsView, error) {
	var view types.SettingsView
	if err := c.do(ctx, http.MethodPut, "/users/me/settings", update, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// do performs a JSON request and decodes a successful response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(UserHeader, c.UserID)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
