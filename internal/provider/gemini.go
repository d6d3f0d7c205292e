package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/terrachat/terrachat/pkg/types"
)

const (
	DefaultGeminiModel   = "gemini-1.5-flash"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
)

// GeminiRequest is the generateContent request body.
type GeminiRequest struct {
	SystemInstruction *GeminiContent         `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent        `json:"contents"`
	GenerationConfig  GeminiGenerationConfig `json:"generationConfig"`
}

// GeminiContent is one turn (or the system instruction).
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a text fragment of a turn.
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiGenerationConfig carries sampling parameters.
type GeminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

// GeminiGateway calls the Gemini generateContent REST endpoint. The key
// travels as a query parameter, which is why this variant uses plain HTTP.
type GeminiGateway struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

// NewGeminiGateway creates the Gemini variant.
func NewGeminiGateway(cfg Config) (*GeminiGateway, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Provider: types.ProviderGemini, Message: "API key not configured"}
	}
	g := &GeminiGateway{
		client:  cfg.httpClient(),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
	if g.model == "" {
		g.model = DefaultGeminiModel
	}
	if g.baseURL == "" {
		g.baseURL = DefaultGeminiBaseURL
	}
	return g, nil
}

// ID returns the provider identifier.
func (g *GeminiGateway) ID() types.AIProvider { return types.ProviderGemini }

// BuildGeminiRequest converts a conversation: every system message becomes
// a part of systemInstruction, assistant turns become "model" turns and
// everything else is sent as "user".
func BuildGeminiRequest(messages []ChatMessage, temperature float64) GeminiRequest {
	req := GeminiRequest{
		Contents:         []GeminiContent{},
		GenerationConfig: GeminiGenerationConfig{Temperature: temperature},
	}
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			if req.SystemInstruction == nil {
				req.SystemInstruction = &GeminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, GeminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, GeminiContent{Role: role, Parts: []GeminiPart{{Text: m.Content}}})
	}
	return req
}

// Chat sends the conversation to generateContent.
func (g *GeminiGateway) Chat(ctx context.Context, messages []ChatMessage, temperature float64) (string, error) {
	body, err := json.Marshal(BuildGeminiRequest(messages, temperature))
	if err != nil {
		return "", wrap(types.ProviderGemini, err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		g.baseURL, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", wrap(types.ProviderGemini, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which carries the key.
		return "", networkError(types.ProviderGemini, redact(err, g.apiKey))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(types.ProviderGemini, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(types.ProviderGemini, resp.StatusCode, gjson.GetBytes(data, "error.message").String())
	}
	if !gjson.ValidBytes(data) {
		return "", invalidResponse(types.ProviderGemini, "body is not JSON")
	}

	text := gjson.GetBytes(data, "candidates.0.content.parts.0.text")
	if !text.Exists() || text.String() == "" {
		if reason := gjson.GetBytes(data, "promptFeedback.blockReason"); reason.Exists() {
			return "", invalidResponse(types.ProviderGemini, "prompt blocked: "+reason.String())
		}
		return "", invalidResponse(types.ProviderGemini, "missing candidates[0].content.parts[0].text")
	}
	return text.String(), nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), url.QueryEscape(secret), "REDACTED"), err: err}
}
