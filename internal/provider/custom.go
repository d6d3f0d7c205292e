package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/terrachat/terrachat/pkg/types"
)

// CustomGateway posts OpenAI-shaped requests to a user-supplied endpoint.
// Self-hosted servers disagree on the response shape, so both
// choices[0].message.content and a bare {"content": ...} are accepted.
type CustomGateway struct {
	client   *http.Client
	apiKey   string
	model    string
	endpoint string
}

type customRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature"`
}

// NewCustomGateway creates the custom HTTP variant.
func NewCustomGateway(cfg Config) (*CustomGateway, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Provider: types.ProviderCustom, Message: "API key not configured"}
	}
	if cfg.BaseURL == "" {
		return nil, &ConfigError{Provider: types.ProviderCustom, Message: "endpoint not configured"}
	}
	return &CustomGateway{
		client:   cfg.httpClient(),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		endpoint: cfg.BaseURL,
	}, nil
}

// ID returns the provider identifier.
func (g *CustomGateway) ID() types.AIProvider { return types.ProviderCustom }

// Chat posts the conversation to the configured endpoint.
func (g *CustomGateway) Chat(ctx context.Context, messages []ChatMessage, temperature float64) (string, error) {
	body, err := json.Marshal(customRequest{Messages: messages, Model: g.model, Temperature: temperature})
	if err != nil {
		return "", wrap(types.ProviderCustom, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", wrap(types.ProviderCustom, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", networkError(types.ProviderCustom, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(types.ProviderCustom, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(types.ProviderCustom, resp.StatusCode, gjson.GetBytes(data, "error.message").String())
	}
	if !gjson.ValidBytes(data) {
		return "", invalidResponse(types.ProviderCustom, "body is not JSON")
	}

	if content := gjson.GetBytes(data, "choices.0.message.content"); content.Type == gjson.String && content.String() != "" {
		return content.String(), nil
	}
	if content := gjson.GetBytes(data, "content"); content.Type == gjson.String && content.String() != "" {
		return content.String(), nil
	}
	return "", &Error{Provider: types.ProviderCustom, StatusCode: resp.StatusCode, Message: "Custom provider response missing content"}
}
