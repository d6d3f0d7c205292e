package provider

import (
	"net/http"
	"time"

	"github.com/terrachat/terrachat/pkg/types"
)

// Config is a fully resolved provider configuration.
type Config struct {
	Provider types.AIProvider
	APIKey   string
	Model    string

	// BaseURL overrides the API root. For the custom provider it is the
	// full endpoint URL.
	BaseURL string
	Timeout time.Duration

	// HTTPClient is used by the plain-HTTP variants when set.
	HTTPClient *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// SelectProvider picks the provider for a turn: the session override, then
// the user's default, then OpenAI.
func SelectProvider(sessionOverride, userDefault types.AIProvider) types.AIProvider {
	if sessionOverride.Valid() {
		return sessionOverride
	}
	if userDefault.Valid() {
		return userDefault
	}
	return types.ProviderOpenAI
}

// Resolve builds the configuration for p from the user's settings and the
// workspace defaults. A user key always wins over the workspace key; the
// custom provider has no workspace key at all.
func Resolve(p types.AIProvider, user *types.UserSettings, workspace map[string]types.ProviderConfig) (Config, error) {
	if !p.Valid() {
		return Config{}, &ConfigError{Provider: p, Message: "unknown provider"}
	}
	if user == nil {
		user = &types.UserSettings{}
	}
	shared := workspace[string(p)]

	cfg := Config{
		Provider: p,
		APIKey:   user.APIKey,
		Model:    user.Models[p],
		BaseURL:  shared.BaseURL,
	}
	// A stored key belongs to the user's default provider; it is only
	// offered to that provider.
	if user.AIProvider != "" && user.AIProvider != p {
		cfg.APIKey = ""
	}
	if cfg.APIKey == "" && !p.RequiresPersonalKey() {
		cfg.APIKey = shared.APIKey
	}
	if cfg.Model == "" {
		cfg.Model = shared.Model
	}

	if p == types.ProviderCustom {
		cfg.BaseURL = user.CustomEndpoint
		if cfg.BaseURL == "" {
			cfg.BaseURL = shared.Endpoint
		}
		if cfg.BaseURL == "" {
			return Config{}, &ConfigError{Provider: p, Message: "endpoint not configured"}
		}
	}

	if cfg.APIKey == "" {
		return Config{}, &ConfigError{Provider: p, Message: "API key not configured"}
	}
	return cfg, nil
}
