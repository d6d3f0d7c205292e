package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/terrachat/terrachat/pkg/types"
)

// Builder constructs a gateway from a resolved configuration.
type Builder func(ctx context.Context, cfg Config) (Gateway, error)

// Info describes a provider for clients choosing one.
type Info struct {
	ID                  types.AIProvider `json:"id"`
	Name                string           `json:"name"`
	DefaultModel        string           `json:"default_model,omitempty"`
	RequiresPersonalKey bool             `json:"requires_personal_key"`
	WorkspaceConfigured bool             `json:"workspace_configured"`
}

// Registry maps each provider to its builder and holds the workspace
// defaults used during resolution.
type Registry struct {
	mu        sync.RWMutex
	builders  map[types.AIProvider]Builder
	workspace map[string]types.ProviderConfig
}

// NewRegistry creates a registry with the four built-in variants.
func NewRegistry(config *types.Config) *Registry {
	r := &Registry{
		builders:  make(map[types.AIProvider]Builder),
		workspace: make(map[string]types.ProviderConfig),
	}
	if config != nil && config.Provider != nil {
		r.workspace = config.Provider
	}

	r.Register(types.ProviderOpenAI, func(ctx context.Context, cfg Config) (Gateway, error) {
		return NewOpenAIGateway(ctx, cfg)
	})
	r.Register(types.ProviderPerplexity, func(ctx context.Context, cfg Config) (Gateway, error) {
		return NewPerplexityGateway(ctx, cfg)
	})
	r.Register(types.ProviderGemini, func(_ context.Context, cfg Config) (Gateway, error) {
		return NewGeminiGateway(cfg)
	})
	r.Register(types.ProviderCustom, func(_ context.Context, cfg Config) (Gateway, error) {
		return NewCustomGateway(cfg)
	})
	return r
}

// Register replaces the builder for a provider.
func (r *Registry) Register(id types.AIProvider, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[id] = b
}

// Build constructs the gateway for an already resolved configuration.
// Builder failures come back as *ConfigError unless the builder already
// returned a *ConfigError or *Error.
func (r *Registry) Build(ctx context.Context, cfg Config) (Gateway, error) {
	r.mu.RLock()
	b, ok := r.builders[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigError{Provider: cfg.Provider, Message: "unsupported provider"}
	}
	g, err := b(ctx, cfg)
	if err != nil {
		return nil, buildError(cfg.Provider, err)
	}
	return g, nil
}

func buildError(p types.AIProvider, err error) error {
	var cerr *ConfigError
	if errors.As(err, &cerr) {
		return cerr
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &ConfigError{Provider: p, Message: "failed to create client: " + err.Error()}
}

// Gateway resolves credentials for p and builds its gateway.
func (r *Registry) Gateway(ctx context.Context, p types.AIProvider, user *types.UserSettings) (Gateway, error) {
	cfg, err := Resolve(p, user, r.workspace)
	if err != nil {
		return nil, err
	}
	return r.Build(ctx, cfg)
}

// List describes every provider in display order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(types.AIProviders))
	for _, id := range types.AIProviders {
		shared := r.workspace[string(id)]
		info := Info{
			ID:                  id,
			Name:                displayName(id),
			DefaultModel:        defaultModel(id),
			RequiresPersonalKey: id.RequiresPersonalKey(),
			WorkspaceConfigured: shared.APIKey != "",
		}
		if shared.Model != "" {
			info.DefaultModel = shared.Model
		}
		if id == types.ProviderCustom {
			info.WorkspaceConfigured = shared.Endpoint != ""
		}
		out = append(out, info)
	}
	return out
}

func displayName(id types.AIProvider) string {
	switch id {
	case types.ProviderOpenAI:
		return "OpenAI"
	case types.ProviderGemini:
		return "Google Gemini"
	case types.ProviderPerplexity:
		return "Perplexity"
	case types.ProviderCustom:
		return "Custom HTTP"
	}
	return string(id)
}

func defaultModel(id types.AIProvider) string {
	switch id {
	case types.ProviderOpenAI:
		return DefaultOpenAIModel
	case types.ProviderGemini:
		return DefaultGeminiModel
	case types.ProviderPerplexity:
		return DefaultPerplexityModel
	}
	return ""
}
