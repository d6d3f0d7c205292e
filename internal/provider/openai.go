package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/terrachat/terrachat/pkg/types"
)

// DefaultOpenAIModel is used when neither the user nor the workspace picks one.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIGateway talks to the OpenAI chat completions API through Eino.
type OpenAIGateway struct {
	id        types.AIProvider
	chatModel model.BaseChatModel
	model     string
}

// NewOpenAIGateway creates the OpenAI variant.
func NewOpenAIGateway(ctx context.Context, cfg Config) (*OpenAIGateway, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	chatModel, err := newEinoChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAIGateway{id: types.ProviderOpenAI, chatModel: chatModel, model: cfg.Model}, nil
}

// newEinoChatModel builds an OpenAI-compatible Eino chat model. Perplexity
// shares it with a different base URL.
func newEinoChatModel(ctx context.Context, cfg Config) (model.BaseChatModel, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Provider: cfg.Provider, Message: "API key not configured"}
	}

	mc := &openai.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
	}
	if cfg.BaseURL != "" {
		mc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
	}

	chatModel, err := openai.NewChatModel(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.Provider, err)
	}
	return chatModel, nil
}

// ID returns the provider identifier.
func (g *OpenAIGateway) ID() types.AIProvider { return g.id }

// Chat sends messages verbatim, system entries included.
func (g *OpenAIGateway) Chat(ctx context.Context, messages []ChatMessage, temperature float64) (string, error) {
	return generate(ctx, g.id, g.chatModel, toEinoMessages(messages), temperature)
}

func generate(ctx context.Context, id types.AIProvider, cm model.BaseChatModel, msgs []*schema.Message, temperature float64) (string, error) {
	resp, err := cm.Generate(ctx, msgs, model.WithTemperature(float32(temperature)))
	if err != nil {
		return "", wrap(id, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", invalidResponse(id, "empty completion")
	}
	return resp.Content, nil
}

func toEinoMessages(messages []ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, &schema.Message{Role: toEinoRole(m.Role), Content: m.Content})
	}
	return out
}

func toEinoRole(role types.Role) schema.RoleType {
	switch role {
	case types.RoleSystem:
		return schema.System
	case types.RoleAssistant:
		return schema.Assistant
	default:
		return schema.User
	}
}
