package provider

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/terrachat/terrachat/pkg/types"
)

const (
	DefaultPerplexityModel   = "sonar-pro"
	DefaultPerplexityBaseURL = "https://api.perplexity.ai"

	perplexityContinue = "Please continue"
)

// PerplexityGateway talks to Perplexity's OpenAI-compatible endpoint. The
// API insists on strictly alternating user/assistant turns, so every
// request is normalized first.
type PerplexityGateway struct {
	chatModel model.BaseChatModel
}

// NewPerplexityGateway creates the Perplexity variant.
func NewPerplexityGateway(ctx context.Context, cfg Config) (*PerplexityGateway, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultPerplexityModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPerplexityBaseURL
	}
	chatModel, err := newEinoChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PerplexityGateway{chatModel: chatModel}, nil
}

// ID returns the provider identifier.
func (g *PerplexityGateway) ID() types.AIProvider { return types.ProviderPerplexity }

// Chat normalizes the conversation and sends it.
func (g *PerplexityGateway) Chat(ctx context.Context, messages []ChatMessage, temperature float64) (string, error) {
	normalized := NormalizePerplexity(messages)
	return generate(ctx, types.ProviderPerplexity, g.chatModel, toEinoMessages(normalized), temperature)
}

// NormalizePerplexity reshapes a conversation for Perplexity:
// system messages go first, only user/assistant turns are kept after
// them, consecutive turns with the same role are merged with a blank line,
// and a trailing assistant turn is followed by a "Please continue" prompt.
func NormalizePerplexity(messages []ChatMessage) []ChatMessage {
	var system, turns []ChatMessage
	for _, m := range messages {
		switch m.Role {
		case types.RoleSystem:
			system = append(system, m)
		case types.RoleUser, types.RoleAssistant:
			if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
				turns[n-1].Content = strings.Join([]string{turns[n-1].Content, m.Content}, "\n\n")
				continue
			}
			turns = append(turns, m)
		}
	}

	if n := len(turns); n > 0 && turns[n-1].Role == types.RoleAssistant {
		turns = append(turns, ChatMessage{Role: types.RoleUser, Content: perplexityContinue})
	}

	out := make([]ChatMessage, 0, len(system)+len(turns))
	out = append(out, system...)
	return append(out, turns...)
}
