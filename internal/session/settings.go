package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/terrachat/terrachat/pkg/types"
)

// GetSettings returns the user's provider settings. Users who never saved
// any get an empty record.
func (s *Service) GetSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	return s.storage.GetSettings(ctx, userID)
}

// PutSettings merges update into the stored settings. A nil APIKey keeps
// the stored key; an empty model entry removes that model override.
func (s *Service) PutSettings(ctx context.Context, userID string, update types.SettingsUpdate) (*types.UserSettings, error) {
	settings, err := s.storage.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	settings.UserID = userID

	if update.AIProvider != "" {
		settings.AIProvider = update.AIProvider
	}
	if update.APIKey != nil {
		settings.APIKey = strings.TrimSpace(*update.APIKey)
	}
	if update.CustomEndpoint != nil {
		settings.CustomEndpoint = strings.TrimSpace(*update.CustomEndpoint)
	}
	for p, model := range update.Models {
		if !p.Valid() {
			return nil, &types.ValidationError{Field: "models", Message: fmt.Sprintf("unknown provider %q", p)}
		}
		if settings.Models == nil {
			settings.Models = make(map[types.AIProvider]string)
		}
		if model = strings.TrimSpace(model); model == "" {
			delete(settings.Models, p)
		} else {
			settings.Models[p] = model
		}
	}

	if err := s.validateSettings(settings); err != nil {
		return nil, err
	}
	if err := s.storage.PutSettings(ctx, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Service) validateSettings(settings *types.UserSettings) error {
	if settings.AIProvider == "" {
		return nil
	}
	if !settings.AIProvider.Valid() {
		return &types.ValidationError{Field: "ai_provider", Message: fmt.Sprintf("unknown provider %q", settings.AIProvider)}
	}
	if !settings.AIProvider.RequiresPersonalKey() {
		return nil
	}
	if settings.APIKey == "" {
		return &types.ValidationError{Field: "api_key", Message: "must be provided for custom providers"}
	}
	if settings.CustomEndpoint == "" && s.defaultCustomEndpoint == "" {
		return &types.ValidationError{Field: "custom_endpoint", Message: "must be provided for custom providers"}
	}
	return nil
}
