package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/terrachat/terrachat/pkg/types"
)

// GetSettings returns a user's provider settings. Users who never saved
// settings get an empty record rather than ErrNotFound.
func (s *Storage) GetSettings(ctx context.Context, userID string) (*types.UserSettings, error) {
	var (
		settings = types.UserSettings{UserID: userID}
		provider string
		models   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ai_provider, api_key, models, custom_endpoint FROM user_settings WHERE user_id = ?`, userID).
		Scan(&provider, &settings.APIKey, &models, &settings.CustomEndpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return &settings, nil
	}
	if err != nil {
		return nil, err
	}

	settings.AIProvider = types.AIProvider(provider)
	if models.Valid && models.String != "" {
		if err := json.Unmarshal([]byte(models.String), &settings.Models); err != nil {
			return nil, fmt.Errorf("failed to decode models: %w", err)
		}
	}
	return &settings, nil
}

// PutSettings inserts or replaces a user's provider settings.
func (s *Storage) PutSettings(ctx context.Context, settings *types.UserSettings) error {
	var models sql.NullString
	if len(settings.Models) > 0 {
		data, err := json.Marshal(settings.Models)
		if err != nil {
			return err
		}
		models = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, ai_provider, api_key, models, custom_endpoint) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			ai_provider = excluded.ai_provider,
			api_key = excluded.api_key,
			models = excluded.models,
			custom_endpoint = excluded.custom_endpoint`,
		settings.UserID, string(settings.AIProvider), settings.APIKey, models, settings.CustomEndpoint)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
