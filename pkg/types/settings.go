package types

// UserSettings holds a user's provider preferences and credentials.
type UserSettings struct {
	UserID         string                `json:"user_id"`
	AIProvider     AIProvider            `json:"ai_provider,omitempty"`
	APIKey         string                `json:"-"`
	Models         map[AIProvider]string `json:"models,omitempty"`
	CustomEndpoint string                `json:"custom_endpoint,omitempty"`
}

// SettingsView is the public projection of UserSettings. The key itself is
// never returned, only whether one is stored.
type SettingsView struct {
	UserID         string                `json:"user_id"`
	AIProvider     AIProvider            `json:"ai_provider,omitempty"`
	HasAPIKey      bool                  `json:"has_api_key"`
	Models         map[AIProvider]string `json:"models,omitempty"`
	CustomEndpoint string                `json:"custom_endpoint,omitempty"`
}

// View returns the public projection of s.
func (s *UserSettings) View() SettingsView {
	return SettingsView{
		UserID:         s.UserID,
		AIProvider:     s.AIProvider,
		HasAPIKey:      s.APIKey != "",
		Models:         s.Models,
		CustomEndpoint: s.CustomEndpoint,
	}
}

// RequiresPersonalKey reports whether p can only use a user-supplied key.
func (p AIProvider) RequiresPersonalKey() bool {
	return p == ProviderCustom
}

// SettingsUpdate is the body accepted when a user edits provider settings.
// A nil APIKey leaves the stored key untouched; an empty one clears it.
type SettingsUpdate struct {
	AIProvider     AIProvider            `json:"ai_provider,omitempty"`
	APIKey         *string               `json:"api_key,omitempty"`
	Models         map[AIProvider]string `json:"models,omitempty"`
	CustomEndpoint *string               `json:"custom_endpoint,omitempty"`
}
