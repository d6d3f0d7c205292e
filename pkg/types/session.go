// Package types provides the core data types for the terrachat server.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// AnalysisType is the kind of geospatial analysis a session performs.
type AnalysisType string

const (
	AnalysisHeatIsland      AnalysisType = "heat_island"
	AnalysisLandCover       AnalysisType = "land_cover"
	AnalysisLandCoverChange AnalysisType = "land_cover_change"
	AnalysisAirPollution    AnalysisType = "air_pollution"
)

// AnalysisTypes lists every supported analysis type.
var AnalysisTypes = []AnalysisType{
	AnalysisHeatIsland,
	AnalysisLandCover,
	AnalysisLandCoverChange,
	AnalysisAirPollution,
}

// Valid reports whether a is a known analysis type.
func (a AnalysisType) Valid() bool {
	for _, known := range AnalysisTypes {
		if a == known {
			return true
		}
	}
	return false
}

// Description returns the human-readable label used in prompts.
func (a AnalysisType) Description() string {
	switch a {
	case AnalysisHeatIsland:
		return "Urban Heat Island analysis - analyzing temperature variations in urban areas"
	case AnalysisLandCover:
		return "Land Use/Land Cover mapping - classifying land cover types"
	case AnalysisLandCoverChange:
		return "Land Use/Land Cover Change detection - detecting changes over time"
	case AnalysisAirPollution:
		return "Air Pollution analysis - analyzing pollution patterns and trends"
	default:
		return "Geospatial analysis"
	}
}

// AIProvider identifies one of the supported completion backends.
type AIProvider string

const (
	ProviderOpenAI     AIProvider = "openai"
	ProviderGemini     AIProvider = "gemini"
	ProviderPerplexity AIProvider = "perplexity"
	ProviderCustom     AIProvider = "custom"
)

// AIProviders lists every supported provider in display order.
var AIProviders = []AIProvider{
	ProviderOpenAI,
	ProviderGemini,
	ProviderPerplexity,
	ProviderCustom,
}

// Valid reports whether p is a known provider.
func (p AIProvider) Valid() bool {
	for _, known := range AIProviders {
		if p == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a session's latest turn.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a turn.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions maps each target status to the states allowed to reach it.
// Terminal states only re-enter processing when a new turn is picked up.
var transitions = map[Status][]Status{
	StatusProcessing: {StatusPending, StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// Predecessors returns the statuses from which to is reachable.
func Predecessors(to Status) []Status {
	return transitions[to]
}

// CanTransition reports whether moving from s to to is allowed.
func (s Status) CanTransition(to Status) bool {
	for _, from := range transitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// Session is one analysis conversation over a single area of interest.
type Session struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Title            string          `json:"title,omitempty"`
	AnalysisType     AnalysisType    `json:"analysis_type"`
	AIProvider       AIProvider      `json:"ai_provider,omitempty"`
	Status           Status          `json:"status"`
	AreaOfInterest   json.RawMessage `json:"area_of_interest"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	ProviderMetadata map[string]any  `json:"provider_metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SessionState is the full-state view of a session used for initial loads
// and fallback polling.
type SessionState struct {
	Session  *Session   `json:"session"`
	Messages []*Message `json:"messages"`
}

// SessionCreate is the body accepted when a session is opened.
type SessionCreate struct {
	Title            string          `json:"title,omitempty"`
	AnalysisType     AnalysisType    `json:"analysis_type"`
	AIProvider       AIProvider      `json:"ai_provider,omitempty"`
	AreaOfInterest   json.RawMessage `json:"area_of_interest"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	ProviderMetadata map[string]any  `json:"provider_metadata,omitempty"`
}

// SessionPatch carries the owner-editable fields of a session.
// There is no status field: only the worker moves it.
type SessionPatch struct {
	Title            *string         `json:"title,omitempty"`
	AnalysisType     *AnalysisType   `json:"analysis_type,omitempty"`
	AIProvider       *AIProvider     `json:"ai_provider,omitempty"`
	AreaOfInterest   json.RawMessage `json:"area_of_interest,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	ProviderMetadata map[string]any  `json:"provider_metadata,omitempty"`
}

// Validate checks the enum fields of a session.
func (s *Session) Validate() error {
	if !s.AnalysisType.Valid() {
		return &ValidationError{Field: "analysis_type", Message: fmt.Sprintf("unknown analysis type %q", s.AnalysisType)}
	}
	if s.AIProvider != "" && !s.AIProvider.Valid() {
		return &ValidationError{Field: "ai_provider", Message: fmt.Sprintf("unknown provider %q", s.AIProvider)}
	}
	if len(s.AreaOfInterest) == 0 {
		return &ValidationError{Field: "area_of_interest", Message: "area of interest is required"}
	}
	return nil
}
