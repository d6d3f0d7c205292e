package testutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MockLLMConfig defines the YAML configuration schema for MockLLM scenarios.
type MockLLMConfig struct {
	Settings  MockSettings   `yaml:"settings"`
	Defaults  MockDefaults   `yaml:"defaults"`
	Responses []ResponseRule `yaml:"responses"`
}

// MockSettings configures MockLLM server behavior.
type MockSettings struct {
	LagMS int `yaml:"lag_ms"` // Artificial delay in milliseconds
}

// MockDefaults defines fallback behavior.
type MockDefaults struct {
	Fallback string `yaml:"fallback"` // Response when no rules match
}

// ResponseRule defines a prompt-to-response mapping. A rule with a Status
// answers with that HTTP error instead, for FailTimes requests when
// FailTimes is set and forever otherwise.
type ResponseRule struct {
	Name      string      `yaml:"name"`
	Match     MatchConfig `yaml:"match"`
	Response  string      `yaml:"response"`
	Status    int         `yaml:"status,omitempty"`
	FailTimes int         `yaml:"fail_times,omitempty"`
	Priority  int         `yaml:"priority"` // Higher priority rules are checked first
}

// MatchConfig defines how to match a prompt.
type MatchConfig struct {
	// Simple string matching (case-insensitive contains)
	Contains string `yaml:"contains"`

	// All strings must be present (case-insensitive)
	ContainsAll []string `yaml:"contains_all"`

	// Any string must be present (case-insensitive)
	ContainsAny []string `yaml:"contains_any"`

	// Exact match (case-insensitive)
	Exact string `yaml:"exact"`

	// Regex pattern
	Regex string `yaml:"regex"`
}

// DefaultMockLLMConfig returns the default configuration with common scenarios.
func DefaultMockLLMConfig() *MockLLMConfig {
	return &MockLLMConfig{
		Defaults: MockDefaults{
			Fallback: "The area shows no unusual pattern for this analysis.",
		},
		Responses: []ResponseRule{
			{
				Name:     "hot-spots",
				Match:    MatchConfig{ContainsAny: []string{"hot spot", "hottest"}},
				Response: "The hottest blocks are the paved industrial zone in the south-east.",
				Priority: 10,
			},
			{
				Name:     "tree-cover",
				Match:    MatchConfig{ContainsAll: []string{"tree", "cover"}},
				Response: "Tree cover is roughly 35%, concentrated along the river.",
				Priority: 10,
			},
			{
				Name:     "change-since",
				Match:    MatchConfig{Regex: `since (19|20)\d\d`},
				Response: "Built-up area grew by about 12% over the period.",
				Priority: 5,
			},
			{
				Name:     "upstream-down",
				Match:    MatchConfig{Contains: "always fail"},
				Status:   500,
				Priority: 20,
			},
		},
	}
}

// LoadMockLLMConfig loads configuration from a YAML file.
func LoadMockLLMConfig(path string) (*MockLLMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config MockLLMConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadMockLLMConfigFromDir looks for mockllm.yaml in the given directory.
func LoadMockLLMConfigFromDir(dir string) (*MockLLMConfig, error) {
	path := filepath.Join(dir, "mockllm.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "mockllm.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadMockLLMConfig(path)
}

// SaveMockLLMConfig saves configuration to a YAML file.
func SaveMockLLMConfig(config *MockLLMConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	promptLower := strings.ToLower(prompt)

	if m.Exact != "" {
		return strings.EqualFold(prompt, m.Exact)
	}

	if m.Contains != "" {
		return strings.Contains(promptLower, strings.ToLower(m.Contains))
	}

	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(promptLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}

	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(promptLower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	if m.Regex != "" {
		re, err := regexp.Compile("(?i)" + m.Regex)
		return err == nil && re.MatchString(prompt)
	}

	return false
}

// WithoutRule returns a copy of c without the named rule.
func (c *MockLLMConfig) WithoutRule(name string) *MockLLMConfig {
	out := *c
	out.Responses = make([]ResponseRule, 0, len(c.Responses))
	for _, r := range c.Responses {
		if r.Name != name {
			out.Responses = append(out.Responses, r)
		}
	}
	return &out
}

// FindMatchingRule returns the highest-priority rule matching prompt.
func (c *MockLLMConfig) FindMatchingRule(prompt string) *ResponseRule {
	var bestMatch *ResponseRule
	bestPriority := -1

	for i := range c.Responses {
		rule := &c.Responses[i]
		if rule.Match.Matches(prompt) && rule.Priority > bestPriority {
			bestMatch = rule
			bestPriority = rule.Priority
		}
	}
	return bestMatch
}

// FindMatchingResponse finds the response text for a prompt, falling back
// to the default.
func (c *MockLLMConfig) FindMatchingResponse(prompt string) (string, bool) {
	if rule := c.FindMatchingRule(prompt); rule != nil {
		return rule.Response, true
	}
	return c.Defaults.Fallback, false
}
