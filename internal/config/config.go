package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/terrachat/terrachat/pkg/types"
)

// Defaults applied after all sources are merged.
const (
	DefaultPort        = 3000
	DefaultConcurrency = 4
	DefaultTurnTimeout = 2 * time.Minute
)

// Workspace credential variables, one per provider that has a shared key.
// The custom provider intentionally has none.
var providerEnvKeys = map[types.AIProvider]string{
	types.ProviderOpenAI:     "OPENAI_API_KEY",
	types.ProviderGemini:     "GOOGLE_GEMINI_API_KEY",
	types.ProviderPerplexity: "PERPLEXITY_API_KEY",
}

// Load loads configuration from multiple sources (priority order):
// 1. .env in the directory (only fills variables not already set)
// 2. Global config (~/.config/terrachat/)
// 3. Project config (terrachat.{json,jsonc,yaml,yml} in directory)
// 4. TERRACHAT_CONFIG file
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}

	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if err := loadConfigFile(path, config); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	var candidates []string
	for _, name := range configNames() {
		candidates = append(candidates, filepath.Join(GetPaths().Config, name))
	}
	if directory != "" {
		for _, name := range configNames() {
			candidates = append(candidates, filepath.Join(directory, name))
		}
	}
	if configPath := os.Getenv("TERRACHAT_CONFIG"); configPath != "" {
		candidates = append(candidates, configPath)
	}

	for _, path := range candidates {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	return config, nil
}

func configNames() []string {
	return []string{appName + ".json", appName + ".jsonc", appName + ".yaml", appName + ".yml"}
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = interpolate(data)

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		// Strip JSONC comments using tidwall/jsonc
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate expands {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(varName)))
	})
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}

	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.EnableCORS != nil {
		target.Server.EnableCORS = source.Server.EnableCORS
	}
	if source.Server.PublicURL != "" {
		target.Server.PublicURL = source.Server.PublicURL
	}

	if source.Database.Path != "" {
		target.Database.Path = source.Database.Path
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}

	if source.Worker.Concurrency != 0 {
		target.Worker.Concurrency = source.Worker.Concurrency
	}
	if source.Worker.TurnTimeout != "" {
		target.Worker.TurnTimeout = source.Worker.TurnTimeout
	}

	if source.Telemetry.Enabled {
		target.Telemetry.Enabled = true
	}
	if source.Telemetry.ServiceName != "" {
		target.Telemetry.ServiceName = source.Telemetry.ServiceName
	}
	if source.Telemetry.Endpoint != "" {
		target.Telemetry.Endpoint = source.Telemetry.Endpoint
	}

	// Merge providers field by field so a later file can set only a model.
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			p := target.Provider[k]
			if v.APIKey != "" {
				p.APIKey = v.APIKey
			}
			if v.Model != "" {
				p.Model = v.Model
			}
			if v.BaseURL != "" {
				p.BaseURL = v.BaseURL
			}
			if v.Endpoint != "" {
				p.Endpoint = v.Endpoint
			}
			target.Provider[k] = p
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	for provider, envVar := range providerEnvKeys {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			p := config.Provider[string(provider)]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[string(provider)] = p
			}
		}
	}

	if endpoint := os.Getenv("DEFAULT_CUSTOM_AI_ENDPOINT"); endpoint != "" {
		p := config.Provider[string(types.ProviderCustom)]
		if p.Endpoint == "" {
			p.Endpoint = endpoint
			config.Provider[string(types.ProviderCustom)] = p
		}
	}

	if port := os.Getenv("TERRACHAT_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			config.Server.Port = n
		}
	}
	if db := os.Getenv("TERRACHAT_DB"); db != "" {
		config.Database.Path = db
	}
	if level := os.Getenv("TERRACHAT_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		config.Telemetry.Enabled = true
		config.Telemetry.Endpoint = endpoint
	}
}

func applyDefaults(config *types.Config) {
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.Database.Path == "" {
		config.Database.Path = GetPaths().DatabasePath()
	}
	if config.Worker.Concurrency <= 0 {
		config.Worker.Concurrency = DefaultConcurrency
	}
	if config.Telemetry.ServiceName == "" {
		config.Telemetry.ServiceName = appName
	}
}

// TurnTimeout returns the configured per-turn timeout or the default.
func TurnTimeout(config *types.Config) time.Duration {
	if config == nil || config.Worker.TurnTimeout == "" {
		return DefaultTurnTimeout
	}
	d, err := time.ParseDuration(config.Worker.TurnTimeout)
	if err != nil || d <= 0 {
		return DefaultTurnTimeout
	}
	return d
}

// CORSEnabled reports whether CORS middleware should be installed.
func CORSEnabled(config *types.Config) bool {
	return config.Server.EnableCORS == nil || *config.Server.EnableCORS
}

// Save saves the configuration to a file, as YAML when the extension asks
// for it and JSON otherwise.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
