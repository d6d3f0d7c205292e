// Package config provides configuration loading, merging, and path management for terrachat.
//
// # Configuration Loading
//
// Load merges configuration from several sources, later ones winning:
//
//  1. A .env file in the working directory (godotenv; never overrides set variables)
//  2. Global config (~/.config/terrachat/terrachat.{json,jsonc,yaml,yml})
//  3. Project config (terrachat.{json,jsonc,yaml,yml} in the working directory)
//  4. The file named by TERRACHAT_CONFIG
//  5. Environment variables
//
// JSONC files are stripped of comments with tidwall/jsonc; YAML files are
// decoded with gopkg.in/yaml.v3.
//
// # Variable Interpolation
//
// String values may contain {env:VAR_NAME}, which expands to the variable's
// value before decoding:
//
//	provider:
//	  openai:
//	    api_key: "{env:MY_OPENAI_KEY}"
//	    model: gpt-4o-mini
//
// # Environment Variable Overrides
//
//   - OPENAI_API_KEY, GOOGLE_GEMINI_API_KEY, PERPLEXITY_API_KEY - workspace provider keys
//   - DEFAULT_CUSTOM_AI_ENDPOINT - fallback endpoint for the custom provider
//   - TERRACHAT_PORT, TERRACHAT_DB, TERRACHAT_LOG_LEVEL
//   - OTEL_EXPORTER_OTLP_ENDPOINT - enables tracing export
package config
