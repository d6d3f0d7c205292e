package types

// Config represents the terrachat configuration.
// Files may be JSON, JSONC or YAML; both tag sets are kept in sync.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Server    ServerConfig              `json:"server,omitempty" yaml:"server,omitempty"`
	Database  DatabaseConfig            `json:"database,omitempty" yaml:"database,omitempty"`
	Log       LogConfig                 `json:"log,omitempty" yaml:"log,omitempty"`
	Worker    WorkerConfig              `json:"worker,omitempty" yaml:"worker,omitempty"`
	Telemetry TelemetryConfig           `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Provider  map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port       int    `json:"port,omitempty" yaml:"port,omitempty"`
	EnableCORS *bool  `json:"cors,omitempty" yaml:"cors,omitempty"`
	PublicURL  string `json:"public_url,omitempty" yaml:"public_url,omitempty"`
}

// DatabaseConfig configures SQLite persistence.
type DatabaseConfig struct {
	// Path is a file path or a go-sqlite3 DSN (":memory:" for tests).
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty" yaml:"pretty,omitempty"`
}

// WorkerConfig bounds the analysis worker.
type WorkerConfig struct {
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// TurnTimeout is a Go duration string such as "2m".
	TurnTimeout string `json:"turn_timeout,omitempty" yaml:"turn_timeout,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Endpoint    string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// ProviderConfig holds workspace-level provider settings.
type ProviderConfig struct {
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}
