package domain

import "time"

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Rule documents
	Rules RulesConfig `json:"rules"`

	// Triage behaviour
	Triage TriageConfig `json:"triage"`

	// Component configurations
	Source     SourceConfig     `json:"source"`
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RulesConfig locates the rule documents.
type RulesConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"` // reload when the directory changes
}

// TriageConfig controls labelling.
type TriageConfig struct {
	// DryRun logs decisions without applying labels.
	DryRun bool `json:"dryRun"`

	// Mailbox is the mailbox the poller and worker serve.
	Mailbox string `json:"mailbox"`

	PollInterval time.Duration `json:"pollInterval"`

	// RateLimit caps messages published per second by the poller (0 = unlimited).
	RateLimit float64 `json:"rateLimit"`

	// Workers bounds concurrent rule scoring per message.
	Workers int `json:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// cache, channel bus and dry-run labelling.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Rules: RulesConfig{
			Dir: "./rules",
		},
		Triage: TriageConfig{
			DryRun:       true,
			Mailbox:      "default",
			PollInterval: 60 * time.Second,
			Workers:      10,
		},
		Source: SourceConfig{
			Type: "none",
			IMAP: IMAPConfig{
				Mailbox: "INBOX",
				TLS:     true,
			},
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ClaimTTL:     24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}
