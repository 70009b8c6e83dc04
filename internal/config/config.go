// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the recitalign server.
package config

import (
	"time"

	"github.com/MrWong99/recitalign/internal/api"
	"github.com/MrWong99/recitalign/internal/mcpserver"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/internal/quota"
	"github.com/MrWong99/recitalign/internal/resilience"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/segment"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects where sessions are persisted.
type Backend string

const (
	// BackendMemory keeps sessions in process only.
	BackendMemory Backend = "memory"

	// BackendSQLite writes sessions through to a local SQLite file.
	BackendSQLite Backend = "sqlite"

	// BackendPostgres writes sessions through to PostgreSQL.
	BackendPostgres Backend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendMemory, BackendSQLite, BackendPostgres:
		return true
	}
	return false
}

// Config is the root configuration. Load it with [Load] or [LoadFromReader];
// sections left out of the file keep the values of [Default].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Alignment    align.Config       `yaml:"alignment"`
	Session      SessionConfig      `yaml:"session"`
	Quota        quota.Config       `yaml:"quota"`
	Pipeline     pipeline.Config    `yaml:"pipeline"`
	Progress     ProgressConfig     `yaml:"progress"`
	MCP          mcpserver.Config   `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only value applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// API holds the HTTP limits of the pipeline routes.
	API api.Config `yaml:"api"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelemetryConfig configures the OpenTelemetry providers.
type TelemetryConfig struct {
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ReferenceConfig locates the canonical word list.
type ReferenceConfig struct {
	// Path is a JSON array of words with their phonemes.
	Path string `yaml:"path"`

	// NgramSize overrides the phoneme n-gram length used for anchoring.
	NgramSize int `yaml:"ngram_size"`
}

// ProvidersConfig selects the model-server backends. Each entry's Name is
// looked up in the [Registry].
type ProvidersConfig struct {
	VAD ProviderEntry `yaml:"vad"`
	ASR ProviderEntry `yaml:"asr"`

	// ASRFallbacks are tried in order when the primary ASR backend fails.
	ASRFallbacks []ProviderEntry `yaml:"asr_fallbacks"`

	// CircuitBreaker tunes the breaker placed in front of each ASR backend.
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the configuration block shared by all providers.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "http", "energy").
	Name string `yaml:"name"`

	// BaseURL is the model server address for HTTP backends.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds one request. Zero keeps the backend's default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SegmentationConfig holds the defaults for boundary cleaning.
type SegmentationConfig struct {
	// DefaultPreset supplies values a request leaves out.
	DefaultPreset string `yaml:"default_preset"`
}

// SessionConfig controls the session cache.
type SessionConfig struct {
	// TTL is how long a session lives after creation.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired sessions are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Backend selects write-through persistence.
	Backend Backend `yaml:"backend"`

	// DSN is the SQLite file path or PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// ProgressConfig sizes the progress broker.
type ProgressConfig struct {
	Buffer  int           `yaml:"buffer"`
	History int           `yaml:"history"`
	Linger  time.Duration `yaml:"linger"`
}

// Default returns a configuration that runs locally with the energy VAD and
// in-memory sessions. Only the reference path and the ASR backend must be
// supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "recitalign", SampleRatio: 1},
		Providers: ProvidersConfig{
			VAD: ProviderEntry{Name: "energy"},
		},
		Segmentation: SegmentationConfig{DefaultPreset: segment.DefaultPreset},
		Alignment:    align.DefaultConfig(),
		Session: SessionConfig{
			TTL:           5 * time.Hour,
			SweepInterval: 30 * time.Minute,
			Backend:       BackendMemory,
		},
		Pipeline: pipeline.Config{ASRConcurrency: 4},
		Progress: ProgressConfig{Buffer: 32, History: 64, Linger: time.Minute},
	}
}
