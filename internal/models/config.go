package models

// ConfigError indicates an invalid or incomplete configuration.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

// APIConfig configures the HTTP client for the chat backend.
type APIConfig struct {
	BaseURL    string `json:"baseUrl"`
	CompanyID  string `json:"companyId"`
	TimeoutSec int    `json:"timeoutSec,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// PushConfig configures the persistent push channel.
type PushConfig struct {
	URL                  string `json:"url"`
	ReconnectBaseDelayMs int    `json:"reconnectBaseDelayMs,omitempty"`
	ReconnectMaxDelayMs  int    `json:"reconnectMaxDelayMs,omitempty"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts,omitempty"`
	DialTimeoutSec       int    `json:"dialTimeoutSec,omitempty"`
}

// PollConfig configures the fallback poll scheduler.
type PollConfig struct {
	IntervalSec int `json:"intervalSec,omitempty"`
	TimeoutSec  int `json:"timeoutSec,omitempty"`
}

// CacheConfig configures the persistent message cache.
type CacheConfig struct {
	Path       string `json:"path"`
	TTLMin     int    `json:"ttlMin,omitempty"`
	SweepMin   int    `json:"sweepMin,omitempty"`
	ByteBudget int64  `json:"byteBudget,omitempty"`
	EntryCap   int    `json:"entryCap,omitempty"`
}

// RetryConfig configures exponential backoff for transient failures.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs,omitempty"`
	MaxBackoffMs     int `json:"maxBackoffMs,omitempty"`
	MaxAttempts      int `json:"maxAttempts,omitempty"`
}

// ServerConfig configures the HTTP surface for the presentation layer.
type ServerConfig struct {
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	ReadTimeoutSec  int    `json:"readTimeoutSec,omitempty"`
	WriteTimeoutSec int    `json:"writeTimeoutSec,omitempty"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	ServiceName    string  `json:"serviceName,omitempty"`
	ServiceVersion string  `json:"serviceVersion,omitempty"`
	Environment    string  `json:"environment,omitempty"`
	OTLPEndpoint   string  `json:"otlpEndpoint,omitempty"`
	SampleRate     float64 `json:"sampleRate,omitempty"`
	Enabled        bool    `json:"enabled,omitempty"`
	UseStdout      bool    `json:"useStdout,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	API      APIConfig     `json:"api"`
	Push     PushConfig    `json:"push"`
	Poll     PollConfig    `json:"poll"`
	Cache    CacheConfig   `json:"cache"`
	Retry    RetryConfig   `json:"retry"`
	Server   ServerConfig  `json:"server"`
	Tracing  TracingConfig `json:"tracing"`
	LogLevel string        `json:"logLevel,omitempty"`
}
