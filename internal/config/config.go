package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Model providers understood by the runtime.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure-openai"
	ProviderAnthropic   = "anthropic"
)

// Thread store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config represents the main tollgate configuration
type Config struct {
	Model     ModelConfig     `json:"model" mapstructure:"model"`
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`
	Tools     ToolsConfig     `json:"tools" mapstructure:"tools"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Data directory, defaults to ~/.tollgate
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelConfig selects and parameterizes the model provider.
type ModelConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, azure-openai, anthropic
	// Endpoint is the Azure OpenAI resource URL, or a base URL override for
	// the other providers.
	Endpoint   string `json:"endpoint" mapstructure:"endpoint"`
	Deployment string `json:"deployment" mapstructure:"deployment"` // Azure deployment name
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	APIVersion string `json:"api_version" mapstructure:"api_version"`
	// Model is used by openai and anthropic; azure-openai uses Deployment.
	Model             string        `json:"model" mapstructure:"model"`
	Temperature       float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens         int           `json:"max_tokens" mapstructure:"max_tokens"`
	ParallelToolCalls bool          `json:"parallel_tool_calls" mapstructure:"parallel_tool_calls"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
}

// AgentConfig holds run loop settings
type AgentConfig struct {
	Instructions string `json:"instructions" mapstructure:"instructions"`
	MaxSteps     int    `json:"max_steps" mapstructure:"max_steps"`
}

// StoreConfig selects the thread snapshot backend
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // memory, file, sqlite
	Path    string `json:"path" mapstructure:"path"`       // directory for file, database file for sqlite
}

// RetentionConfig controls the sweep of completed threads
type RetentionConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Schedule string        `json:"schedule" mapstructure:"schedule"` // cron spec or @every/@hourly descriptor
	MaxAge   time.Duration `json:"max_age" mapstructure:"max_age"`
}

// ToolsConfig holds tool execution policy
type ToolsConfig struct {
	RequireApproval []string      `json:"require_approval" mapstructure:"require_approval"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	SharedSecret string        `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:          ProviderAzureOpenAI,
			Deployment:        "gpt-4o-mini",
			APIVersion:        "2024-10-21",
			Model:             "gpt-4o-mini",
			Temperature:       0.7,
			MaxTokens:         4096,
			ParallelToolCalls: true,
			Timeout:           60 * time.Second,
		},
		Agent: AgentConfig{
			Instructions: "You are a helpful assistant",
			MaxSteps:     10,
		},
		Store: StoreConfig{
			Backend: BackendFile,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "@hourly",
			MaxAge:   7 * 24 * time.Hour,
		},
		Tools: ToolsConfig{
			RequireApproval: []string{"send_email"},
			Timeout:         30 * time.Second,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			TickInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "tollgate",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with the credentials
// masked.
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// ValidationError names the configuration field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func required(field string, context string) *ValidationError {
	reason := "is required"
	if context != "" {
		reason += " " + context
	}
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks the configuration a runner needs and returns the first
// failure as a *ValidationError.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateGateway checks the settings needed to serve the gateway.
func (c *Config) ValidateGateway() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return &ValidationError{Field: "gateway.port", Reason: fmt.Sprintf("must be between 1 and 65535, got %d", c.Gateway.Port)}
	}
	if c.Gateway.SharedSecret == "" {
		return required("gateway.shared_secret", "to serve the gateway")
	}
	return nil
}
