package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateModel checks the provider selection and the fields it requires.
func (v *Validator) ValidateModel(m ModelConfig) []error {
	var errs []error

	switch m.Provider {
	case ProviderAzureOpenAI:
		if m.Endpoint == "" {
			errs = append(errs, required("model.endpoint", "for provider azure-openai"))
		} else if !strings.HasPrefix(m.Endpoint, "https://") && !strings.HasPrefix(m.Endpoint, "http://") {
			errs = append(errs, &ValidationError{Field: "model.endpoint", Reason: "must be an http(s) URL"})
		}
		if m.Deployment == "" {
			errs = append(errs, required("model.deployment", "for provider azure-openai"))
		}
		if m.APIVersion == "" {
			errs = append(errs, required("model.api_version", "for provider azure-openai"))
		}
		if m.APIKey == "" {
			errs = append(errs, required("model.api_key", "for provider azure-openai"))
		}
	case ProviderOpenAI, ProviderAnthropic:
		if m.APIKey == "" {
			errs = append(errs, required("model.api_key", "for provider "+m.Provider))
		}
		if m.Model == "" {
			errs = append(errs, required("model.model", "for provider "+m.Provider))
		}
	case "":
		errs = append(errs, required("model.provider", ""))
	default:
		errs = append(errs, &ValidationError{
			Field:  "model.provider",
			Reason: fmt.Sprintf("must be one of openai, azure-openai, anthropic, got %q", m.Provider),
		})
	}

	if m.Temperature < 0 || m.Temperature > 2 {
		errs = append(errs, &ValidationError{Field: "model.temperature", Reason: "must be between 0 and 2"})
	}
	if m.MaxTokens < 0 {
		errs = append(errs, &ValidationError{Field: "model.max_tokens", Reason: "must not be negative"})
	}

	return errs
}

// ValidateStore checks the backend name and path.
func (v *Validator) ValidateStore(s StoreConfig) error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendFile, BackendSQLite:
		if s.Path == "" {
			return required("store.path", "for backend "+s.Backend)
		}
		return nil
	case "":
		return required("store.backend", "")
	default:
		return &ValidationError{
			Field:  "store.backend",
			Reason: fmt.Sprintf("must be one of memory, file, sqlite, got %q", s.Backend),
		}
	}
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil || level == "" {
		return &ValidationError{Field: "logging.level", Reason: fmt.Sprintf("invalid level %q", level)}
	}
	return nil
}

// ValidateConfig validates the entire configuration and returns all errors
func (v *Validator) ValidateConfig(cfg *Config) []error {
	errs := v.ValidateModel(cfg.Model)

	if cfg.Agent.MaxSteps <= 0 {
		errs = append(errs, &ValidationError{Field: "agent.max_steps", Reason: "must be positive"})
	}
	if err := v.ValidateStore(cfg.Store); err != nil {
		errs = append(errs, err)
	}
	if cfg.Retention.Enabled {
		if cfg.Retention.Schedule == "" {
			errs = append(errs, required("retention.schedule", "when retention is enabled"))
		}
		if cfg.Retention.MaxAge <= 0 {
			errs = append(errs, &ValidationError{Field: "retention.max_age", Reason: "must be positive when retention is enabled"})
		}
	}
	if cfg.Tools.Timeout < 0 {
		errs = append(errs, &ValidationError{Field: "tools.timeout", Reason: "must not be negative"})
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
