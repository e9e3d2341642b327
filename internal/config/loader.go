package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// envAliases maps config keys to environment variables read in addition to
// the TOLLGATE_ prefixed form. The first variable that is set wins.
var envAliases = map[string][]string{
	"model.endpoint":   {"AZURE_OPENAI_ENDPOINT"},
	"model.deployment": {"AZURE_OPENAI_DEPLOYMENT_NAME"},
	"model.api_key":    {"AZURE_OPENAI_API_KEY"},
	"model.api_version": {
		"OPENAI_API_VERSION",
	},
}

// boundKeys are the keys resolvable from the environment without a config
// file. viper only consults the environment for keys it knows about.
var boundKeys = []string{
	"model.provider", "model.endpoint", "model.deployment", "model.api_key",
	"model.api_version", "model.model", "model.temperature", "model.max_tokens",
	"model.parallel_tool_calls", "model.timeout",
	"agent.instructions", "agent.max_steps",
	"store.backend", "store.path",
	"retention.enabled", "retention.schedule", "retention.max_age",
	"tools.timeout",
	"gateway.host", "gateway.port", "gateway.shared_secret", "gateway.tick_interval",
	"logging.level", "logging.file", "logging.audit_file",
	"telemetry.enabled",
	"data_dir",
}

// Loader reads one config file and remembers it for Watch.
type Loader struct {
	configPath string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader returns a loader for configPath. An empty path means
// ~/.tollgate/tollgate.json.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load layers the config file, when present, and then the environment over
// DefaultConfig. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	if err := readFile(v, l.GetConfigPath()); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return cfg, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range boundKeys {
		env := "TOLLGATE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		args := append([]string{key, env}, envAliases[key]...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return v, nil
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := applyPathDefaults(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the loaded file on every write and hands the result to
// onChange. Failed reloads go to onError, which may be nil. It needs a prior
// Load that found a file.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file loaded to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to reload config %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Save writes cfg to the config path, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("config path could not be determined")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("model", cfg.Model)
	v.Set("agent", cfg.Agent)
	v.Set("store", cfg.Store)
	v.Set("retention", cfg.Retention)
	v.Set("tools", cfg.Tools)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath resolves the path Load and Save use.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tollgate", "tollgate.json")
}

// Load reads the config at configPath with a throwaway Loader.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func applyPathDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".tollgate")
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case BackendFile:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "threads")
		case BackendSQLite:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "threads.db")
		}
	}

	return nil
}
