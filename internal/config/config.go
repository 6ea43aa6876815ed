// Package config loads convostore settings with viper and keeps the small
// bit of UI state the chat client remembers between runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/convostore/internal/llm"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	appName         = "convostore"
	defaultLogLevel = "info"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Data configures local storage
type Data struct {
	Directory string `json:"directory,omitempty"`
}

// Log configures logging. Format is text, json or logfmt; JSON is the older
// switch for json and applies only when Format is empty.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format,omitempty"`
	JSON   bool   `json:"json,omitempty"`
}

// LogFormat resolves the log line encoding
func (l Log) LogFormat() string {
	switch {
	case l.Format != "":
		return strings.ToLower(l.Format)
	case l.JSON:
		return "json"
	default:
		return "text"
	}
}

// Server configures the chat backend
type Server struct {
	Addr          string `json:"addr"`
	HistoryWindow int    `json:"historyWindow"`
}

// Client configures the chat client
type Client struct {
	BaseURL        string        `json:"baseURL"`
	Conversation   string        `json:"conversation"`
	PageSize       int           `json:"pageSize"`
	ContextWindow  int           `json:"contextWindow"`
	RenderOrder    string        `json:"renderOrder"`
	RequestTimeout time.Duration `json:"requestTimeout"`
	MaxRetries     int           `json:"maxRetries"`
}

// LLM configures the backend's reply provider. TranscriptionKey enables
// Whisper transcription when set.
type LLM struct {
	Provider         string `json:"provider"`
	Model            string `json:"model,omitempty"`
	APIKey           string `json:"apiKey,omitempty"`
	SystemPrompt     string `json:"systemPrompt,omitempty"`
	MaxTokens        int    `json:"maxTokens,omitempty"`
	TranscriptionKey string `json:"transcriptionKey,omitempty"`
}

// Config is the application configuration
type Config struct {
	Data   Data   `json:"data"`
	Log    Log    `json:"log"`
	Server Server `json:"server"`
	Client Client `json:"client"`
	LLM    LLM    `json:"llm"`
	Debug  bool   `json:"debug,omitempty"`
}

// Manager owns a viper instance and the config decoded from it
type Manager struct {
	v      *viper.Viper
	logger *log.Logger

	mu  sync.RWMutex
	cfg *Config
}

// Load reads configuration from configFile, or from the standard locations
// when configFile is empty. A missing config file is not an error.
func Load(configFile string, debug bool) (*Manager, error) {
	v := viper.New()
	configureViper(v, configFile)
	setDefaults(v, debug)

	m := &Manager{v: v, logger: log.Default().WithPrefix("config")}
	if err := readConfig(v.ReadInConfig()); err != nil {
		return nil, err
	}

	cfg, err := m.decode()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

// configureViper sets up viper's configuration paths and environment variables
func configureViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(fmt.Sprintf(".%s", appName))
		v.SetConfigType("json")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(fmt.Sprintf("$XDG_CONFIG_HOME/%s", appName))
		v.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// setDefaults configures default values for configuration options
func setDefaults(v *viper.Viper, debug bool) {
	v.SetDefault("data.directory", "")
	v.SetDefault("log.format", "")
	v.SetDefault("log.json", false)

	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.historyWindow", 20)

	v.SetDefault("client.baseURL", "http://127.0.0.1:8765")
	v.SetDefault("client.conversation", "default")
	v.SetDefault("client.pageSize", 20)
	v.SetDefault("client.contextWindow", 10)
	v.SetDefault("client.renderOrder", "asc")
	v.SetDefault("client.requestTimeout", "60s")
	v.SetDefault("client.maxRetries", 3)

	v.SetDefault("llm.provider", string(llm.ProviderEcho))
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.systemPrompt", "")
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.transcriptionKey", "")

	if debug {
		v.SetDefault("debug", true)
		v.Set("log.level", "debug")
	} else {
		v.SetDefault("debug", false)
		v.SetDefault("log.level", defaultLogLevel)
	}
}

// readConfig tolerates a missing config file
func readConfig(err error) error {
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

func (m *Manager) decode() (*Config, error) {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKeyFromEnv(cfg.LLM.Provider)
	}
	if cfg.LLM.TranscriptionKey == "" {
		cfg.LLM.TranscriptionKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config returns a copy of the current configuration
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// ConfigFileUsed returns the file the configuration was read from, if any
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Set overrides a key for the rest of the process, typically from a CLI flag
func (m *Manager) Set(key string, value any) error {
	m.v.Set(key, value)
	cfg, err := m.decode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Watch reloads the configuration whenever the config file changes and hands
// the new value to onChange. An invalid edit is logged and the previous
// configuration stays in effect.
func (m *Manager) Watch(onChange func(Config)) {
	if m.v.ConfigFileUsed() == "" {
		m.logger.Debug("no config file to watch")
		return
	}

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.v.ReadInConfig(); err != nil {
			m.logger.Warn("config reload failed", "file", e.Name, "err", err)
			return
		}
		cfg, err := m.decode()
		if err != nil {
			m.logger.Warn("config reload rejected", "file", e.Name, "err", err)
			return
		}

		m.mu.Lock()
		m.cfg = cfg
		m.mu.Unlock()
		m.logger.Info("config reloaded", "file", e.Name)
		if onChange != nil {
			onChange(*cfg)
		}
	})
	m.v.WatchConfig()
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	var errs []error
	if c.Client.PageSize < 1 {
		errs = append(errs, fmt.Errorf("client.pageSize must be positive, got %d", c.Client.PageSize))
	}
	if c.Client.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("client.contextWindow must not be negative, got %d", c.Client.ContextWindow))
	}
	if c.Client.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("client.maxRetries must not be negative, got %d", c.Client.MaxRetries))
	}
	switch strings.ToLower(c.Client.RenderOrder) {
	case "", "asc", "ascending", "oldest-first", "desc", "descending", "newest-first":
	default:
		errs = append(errs, fmt.Errorf("client.renderOrder %q is not asc or desc", c.Client.RenderOrder))
	}
	if _, err := llm.ParseProvider(c.LLM.Provider); err != nil {
		errs = append(errs, err)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.LogFormat() {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text, json or logfmt", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// apiKeyFromEnv returns the conventional environment key for a provider
func apiKeyFromEnv(provider string) string {
	p, err := llm.ParseProvider(provider)
	if err != nil {
		return ""
	}
	switch p {
	case llm.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case llm.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case llm.ProviderGemini:
		return os.Getenv("GEMINI_API_KEY")
	case llm.ProviderOpenRouter:
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		return ""
	}
}
