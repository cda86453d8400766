package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jadenj13/memoir/internals/chat"
	"github.com/jadenj13/memoir/internals/history"
	"github.com/jadenj13/memoir/internals/llm"
	"github.com/jadenj13/memoir/internals/memory"
	"github.com/jadenj13/memoir/internals/persist"
	"github.com/jadenj13/memoir/internals/tools"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Addr    string        `yaml:"addr"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Chat    ChatConfig    `yaml:"chat"`
	Persist PersistConfig `yaml:"persist"`
	Slack   SlackConfig   `yaml:"slack"`
	Export  ExportConfig  `yaml:"export"`
	Logging LoggingConfig `yaml:"logging"`
}

type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type MemoryConfig struct {
	Backend    memory.Backend `yaml:"backend"`
	SQLitePath string         `yaml:"sqlite_path"`
	Mem0APIKey string         `yaml:"mem0_api_key"`
	Mem0URL    string         `yaml:"mem0_url"`
	Timeout    time.Duration  `yaml:"timeout"`
	CacheTTL   time.Duration  `yaml:"cache_ttl"`
}

type ChatConfig struct {
	SystemPrompt     string        `yaml:"system_prompt"`
	RecentExchanges  int           `yaml:"recent_exchanges"`
	RelevantMemories int           `yaml:"relevant_memories"`
	MaxExchanges     int           `yaml:"max_exchanges"`
	TurnWait         time.Duration `yaml:"turn_wait"`
	// SessionIdle is how long an untouched session keeps its history in
	// memory. Zero keeps sessions forever.
	SessionIdle      time.Duration `yaml:"session_idle"`
}

type PersistConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type ExportConfig struct {
	GitHubToken   string `yaml:"github_token"`
	GitLabToken   string `yaml:"gitlab_token"`
	GitLabBaseURL string `yaml:"gitlab_base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		LLM: LLMConfig{
			Model:       string(llm.DefaultModel),
			MaxTokens:   llm.DefaultMaxTokens,
			Temperature: llm.DefaultTemperature,
		},
		Memory: MemoryConfig{
			Backend:    memory.BackendSQLite,
			SQLitePath: "memoir.db",
			Mem0URL:    memory.DefaultMem0URL,
			Timeout:    tools.DefaultTimeout,
			CacheTTL:   memory.DefaultCacheTTL,
		},
		Chat: ChatConfig{
			SystemPrompt:     chat.DefaultSystemPrompt,
			RecentExchanges:  chat.DefaultRecentExchanges,
			RelevantMemories: chat.DefaultRelevantMemories,
			MaxExchanges:     history.DefaultMaxExchanges,
			TurnWait:         chat.DefaultTurnWait,
			SessionIdle:      history.DefaultSessionIdle,
		},
		Persist: PersistConfig{
			Workers:   persist.DefaultWorkers,
			QueueSize: persist.DefaultQueueSize,
			Timeout:   persist.DefaultTimeout,
		},
		Export: ExportConfig{
			GitLabBaseURL: "https://gitlab.com",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; an empty path skips
// the file entirely.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"ANTHROPIC_API_KEY": &c.LLM.APIKey,
		"MEMOIR_MODEL":      &c.LLM.Model,
		"MEM0_API_KEY":      &c.Memory.Mem0APIKey,
		"MEM0_BASE_URL":     &c.Memory.Mem0URL,
		"MEMOIR_ADDR":       &c.Addr,
		"MEMOIR_DB_PATH":    &c.Memory.SQLitePath,
		"SLACK_BOT_TOKEN":   &c.Slack.BotToken,
		"SLACK_APP_TOKEN":   &c.Slack.AppToken,
		"GITHUB_TOKEN":      &c.Export.GitHubToken,
		"GITLAB_TOKEN":      &c.Export.GitLabToken,
		"GITLAB_BASE_URL":   &c.Export.GitLabBaseURL,
		"MEMOIR_LOG_LEVEL":  &c.Logging.Level,
		"MEMOIR_LOG_FORMAT": &c.Logging.Format,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MEMOIR_MEMORY_BACKEND"); v != "" {
		c.Memory.Backend = memory.Backend(v)
	}
	if v := os.Getenv("MEMOIR_MAX_TOKENS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: MEMOIR_MAX_TOKENS: %v", ErrInvalid, err)
		}
		c.LLM.MaxTokens = n
	}
	if v := os.Getenv("MEMOIR_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: MEMOIR_TEMPERATURE: %v", ErrInvalid, err)
		}
		c.LLM.Temperature = f
	}
	return nil
}

func (c *Config) validate() error {
	var problems []string
	switch c.Memory.Backend {
	case memory.BackendSQLite, memory.BackendMem0, memory.BackendDisabled:
	default:
		problems = append(problems, fmt.Sprintf("memory.backend %q is not one of sqlite, mem0, disabled", c.Memory.Backend))
	}
	if c.Memory.Backend == memory.BackendSQLite && c.Memory.SQLitePath == "" {
		problems = append(problems, "memory.sqlite_path is required for the sqlite backend")
	}
	if c.LLM.MaxTokens <= 0 {
		problems = append(problems, "llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		problems = append(problems, "llm.temperature must be between 0 and 1")
	}
	if c.Chat.RecentExchanges < 0 || c.Chat.RelevantMemories < 0 {
		problems = append(problems, "chat limits must not be negative")
	}
	if c.Chat.MaxExchanges <= 0 {
		problems = append(problems, "chat.max_exchanges must be positive")
	}
	if c.Chat.SessionIdle < 0 {
		problems = append(problems, "chat.session_idle must not be negative")
	}
	if c.Persist.Workers <= 0 || c.Persist.QueueSize <= 0 {
		problems = append(problems, "persist.workers and persist.queue_size must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not text or json", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %v", c.Logging.Level, err)
	}
	return l, nil
}

// MemoryOptions converts the memory section for memory.New.
func (c Config) MemoryOptions() memory.Options {
	return memory.Options{
		Backend:    c.Memory.Backend,
		SQLitePath: c.Memory.SQLitePath,
		Mem0APIKey: c.Memory.Mem0APIKey,
		Mem0URL:    c.Memory.Mem0URL,
	}
}
