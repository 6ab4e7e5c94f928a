package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Persona   PersonaConfig   `json:"persona"`
	Providers ProvidersConfig `json:"providers"`
	Store     StoreConfig     `json:"store"`
	Memory    MemoryConfig    `json:"memory"`
	Retry     RetryConfig     `json:"retry"`
	Server    ServerConfig    `json:"server"`
	Quality   QualityConfig   `json:"quality"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type PersonaConfig struct {
	Defaults PersonaDefaults `json:"defaults"`
}

type PersonaDefaults struct {
	Workspace           string  `json:"workspace" env:"DOTPERSONA_PERSONA_DEFAULTS_WORKSPACE"`
	Provider            string  `json:"provider" env:"DOTPERSONA_PERSONA_DEFAULTS_PROVIDER"`
	Model               string  `json:"model" env:"DOTPERSONA_PERSONA_DEFAULTS_MODEL"`
	MaxTokens           int     `json:"max_tokens" env:"DOTPERSONA_PERSONA_DEFAULTS_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"DOTPERSONA_PERSONA_DEFAULTS_TEMPERATURE"`
	OutputLanguage      string  `json:"output_language" env:"DOTPERSONA_PERSONA_DEFAULTS_OUTPUT_LANGUAGE"`
	MaxLorebookEntries  int     `json:"max_lorebook_entries" env:"DOTPERSONA_PERSONA_DEFAULTS_MAX_LOREBOOK_ENTRIES"`
	MaxExamplesChars    int     `json:"max_examples_chars" env:"DOTPERSONA_PERSONA_DEFAULTS_MAX_EXAMPLES_CHARS"`
	IncludeHardRules    bool    `json:"include_hard_rules" env:"DOTPERSONA_PERSONA_DEFAULTS_INCLUDE_HARD_RULES"`
	HistoryTokenBudget  int     `json:"history_token_budget" env:"DOTPERSONA_PERSONA_DEFAULTS_HISTORY_TOKEN_BUDGET"`
	HistoryMessageLimit int     `json:"history_message_limit" env:"DOTPERSONA_PERSONA_DEFAULTS_HISTORY_MESSAGE_LIMIT"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"DOTPERSONA_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"DOTPERSONA_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey       string `json:"api_key" env:"API_KEY"`
	APIBase      string `json:"api_base" env:"API_BASE"`
	Proxy        string `json:"proxy,omitempty" env:"PROXY"`
	Organization string `json:"organization,omitempty" env:"ORGANIZATION"`
}

type StoreConfig struct {
	SessionDriver string         `json:"session_driver" env:"DOTPERSONA_STORE_SESSION_DRIVER"`
	SQLitePath    string         `json:"sqlite_path" env:"DOTPERSONA_STORE_SQLITE_PATH"`
	Redis         RedisConfig    `json:"redis"`
	Supabase      SupabaseConfig `json:"supabase"`
}

type RedisConfig struct {
	Addr     string `json:"addr" env:"DOTPERSONA_STORE_REDIS_ADDR"`
	Password string `json:"password,omitempty" env:"DOTPERSONA_STORE_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"DOTPERSONA_STORE_REDIS_DB"`
	TTLHours int    `json:"ttl_hours" env:"DOTPERSONA_STORE_REDIS_TTL_HOURS"`
}

type SupabaseConfig struct {
	URL    string `json:"url" env:"DOTPERSONA_STORE_SUPABASE_URL"`
	APIKey string `json:"api_key" env:"DOTPERSONA_STORE_SUPABASE_API_KEY"`
	Table  string `json:"table" env:"DOTPERSONA_STORE_SUPABASE_TABLE"`
}

type MemoryConfig struct {
	Enabled        bool   `json:"enabled" env:"DOTPERSONA_MEMORY_ENABLED"`
	DBPath         string `json:"db_path" env:"DOTPERSONA_MEMORY_DB_PATH"`
	MaxRecallItems int    `json:"max_recall_items" env:"DOTPERSONA_MEMORY_MAX_RECALL_ITEMS"`
}

type RetryConfig struct {
	MaxRetries  int `json:"max_retries" env:"DOTPERSONA_RETRY_MAX_RETRIES"`
	BaseDelayMS int `json:"base_delay_ms" env:"DOTPERSONA_RETRY_BASE_DELAY_MS"`
	MaxJitterMS int `json:"max_jitter_ms" env:"DOTPERSONA_RETRY_MAX_JITTER_MS"`
}

type ServerConfig struct {
	Host           string   `json:"host" env:"DOTPERSONA_SERVER_HOST"`
	Port           int      `json:"port" env:"DOTPERSONA_SERVER_PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"DOTPERSONA_SERVER_ALLOWED_ORIGINS"`
}

type QualityConfig struct {
	TargetScript    string   `json:"target_script" env:"DOTPERSONA_QUALITY_TARGET_SCRIPT"`
	MinScriptRatio  float64  `json:"min_script_ratio" env:"DOTPERSONA_QUALITY_MIN_SCRIPT_RATIO"`
	MaxForeignChars int      `json:"max_foreign_chars" env:"DOTPERSONA_QUALITY_MAX_FOREIGN_CHARS"`
	RepeatThreshold int      `json:"repeat_threshold" env:"DOTPERSONA_QUALITY_REPEAT_THRESHOLD"`
	LeakageKeywords []string `json:"leakage_keywords" env:"DOTPERSONA_QUALITY_LEAKAGE_KEYWORDS"`
}

type LogConfig struct {
	Level string `json:"level" env:"DOTPERSONA_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"DOTPERSONA_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Persona: PersonaConfig{
			Defaults: PersonaDefaults{
				Workspace:           "~/.dotpersona/workspace",
				Provider:            "openrouter",
				Model:               "openai/gpt-5.2",
				MaxTokens:           1024,
				Temperature:         0.8,
				OutputLanguage:      "ko",
				MaxLorebookEntries:  4,
				MaxExamplesChars:    2000,
				IncludeHardRules:    true,
				HistoryTokenBudget:  3000,
				HistoryMessageLimit: 20,
			},
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
			OpenAI:     ProviderConfig{},
		},
		Store: StoreConfig{
			SessionDriver: "sqlite",
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				TTLHours: 24 * 30,
			},
			Supabase: SupabaseConfig{
				Table: "chat_sessions",
			},
		},
		Memory: MemoryConfig{
			Enabled:        true,
			MaxRecallItems: 6,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMS: 1000,
			MaxJitterMS: 250,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           18791,
			AllowedOrigins: []string{},
		},
		Quality: QualityConfig{
			TargetScript:    "hangul",
			MinScriptRatio:  0.9,
			MaxForeignChars: 5,
			RepeatThreshold: 3,
			LeakageKeywords: []string{"system prompt", "[HARD_RULES]", "[LOREBOOK]", "as an AI"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path (a missing file yields defaults), then applies .env and
// DOTPERSONA_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Persona.Defaults.Workspace)
}

// SessionDBPath defaults to <workspace>/state/sessions.db.
func (c *Config) SessionDBPath() string {
	c.mu.RLock()
	p := c.Store.SQLitePath
	c.mu.RUnlock()
	if p != "" {
		return expandHome(p)
	}
	return filepath.Join(c.WorkspacePath(), "state", "sessions.db")
}

// MemoryDBPath defaults to <workspace>/state/memory.db.
func (c *Config) MemoryDBPath() string {
	c.mu.RLock()
	p := c.Memory.DBPath
	c.mu.RUnlock()
	if p != "" {
		return expandHome(p)
	}
	return filepath.Join(c.WorkspacePath(), "state", "memory.db")
}

func (c *Config) CharactersDir() string {
	return filepath.Join(c.WorkspacePath(), "characters")
}

func (c *Config) RedisTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Store.Redis.TTLHours) * time.Hour
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
