package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BOTCHAT_SERVER_ADDRESS.
const EnvPrefix = "BOTCHAT"

// Config represents runtime configuration for the service.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Retrieval  RetrievalConfig           `mapstructure:"retrieval"`
	Generation GenerationConfig          `mapstructure:"generation"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Turn       TurnConfig                `mapstructure:"turn"`
	Worker     WorkerConfig              `mapstructure:"worker"`
	Log        LogConfig                 `mapstructure:"log"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	HistoryTTL time.Duration `mapstructure:"history_ttl"`
}

type RetrievalConfig struct {
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Web           WebSearchConfig     `mapstructure:"web"`
	Timeout       time.Duration       `mapstructure:"timeout"`
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
	// ContentField is the document field matched against the user message.
	ContentField string `mapstructure:"content_field"`
}

type WebSearchConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	GoogleAPIKey         string `mapstructure:"google_api_key"`
	GoogleSearchEngineID string `mapstructure:"google_search_engine_id"`
	Lang                 string `mapstructure:"lang"`
}

// GenerationConfig selects which entry of Providers backs the GenerationPort.
type GenerationConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type TurnConfig struct {
	HistoryPairs        int           `mapstructure:"history_pairs"`
	Passages            int           `mapstructure:"passages"`
	MaxPromptTokens     int           `mapstructure:"max_prompt_tokens"`
	TurnTimeout         time.Duration `mapstructure:"turn_timeout"`
	FragmentIdleTimeout time.Duration `mapstructure:"fragment_idle_timeout"`
	SystemPrompt        string        `mapstructure:"system_prompt"`
}

type WorkerConfig struct {
	MinWorkers  int           `mapstructure:"min_workers"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8090")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "data/botchat.db")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "botchat")
	v.SetDefault("database.params", "parseTime=true&loc=UTC")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.history_ttl", 30*time.Minute)

	v.SetDefault("retrieval.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("retrieval.elasticsearch.username", "")
	v.SetDefault("retrieval.elasticsearch.password", "")
	v.SetDefault("retrieval.elasticsearch.api_key", "")
	v.SetDefault("retrieval.elasticsearch.content_field", "content")
	v.SetDefault("retrieval.web.enabled", false)
	v.SetDefault("retrieval.web.google_api_key", "")
	v.SetDefault("retrieval.web.google_search_engine_id", "")
	v.SetDefault("retrieval.web.lang", "en")
	v.SetDefault("retrieval.timeout", 10*time.Second)

	v.SetDefault("generation.provider", "openai")
	v.SetDefault("generation.model", "")
	v.SetDefault("generation.max_tokens", 3000)

	v.SetDefault("turn.history_pairs", 5)
	v.SetDefault("turn.passages", 3)
	v.SetDefault("turn.max_prompt_tokens", 0)
	v.SetDefault("turn.turn_timeout", 2*time.Minute)
	v.SetDefault("turn.fragment_idle_timeout", 30*time.Second)
	v.SetDefault("turn.system_prompt", "")

	v.SetDefault("worker.min_workers", 2)
	v.SetDefault("worker.max_workers", 16)
	v.SetDefault("worker.queue_size", 64)
	v.SetDefault("worker.idle_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: defaults and BOTCHAT_* variables apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(absPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if !missing || explicit {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if isSQLite(cfg.Database.Driver) && cfg.Database.DSN != "" && !isMemoryDSN(cfg.Database.DSN) &&
		!filepath.IsAbs(cfg.Database.DSN) && !strings.HasPrefix(cfg.Database.DSN, "file:") {
		cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3":
		if c.Database.DSN == "" {
			return errors.New("database.dsn must be configured for sqlite")
		}
	case "mysql":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("database.host and database.dbname must be configured for mysql")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Generation.Provider {
	case "openai", "claude", "gemini":
	default:
		return fmt.Errorf("unsupported generation provider: %s", c.Generation.Provider)
	}

	if c.Turn.HistoryPairs < 0 || c.Turn.Passages < 0 || c.Turn.MaxPromptTokens < 0 {
		return errors.New("turn bounds must not be negative")
	}
	if c.Turn.TurnTimeout <= 0 || c.Turn.FragmentIdleTimeout <= 0 {
		return errors.New("turn timeouts must be positive")
	}
	if c.Worker.MaxWorkers <= 0 || c.Worker.QueueSize <= 0 {
		return errors.New("worker.max_workers and worker.queue_size must be positive")
	}
	return nil
}

// Provider returns the credentials for the configured generation provider.
func (c *Config) Provider() (ProviderConfig, bool) {
	p, ok := c.Providers[c.Generation.Provider]
	return p, ok
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "sqlite" || d == "sqlite3"
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}
