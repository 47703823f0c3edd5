package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Database  DatabaseConfig   `json:"database"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Executor  ExecutorConfig   `json:"executor"`
	Memory    MemoryConfig     `json:"memory"`
	Analytics AnalyticsConfig  `json:"analytics"`
	Scheduler SchedulerConfig  `json:"scheduler"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// ExecutorConfig bounds the task step loop.
type ExecutorConfig struct {
	MaxSteps    int `json:"max_steps"`
	MaxParallel int `json:"max_parallel"`
}

// MemoryConfig sizes the per-agent short-term buffer.
type MemoryConfig struct {
	ShortTermCapacity int `json:"short_term_capacity"`
}

// AnalyticsConfig controls the metrics buffer.
type AnalyticsConfig struct {
	BufferSize    int      `json:"buffer_size"`
	FlushInterval Duration `json:"flush_interval"`
	RetentionDays int      `json:"retention_days"`
}

// SchedulerConfig controls the schedule poll loop.
type SchedulerConfig struct {
	PollInterval Duration `json:"poll_interval"`
}

// Duration is a time.Duration that unmarshals from a JSON string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Executor.MaxSteps == 0 {
		c.Executor.MaxSteps = 25
	}
	if c.Executor.MaxParallel == 0 {
		c.Executor.MaxParallel = 10
	}
	if c.Memory.ShortTermCapacity == 0 {
		c.Memory.ShortTermCapacity = 100
	}
	if c.Analytics.BufferSize == 0 {
		c.Analytics.BufferSize = 100
	}
	if c.Analytics.FlushInterval == 0 {
		c.Analytics.FlushInterval = Duration(30 * time.Second)
	}
	if c.Analytics.RetentionDays == 0 {
		c.Analytics.RetentionDays = 30
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = Duration(15 * time.Second)
	}
}
