package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Oracle       OracleConfig       `json:"oracle"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Sandbox      SandboxConfig      `json:"sandbox"`
	Git          GitConfig          `json:"git"`
	Slack        SlackConfig        `json:"slack"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Migrations   string             `json:"migrations_dir"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// OracleConfig selects the judging backend. Provider "llm" calls an
// OpenAI-compatible endpoint; "heuristic" runs the deterministic
// offline judge.
type OracleConfig struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// SandboxConfig points at the sandbox fleet API that runs agents.
type SandboxConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// GitConfig configures the hosting provider used for branch merges.
type GitConfig struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// OrchestratorConfig carries the scheduling and supervision tunables.
type OrchestratorConfig struct {
	MaxConcurrent        int     `json:"max_concurrent"`
	MaxPerSpec           int     `json:"max_per_spec"`
	TickSeconds          int     `json:"tick_seconds"`
	HeartbeatSeconds     int     `json:"heartbeat_seconds"`
	StaleSeconds         int     `json:"stale_seconds"`
	AttemptTimeoutMins   int     `json:"attempt_timeout_minutes"`
	MaxInterventions     int     `json:"max_interventions"`
	MaxTaskRetries       int     `json:"max_task_retries"`
	MaxValidationRetries int     `json:"max_validation_retries"`
	GuardianSeconds      int     `json:"guardian_seconds"`
	ConductorSeconds     int     `json:"conductor_seconds"`
	SimilarityThreshold  float64 `json:"similarity_threshold"`
	GateThreshold        float64 `json:"gate_threshold"`
	MaxGateRetries       int     `json:"max_gate_retries"`
}

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
	return &cfg, nil
}
