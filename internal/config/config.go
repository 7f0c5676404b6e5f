package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CacheScope controls how evaluation cache keys are built.
type CacheScope string

const (
	// CacheScopeGlobal keys the cache per (rule, input) across all agents.
	CacheScopeGlobal CacheScope = "global"
	// CacheScopeAgent additionally keys the cache per agent.
	CacheScopeAgent CacheScope = "agent"
)

// Config holds the service configuration loaded from environment variables.
type Config struct {
	HTTPAddr      string
	NATSURL       string
	RulesFile     string
	SandboxPolicy string

	// Evaluation
	EvalTimeout time.Duration
	CacheTTL    time.Duration
	CacheSize   int
	CacheScope  CacheScope

	// Review coordinator
	SweepInterval time.Duration

	// Optional Postgres persistence; memory stores are used when DBHost is empty.
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		HTTPAddr:      getEnv("CORE_HTTP_ADDR", ":8080"),
		NATSURL:       getEnv("CORE_NATS_URL", ""),
		RulesFile:     getEnv("CORE_RULES_FILE", "policies/rules.yaml"),
		SandboxPolicy: getEnv("CORE_SANDBOX_POLICY", "policies/sandbox.yaml"),
		EvalTimeout:   getEnvDuration("CORE_EVAL_TIMEOUT", 2*time.Second),
		CacheTTL:      getEnvDuration("CORE_CACHE_TTL", 30*time.Second),
		CacheSize:     getEnvInt("CORE_CACHE_SIZE", 4096),
		CacheScope:    parseCacheScope(getEnv("CORE_CACHE_SCOPE", "global")),
		SweepInterval: getEnvDuration("CORE_SWEEP_INTERVAL", 60*time.Second),
		DBHost:        getEnv("CORE_DB_HOST", ""),
		DBPort:        getEnv("CORE_DB_PORT", "5432"),
		DBUser:        getEnv("CORE_DB_USER", "covenant"),
		DBPassword:    getEnv("CORE_DB_PASSWORD", ""),
		DBName:        getEnv("CORE_DB_NAME", "covenant"),
	}
}

// parseCacheScope parses a cache scope string, defaulting to global.
func parseCacheScope(s string) CacheScope {
	if strings.EqualFold(s, string(CacheScopeAgent)) {
		return CacheScopeAgent
	}
	return CacheScopeGlobal
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
