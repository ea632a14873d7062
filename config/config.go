// Package config loads the orchestrator's runtime configuration from the
// environment. There is a single long-running server (cmd/server); no
// subcommands, no config files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting the orchestrator needs at
// startup. Zero values are never used directly; Load always returns either a
// fully populated Config or an error.
type Config struct {
	// HTTPAddr is the address the Task API Facade listens on.
	HTTPAddr string

	// SessionBackend selects the Session Store backend: "memory" or "mongo".
	SessionBackend string
	MongoURI       string
	MongoDatabase  string

	// EventBackend names the SSE Event Bus backing store: "memory" or
	// "redis". Load only checks that "redis" comes with RedisAddr;
	// cmd/server does not read it and fans events out over Pulse whenever
	// RedisAddr is set.
	EventBackend string
	RedisAddr    string

	// EngineBackend selects the Review Graph's durable execution backend.
	// Only "inmem" is implemented today; "temporal" is reserved for a future
	// Engine adapter and is rejected at startup (see cmd/server's
	// buildEngine) until the Review Graph's node functions route their I/O
	// through WorkflowContext.ExecuteActivity instead of calling it
	// directly, which Temporal's workflow determinism model requires.
	EngineBackend string
	TemporalHost  string
	TemporalQueue string

	// Model Adapter provider credentials and failover order.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	BedrockRegion   string
	ProviderOrder   []string

	// JWTJWKSURL is the JWKS endpoint used to verify bearer tokens on the
	// Task API Facade.
	JWTJWKSURL      string
	JWTAudience     string
	JWKSCacheTTL    time.Duration

	// QuotaEnabled toggles the Quota Gate; when false every check succeeds
	// and nothing is deducted (useful for local development).
	QuotaEnabled bool

	// MaxReactIterations bounds the ReAct Agent Loop (spec default: 3).
	MaxReactIterations int

	// SessionSizeLimitBytes is read from the environment (default: 5 MiB)
	// but not consulted: the Session Store's size guard uses the fixed
	// session.MaxUncompressedBytes.
	SessionSizeLimitBytes int64

	// EventBufferSize bounds the per-task SSE ring buffer.
	EventBufferSize int
}

// Load reads the environment and returns a validated Config.
func Load() (Config, error) {
	c := Config{
		HTTPAddr:              getEnv("CLAUSEREVIEW_HTTP_ADDR", ":8080"),
		SessionBackend:        getEnv("CLAUSEREVIEW_SESSION_BACKEND", "memory"),
		MongoURI:              os.Getenv("CLAUSEREVIEW_MONGO_URI"),
		MongoDatabase:         getEnv("CLAUSEREVIEW_MONGO_DB", "clausereview"),
		EventBackend:          getEnv("CLAUSEREVIEW_EVENT_BACKEND", "memory"),
		RedisAddr:             os.Getenv("CLAUSEREVIEW_REDIS_ADDR"),
		EngineBackend:         getEnv("CLAUSEREVIEW_ENGINE_BACKEND", "inmem"),
		TemporalHost:          getEnv("CLAUSEREVIEW_TEMPORAL_HOST", "localhost:7233"),
		TemporalQueue:         getEnv("CLAUSEREVIEW_TEMPORAL_QUEUE", "clause-review"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:         getEnv("AWS_REGION", "us-east-1"),
		JWTJWKSURL:            os.Getenv("CLAUSEREVIEW_JWKS_URL"),
		JWTAudience:           os.Getenv("CLAUSEREVIEW_JWT_AUDIENCE"),
		JWKSCacheTTL:          getEnvDuration("CLAUSEREVIEW_JWKS_CACHE_TTL", 10*time.Minute),
		QuotaEnabled:          getEnvBool("CLAUSEREVIEW_QUOTA_ENABLED", true),
		MaxReactIterations:    getEnvInt("CLAUSEREVIEW_MAX_REACT_ITERATIONS", 3),
		SessionSizeLimitBytes: getEnvInt64("CLAUSEREVIEW_SESSION_SIZE_LIMIT_BYTES", 5*1024*1024),
		EventBufferSize:       getEnvInt("CLAUSEREVIEW_EVENT_BUFFER_SIZE", 256),
	}
	c.ProviderOrder = []string{"anthropic", "openai", "bedrock"}
	if v := os.Getenv("CLAUSEREVIEW_PROVIDER_ORDER"); v != "" {
		c.ProviderOrder = splitCSV(v)
	}

	if c.SessionBackend == "mongo" && c.MongoURI == "" {
		return Config{}, fmt.Errorf("config: CLAUSEREVIEW_MONGO_URI required when CLAUSEREVIEW_SESSION_BACKEND=mongo")
	}
	if c.EventBackend == "redis" && c.RedisAddr == "" {
		return Config{}, fmt.Errorf("config: CLAUSEREVIEW_REDIS_ADDR required when CLAUSEREVIEW_EVENT_BACKEND=redis")
	}
	if c.MaxReactIterations <= 0 {
		return Config{}, fmt.Errorf("config: CLAUSEREVIEW_MAX_REACT_ITERATIONS must be positive")
	}
	return c, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}
