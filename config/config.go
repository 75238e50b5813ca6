// Package config loads worker configuration from the environment. Every
// setting has a sane local-development default so a worker can run against
// localhost services with no configuration at all.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config carries the worker process settings.
type Config struct {
	// TaskQueue is the Temporal queue workflows and activities run on.
	TaskQueue string
	// TemporalAddress is the host:port of the Temporal frontend.
	TemporalAddress string
	// TemporalNamespace selects the Temporal namespace.
	TemporalNamespace string

	// ScheduleToClose bounds one activity call including retries. Debug and
	// testing modes shorten it so broken activities surface quickly.
	ScheduleToClose time.Duration
	// Heartbeat is the activity heartbeat interval. Zero disables it.
	Heartbeat time.Duration
	// QueryTimeout bounds store reads issued by the client facade.
	QueryTimeout time.Duration

	// Debug enables verbose logging and the short activity window.
	Debug bool
	// Testing marks test deployments; implies the short activity window.
	Testing bool

	// MongoURI and MongoDatabase locate the transition log and execution
	// record collections.
	MongoURI      string
	MongoDatabase string

	// RedisAddr and RedisPassword locate the Redis instance backing the
	// blob store and the Pulse event streams.
	RedisAddr     string
	RedisPassword string

	// BlobThreshold is the payload size in bytes above which activity
	// payloads are offloaded to the blob store. Zero uses the store default.
	BlobThreshold int

	// OpenAIKey and AnthropicKey select the prompt model provider; the
	// first non-empty key wins, OpenAI first. DefaultModel names the model
	// used when a prompt step does not set one.
	OpenAIKey    string
	AnthropicKey string
	DefaultModel string

	// ModelTPM is the initial tokens-per-minute budget of the adaptive
	// model rate limiter. Zero disables rate limiting.
	ModelTPM float64
}

// shortWindow is the activity window applied in debug and testing modes.
const shortWindow = 30 * time.Second

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	// Distinguish unset variables from ones explicitly set to "".
	v.AllowEmptyEnv(true)

	v.SetDefault("TEMPORAL_TASK_QUEUE", "julep-task-queue")
	v.SetDefault("TEMPORAL_ADDRESS", "localhost:7233")
	v.SetDefault("TEMPORAL_NAMESPACE", "default")
	v.SetDefault("TEMPORAL_SCHEDULE_TO_CLOSE_TIMEOUT", "5m")
	v.SetDefault("TEMPORAL_HEARTBEAT_TIMEOUT", "0")
	v.SetDefault("QUERY_TIMEOUT", "10s")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DATABASE", "julep")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("BLOB_THRESHOLD_BYTES", 0)
	v.SetDefault("MODEL", "gpt-4o-mini")
	v.SetDefault("MODEL_TOKENS_PER_MINUTE", 0)

	cfg := &Config{
		TaskQueue:         v.GetString("TEMPORAL_TASK_QUEUE"),
		TemporalAddress:   v.GetString("TEMPORAL_ADDRESS"),
		TemporalNamespace: v.GetString("TEMPORAL_NAMESPACE"),
		ScheduleToClose:   v.GetDuration("TEMPORAL_SCHEDULE_TO_CLOSE_TIMEOUT"),
		Heartbeat:         v.GetDuration("TEMPORAL_HEARTBEAT_TIMEOUT"),
		QueryTimeout:      v.GetDuration("QUERY_TIMEOUT"),
		Debug:             v.GetBool("DEBUG"),
		Testing:           v.GetBool("TESTING"),
		MongoURI:          v.GetString("MONGO_URI"),
		MongoDatabase:     v.GetString("MONGO_DATABASE"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		BlobThreshold:     v.GetInt("BLOB_THRESHOLD_BYTES"),
		OpenAIKey:         v.GetString("OPENAI_API_KEY"),
		AnthropicKey:      v.GetString("ANTHROPIC_API_KEY"),
		DefaultModel:      v.GetString("MODEL"),
		ModelTPM:          v.GetFloat64("MODEL_TOKENS_PER_MINUTE"),
	}

	if cfg.Debug || cfg.Testing {
		cfg.ScheduleToClose = shortWindow
	}

	if cfg.TaskQueue == "" {
		return nil, errors.New("TEMPORAL_TASK_QUEUE must not be empty")
	}
	if cfg.ScheduleToClose <= 0 {
		return nil, errors.New("TEMPORAL_SCHEDULE_TO_CLOSE_TIMEOUT must be positive")
	}
	if cfg.BlobThreshold < 0 {
		return nil, errors.New("BLOB_THRESHOLD_BYTES must not be negative")
	}
	return cfg, nil
}
