package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "julep-task-queue", cfg.TaskQueue)
	require.Equal(t, "localhost:7233", cfg.TemporalAddress)
	require.Equal(t, "default", cfg.TemporalNamespace)
	require.Equal(t, 5*time.Minute, cfg.ScheduleToClose)
	require.Equal(t, time.Duration(0), cfg.Heartbeat)
	require.Equal(t, 10*time.Second, cfg.QueryTimeout)
	require.Equal(t, "mongodb://localhost:27017", cfg.MongoURI)
	require.Equal(t, "julep", cfg.MongoDatabase)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Zero(t, cfg.BlobThreshold)
	require.False(t, cfg.Debug)
	require.False(t, cfg.Testing)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TEMPORAL_TASK_QUEUE", "executions")
	t.Setenv("TEMPORAL_ADDRESS", "temporal.internal:7233")
	t.Setenv("TEMPORAL_SCHEDULE_TO_CLOSE_TIMEOUT", "90s")
	t.Setenv("TEMPORAL_HEARTBEAT_TIMEOUT", "15s")
	t.Setenv("MONGO_DATABASE", "tasks")
	t.Setenv("BLOB_THRESHOLD_BYTES", "65536")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "executions", cfg.TaskQueue)
	require.Equal(t, "temporal.internal:7233", cfg.TemporalAddress)
	require.Equal(t, 90*time.Second, cfg.ScheduleToClose)
	require.Equal(t, 15*time.Second, cfg.Heartbeat)
	require.Equal(t, "tasks", cfg.MongoDatabase)
	require.Equal(t, 65536, cfg.BlobThreshold)
}

func TestLoadTestingModeShortensActivityWindow(t *testing.T) {
	t.Setenv("TESTING", "true")
	t.Setenv("TEMPORAL_SCHEDULE_TO_CLOSE_TIMEOUT", "1h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.ScheduleToClose)
	require.True(t, cfg.Testing)
}

func TestLoadRejectsEmptyTaskQueue(t *testing.T) {
	t.Setenv("TEMPORAL_TASK_QUEUE", "")

	_, err := Load()
	require.Error(t, err)
}
