package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("ENGINE_TICK_INTERVAL", "")
	t.Setenv("ENGINE_SWEEP_GUARD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "complaint-engine", cfg.App.Name)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, time.Minute, cfg.Engine.TickInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.ReminderCadence)
	assert.Equal(t, SweepGuardLocal, cfg.Engine.SweepGuard)
	assert.Equal(t, 5*time.Second, cfg.Engine.MutationTimeout)
	assert.Equal(t, 72*time.Hour, cfg.Engine.StuckAfter)
	assert.Equal(t, 30*time.Second, cfg.App.RequestTimeout())
}

func TestLoadEngineOverrides(t *testing.T) {
	t.Setenv("ENGINE_TICK_INTERVAL", "15s")
	t.Setenv("ENGINE_REMINDER_CADENCE", "72h")
	t.Setenv("ENGINE_DEADLINE_LEAD_TIME", "30m")
	t.Setenv("ENGINE_SWEEP_CONCURRENCY", "2")
	t.Setenv("ENGINE_SWEEP_GUARD", "Redis")
	t.Setenv("ENGINE_MUTATION_TIMEOUT", "750ms")
	t.Setenv("ENGINE_STUCK_AFTER", "48h")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 72*time.Hour, cfg.Engine.ReminderCadence)
	assert.Equal(t, 30*time.Minute, cfg.Engine.DeadlineLeadTime)
	assert.Equal(t, 2, cfg.Engine.SweepConcurrency)
	assert.Equal(t, SweepGuardRedis, cfg.Engine.SweepGuard)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.MutationTimeout)
	assert.Equal(t, 48*time.Hour, cfg.Engine.StuckAfter)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsInvalidEngineSettings(t *testing.T) {
	t.Run("unknown guard", func(t *testing.T) {
		t.Setenv("ENGINE_SWEEP_GUARD", "zookeeper")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("non-positive tick", func(t *testing.T) {
		t.Setenv("ENGINE_TICK_INTERVAL", "-1s")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("non-positive stuck threshold", func(t *testing.T) {
		t.Setenv("ENGINE_STUCK_AFTER", "0s")
		_, err := Load()
		require.Error(t, err)
	})

	t.Run("malformed duration falls back", func(t *testing.T) {
		t.Setenv("ENGINE_TICK_INTERVAL", "often")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, time.Minute, cfg.Engine.TickInterval)
	})

	t.Run("bad redis db", func(t *testing.T) {
		t.Setenv("REDIS_DB", "zero")
		_, err := Load()
		require.Error(t, err)
	})
}
