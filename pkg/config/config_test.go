package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, "admissions", cfg.Admissions.Exchange)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Outbox.MaxBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.StaleThreshold)
	assert.Equal(t, MessagingDriverLog, cfg.Messaging.Driver)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Messaging.KafkaBrokers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "7")
	t.Setenv("OUTBOX_DISPATCH_TIMEOUT", "3s")
	t.Setenv("OUTBOX_STALE_THRESHOLD", "not-a-duration")
	t.Setenv("MESSAGING_DRIVER", "Kafka")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Outbox.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Outbox.DispatchTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.StaleThreshold)
	assert.Equal(t, MessagingDriverKafka, cfg.Messaging.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Messaging.KafkaBrokers)
}
