package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BATCH_SIZE", "")
	cfg := Load()

	require.NotNil(t, cfg)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
	assert.Equal(t, 4, cfg.DeliveryConcurrency)
	assert.Equal(t, 60*time.Second, cfg.SyncInterval)
	assert.Equal(t, "postgres", cfg.EntityStore)
	assert.False(t, cfg.UsesMemoryStore())
}

func TestLoadClampsBatchSize(t *testing.T) {
	t.Setenv("BATCH_SIZE", "50000")
	assert.Equal(t, MaxBatchSize, Load().BatchSize)

	t.Setenv("BATCH_SIZE", "-4")
	assert.Equal(t, MinBatchSize, Load().BatchSize)
}

func TestLoadClampsConcurrencyAndAttempts(t *testing.T) {
	t.Setenv("DELIVERY_CONCURRENCY", "1000")
	t.Setenv("MAX_DELIVERY_ATTEMPTS", "0")

	cfg := Load()
	assert.Equal(t, MaxDeliveryConcurrency, cfg.DeliveryConcurrency)
	assert.Equal(t, 1, cfg.MaxDeliveryAttempts)
}

func TestLoadParsesEntityTypesAndMemoryStore(t *testing.T) {
	t.Setenv("SYNC_ENTITY_TYPES", " Customers, orders ,,")
	t.Setenv("DATABASE_URL", "memory://")

	cfg := Load()
	assert.Equal(t, []string{"customers", "orders"}, cfg.EntityTypes)
	assert.True(t, cfg.UsesMemoryStore())
}

func TestLoadIgnoresMalformedInts(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_SEC", "soon")
	assert.Equal(t, 60*time.Second, Load().SyncInterval)
}
