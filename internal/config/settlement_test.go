package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettlementConfigHolderDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	holder, err := NewSettlementConfigHolder(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSettlementTuning(), holder.Current())
}

func TestSettlementConfigHolderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yml")
	content := []byte(`settlement:
  aggregator:
    maxBatchSize: 7
    maxWait: 2s
  breaker:
    consecutiveFailures: 3
    cooldown: 10s
    callTimeout: 250ms
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewSettlementConfigHolder(Config{Settlement: SettlementConfig{TuningFile: path}})
	require.NoError(t, err)

	got := holder.Current()
	assert.Equal(t, 7, got.Aggregator.MaxBatchSize)
	assert.Equal(t, 2*time.Second, got.Aggregator.MaxWait)
	assert.Equal(t, uint32(3), got.Breaker.ConsecutiveFailures)
	assert.Equal(t, 10*time.Second, got.Breaker.Cooldown)
	assert.Equal(t, 250*time.Millisecond, got.Breaker.CallTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, uint32(1), got.Breaker.HalfOpenRequests)
}

func TestSettlementConfigHolderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yml")
	require.NoError(t, os.WriteFile(path, []byte("settlement:\n  aggregator:\n    maxBatchSize: 0\n"), 0o600))

	_, err := NewSettlementConfigHolder(Config{Settlement: SettlementConfig{TuningFile: path}})
	assert.Error(t, err)
}
