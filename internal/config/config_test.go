package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	c, err := NewConfig(Config{DBName: "mydb"})
	require.NoError(t, err)
	assert.Equal(t, defaultCompactionDepth, c.CompactionDepth)
	assert.Equal(t, defaultReplicatorBatchSize, c.ReplicatorBatchSize)
	assert.Equal(t, defaultReplicatorFanOut, c.ReplicatorFanOut)
	assert.Equal(t, defaultChangeTrackerHeartbeat, c.ChangeTrackerHeartbeat)
	assert.Equal(t, defaultHTTPTimeout, c.HTTPTimeout)
	assert.Equal(t, defaultMaxRetriesOneShot, c.MaxRetries)
}

func TestNewConfigContinuousDefaultsToUnboundedRetries(t *testing.T) {
	c, err := NewConfig(Config{DBName: "mydb", Continuous: true})
	require.NoError(t, err)
	assert.Equal(t, 0, c.MaxRetries)
}

func TestNewConfigRejectsMissingName(t *testing.T) {
	_, err := NewConfig(Config{})
	assert.Error(t, err)
}

func TestNewConfigRejectsLongPollTimeoutBelowHeartbeat(t *testing.T) {
	_, err := NewConfig(Config{
		DBName:                 "mydb",
		ChangeTrackerHeartbeat: 30_000_000_000,
		LongPollTimeout:        10_000_000_000,
	})
	assert.Error(t, err)
}
