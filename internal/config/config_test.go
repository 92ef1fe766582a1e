package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "HiveCortex", cfg.AppName)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 100, cfg.Store.EventBufferSize)
	assert.Equal(t, 5*time.Second, cfg.Store.FlushInterval)
	assert.Equal(t, 10*time.Minute, cfg.Hive.StallThreshold)
	assert.Equal(t, 0.66, cfg.Hive.ConsensusThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestRuntimeEnvOverrides(t *testing.T) {
	t.Setenv("RUNTIME_EVENT_BUFFER_SIZE", "250")
	t.Setenv("RUNTIME_STALL_THRESHOLD_MS", "60000")
	t.Setenv("RUNTIME_HEARTBEAT_MS", "2500")
	t.Setenv("RUNTIME_CONSENSUS_THRESHOLD", "0.75")
	t.Setenv("RUNTIME_SNAPSHOT_INTERVAL_MS", "15000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Store.EventBufferSize)
	assert.Equal(t, time.Minute, cfg.Hive.StallThreshold)
	assert.Equal(t, 2500*time.Millisecond, cfg.Hive.HeartbeatInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 0.75, cfg.Hive.ConsensusThreshold)
	assert.Equal(t, 15*time.Second, cfg.Workflow.SnapshotInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Database.Type = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Database.Type = "memory"
	cfg.Hive.ConsensusThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Hive.ConsensusThreshold = 0.5
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())
}

func TestInvalidConsensusThresholdIgnored(t *testing.T) {
	t.Setenv("RUNTIME_CONSENSUS_THRESHOLD", "2.0")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.66, cfg.Hive.ConsensusThreshold)
}
