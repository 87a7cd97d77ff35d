package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative broker id", func(c *Config) { c.BrokerID = -1 }},
		{"empty log dirs", func(c *Config) { c.LogDirs = nil }},
		{"zero lag time", func(c *Config) { c.ReplicaLagTimeMax = 0 }},
		{"zero fetch max bytes", func(c *Config) { c.ReplicaFetchMaxBytes = 0 }},
		{"max below min bytes", func(c *Config) {
			c.ReplicaFetchMinBytes = 100
			c.ReplicaFetchMaxBytes = 10
		}},
		{"zero fetchers", func(c *Config) { c.NumReplicaFetchers = 0 }},
		{"zero min isr", func(c *Config) { c.MinInSyncReplicas = 0 }},
		{"imbalance over 100", func(c *Config) { c.LeaderImbalancePerBrokerPercentage = 150 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	data := `
broker_id: 3
log_dirs: ["/data/a", "/data/b"]
replica_lag_time_max: 10s
unclean_leader_election_enable: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int32(3), cfg.BrokerID)
	assert.Equal(t, []string{"/data/a", "/data/b"}, cfg.LogDirs)
	assert.Equal(t, 10*time.Second, cfg.ReplicaLagTimeMax)
	assert.True(t, cfg.UncleanLeaderElectionEnable)

	// Untouched fields keep their defaults
	assert.Equal(t, int32(1), cfg.ReplicaFetchMinBytes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/broker.yaml")
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.LogDirs[0] = "/changed"
	assert.NotEqual(t, cfg.LogDirs[0], clone.LogDirs[0])
}
