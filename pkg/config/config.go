package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds broker configuration. Loaded from yaml with env/flag
// overrides applied by cmd/broker.
type Config struct {
	// BrokerID is this broker's id; must be unique in the cluster
	BrokerID int32 `yaml:"broker_id"`

	// LogDirs are the directories hosting partition logs
	LogDirs []string `yaml:"log_dirs"`

	// ReplicaLagTimeMax is the maximum time a follower can go without
	// catching up to the leader's end offset before it is dropped from ISR
	ReplicaLagTimeMax time.Duration `yaml:"replica_lag_time_max"`

	// ReplicaFetchMinBytes is the minimum bytes a follower fetch waits for
	ReplicaFetchMinBytes int32 `yaml:"replica_fetch_min_bytes"`

	// ReplicaFetchMaxBytes is the per-fetch byte cap for follower fetches
	ReplicaFetchMaxBytes int32 `yaml:"replica_fetch_max_bytes"`

	// ReplicaFetchWait is the maximum wait for a follower fetch to satisfy
	// ReplicaFetchMinBytes
	ReplicaFetchWait time.Duration `yaml:"replica_fetch_wait"`

	// ReplicaFetchBackoff is the delay after a failed follower fetch
	ReplicaFetchBackoff time.Duration `yaml:"replica_fetch_backoff"`

	// NumReplicaFetchers is the number of fetcher workers per source broker
	NumReplicaFetchers int `yaml:"num_replica_fetchers"`

	// ReplicaHighWatermarkCheckpointInterval is how often high watermarks
	// are checkpointed to disk
	ReplicaHighWatermarkCheckpointInterval time.Duration `yaml:"replica_high_watermark_checkpoint_interval"`

	// ProducerPurgatoryPurgeInterval is the completed-operation count that
	// triggers a purge of the produce purgatory
	ProducerPurgatoryPurgeInterval int `yaml:"producer_purgatory_purge_interval"`

	// FetchPurgatoryPurgeInterval is the purge threshold for the fetch purgatory
	FetchPurgatoryPurgeInterval int `yaml:"fetch_purgatory_purge_interval"`

	// DeleteRecordsPurgatoryPurgeInterval is the purge threshold for the
	// delete-records purgatory
	DeleteRecordsPurgatoryPurgeInterval int `yaml:"delete_records_purgatory_purge_interval"`

	// ElectLeaderPurgatoryPurgeInterval is the purge threshold for the
	// elect-leader purgatory
	ElectLeaderPurgatoryPurgeInterval int `yaml:"elect_leader_purgatory_purge_interval"`

	// MinInSyncReplicas is the minimum ISR size for acks=all appends
	MinInSyncReplicas int `yaml:"min_insync_replicas"`

	// MaxMessageBytes is the largest accepted record batch
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// AutoLeaderRebalanceEnable turns on periodic preferred-leader election
	AutoLeaderRebalanceEnable bool `yaml:"auto_leader_rebalance_enable"`

	// LeaderImbalancePerBrokerPercentage is the imbalance ratio above which
	// a broker's partitions are rebalanced to their preferred leaders
	LeaderImbalancePerBrokerPercentage int `yaml:"leader_imbalance_per_broker_percentage"`

	// LeaderImbalanceCheckInterval is how often leader imbalance is checked
	LeaderImbalanceCheckInterval time.Duration `yaml:"leader_imbalance_check_interval"`

	// DeleteTopicEnable permits topic deletion
	DeleteTopicEnable bool `yaml:"delete_topic_enable"`

	// UncleanLeaderElectionEnable permits electing a leader from outside the
	// ISR, which may lose committed records
	UncleanLeaderElectionEnable bool `yaml:"unclean_leader_election_enable"`

	// InterBrokerProtocolVersion gates version-dependent behavior
	InterBrokerProtocolVersion string `yaml:"inter_broker_protocol_version"`

	// InterBrokerListenerName selects the listener used for replication
	InterBrokerListenerName string `yaml:"inter_broker_listener_name"`

	// ReplicaSelectorName names the preferred-read-replica selector;
	// empty disables follower reads
	ReplicaSelectorName string `yaml:"replica_selector_name"`

	// TransactionPartitionVerificationEnable verifies transactional produces
	// against the transaction coordinator before appending
	TransactionPartitionVerificationEnable bool `yaml:"transaction_partition_verification_enable"`

	// ControlledShutdownMaxRetries bounds controlled-shutdown attempts
	ControlledShutdownMaxRetries int `yaml:"controlled_shutdown_max_retries"`

	// ControlledShutdownRetryBackoff is the delay between shutdown attempts
	ControlledShutdownRetryBackoff time.Duration `yaml:"controlled_shutdown_retry_backoff"`

	// HaltOnLogDirFailure terminates the process on any log directory
	// failure instead of running degraded
	HaltOnLogDirFailure bool `yaml:"halt_on_log_dir_failure"`

	// FeatureVersioningEnable gates cluster feature-version updates
	FeatureVersioningEnable bool `yaml:"feature_versioning_enable"`

	// DelegationTokenExpiryCheckInterval is how often expired delegation
	// tokens are purged
	DelegationTokenExpiryCheckInterval time.Duration `yaml:"delegation_token_expiry_check_interval"`
}

// Default returns sensible defaults
func Default() *Config {
	return &Config{
		BrokerID:                               0,
		LogDirs:                                []string{"/var/lib/corelog"},
		ReplicaLagTimeMax:                      30 * time.Second,
		ReplicaFetchMinBytes:                   1,
		ReplicaFetchMaxBytes:                   1024 * 1024,
		ReplicaFetchWait:                       500 * time.Millisecond,
		ReplicaFetchBackoff:                    time.Second,
		NumReplicaFetchers:                     1,
		ReplicaHighWatermarkCheckpointInterval: 5 * time.Second,
		ProducerPurgatoryPurgeInterval:         1000,
		FetchPurgatoryPurgeInterval:            1000,
		DeleteRecordsPurgatoryPurgeInterval:    1,
		ElectLeaderPurgatoryPurgeInterval:      1000,
		MinInSyncReplicas:                      1,
		MaxMessageBytes:                        1024*1024 + 12,
		AutoLeaderRebalanceEnable:              true,
		LeaderImbalancePerBrokerPercentage:     10,
		LeaderImbalanceCheckInterval:           5 * time.Minute,
		DeleteTopicEnable:                      true,
		UncleanLeaderElectionEnable:            false,
		InterBrokerProtocolVersion:             "1.0",
		InterBrokerListenerName:                "REPLICATION",
		ReplicaSelectorName:                    "",
		TransactionPartitionVerificationEnable: true,
		ControlledShutdownMaxRetries:           3,
		ControlledShutdownRetryBackoff:         5 * time.Second,
		HaltOnLogDirFailure:                    false,
		FeatureVersioningEnable:                true,
		DelegationTokenExpiryCheckInterval:     time.Hour,
	}
}

// Load reads a yaml config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.BrokerID < 0 {
		return fmt.Errorf("broker_id must be >= 0, got %d", c.BrokerID)
	}
	if len(c.LogDirs) == 0 {
		return fmt.Errorf("log_dirs must not be empty")
	}
	if c.ReplicaLagTimeMax <= 0 {
		return fmt.Errorf("replica_lag_time_max must be > 0, got %v", c.ReplicaLagTimeMax)
	}
	if c.ReplicaFetchMinBytes < 0 {
		return fmt.Errorf("replica_fetch_min_bytes must be >= 0, got %d", c.ReplicaFetchMinBytes)
	}
	if c.ReplicaFetchMaxBytes <= 0 {
		return fmt.Errorf("replica_fetch_max_bytes must be > 0, got %d", c.ReplicaFetchMaxBytes)
	}
	if c.ReplicaFetchMaxBytes < c.ReplicaFetchMinBytes {
		return fmt.Errorf("replica_fetch_max_bytes (%d) must be >= replica_fetch_min_bytes (%d)",
			c.ReplicaFetchMaxBytes, c.ReplicaFetchMinBytes)
	}
	if c.NumReplicaFetchers <= 0 {
		return fmt.Errorf("num_replica_fetchers must be > 0, got %d", c.NumReplicaFetchers)
	}
	if c.MinInSyncReplicas <= 0 {
		return fmt.Errorf("min_insync_replicas must be > 0, got %d", c.MinInSyncReplicas)
	}
	if c.LeaderImbalancePerBrokerPercentage < 0 || c.LeaderImbalancePerBrokerPercentage > 100 {
		return fmt.Errorf("leader_imbalance_per_broker_percentage must be in [0,100], got %d",
			c.LeaderImbalancePerBrokerPercentage)
	}
	if c.ControlledShutdownMaxRetries < 0 {
		return fmt.Errorf("controlled_shutdown_max_retries must be >= 0, got %d",
			c.ControlledShutdownMaxRetries)
	}
	return nil
}

// Clone returns a deep copy of the config
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.LogDirs = append([]string(nil), c.LogDirs...)
	return &cp
}
