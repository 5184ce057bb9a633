// Package config loads dbcore's process configuration from a YAML file.
// Loading is a pure function: the core never reads environment variables
// or flags directly, since CLI/flag parsing is an excluded surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncMode selects the WAL manager's fsync policy.
type SyncMode string

const (
	AlwaysSync   SyncMode = "always"
	PeriodicSync SyncMode = "periodic"
	NoSync       SyncMode = "none"
)

// WALConfig configures the WAL manager and its segments.
type WALConfig struct {
	Directory         string        `yaml:"directory"`
	SegmentSizeBytes  int64         `yaml:"segment_size_bytes"`
	SyncMode          SyncMode      `yaml:"sync_mode"`
	SyncIntervalMS    int           `yaml:"sync_interval_ms"`
	GroupCommitBytes  int           `yaml:"group_commit_bytes"`
	GroupCommitDelay  time.Duration `yaml:"group_commit_delay"`
}

// CheckpointConfig configures the checkpoint coordinator.
type CheckpointConfig struct {
	Interval           time.Duration `yaml:"interval"`
	DirtyPageThreshold int           `yaml:"dirty_page_threshold"`
}

// ShipperPeer is one standby the log shipper streams to.
type ShipperPeer struct {
	Address string `yaml:"address"`
}

// ShipperConfig configures the log shipper.
type ShipperConfig struct {
	Peers      []ShipperPeer `yaml:"peers"`
	IntervalMS int           `yaml:"interval_ms"`
	BatchSize  int           `yaml:"batch_size"`
}

// RaftConfig configures the Raft node.
type RaftConfig struct {
	NodeID              string        `yaml:"node_id"`
	Peers               []string      `yaml:"peers"`
	Directory           string        `yaml:"directory"`
	ElectionTimeoutMin  time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	SnapshotThreshold   int           `yaml:"snapshot_threshold"`
}

// HCCConfig configures the compression engine's default strategy.
type HCCConfig struct {
	StrategyPreset string `yaml:"strategy_preset"`
}

// ConflictConfig configures the sharded conflict resolver.
type ConflictConfig struct {
	ShardCount int           `yaml:"shard_count"`
	MaxAge     time.Duration `yaml:"max_age"`
}

// CDCConfig configures the change-data-capture engine.
type CDCConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	BatchTimeout      time.Duration `yaml:"batch_timeout"`
	CheckpointPath    string        `yaml:"checkpoint_path"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	ExcludedTables    []string      `yaml:"excluded_tables"`
	IncludedTables    []string      `yaml:"included_tables"`
}

// Config is the root configuration document.
type Config struct {
	WAL        WALConfig        `yaml:"wal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Shipper    ShipperConfig    `yaml:"shipper"`
	Raft       RaftConfig       `yaml:"raft"`
	HCC        HCCConfig        `yaml:"hcc"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	CDC        CDCConfig        `yaml:"cdc"`
}

// Default returns a Config with reasonable values for a single-node demo.
func Default() *Config {
	return &Config{
		WAL: WALConfig{
			Directory:        "./data/wal",
			SegmentSizeBytes: 64 << 20,
			SyncMode:         AlwaysSync,
			SyncIntervalMS:   200,
			GroupCommitBytes: 1 << 20,
			GroupCommitDelay: 5 * time.Millisecond,
		},
		Checkpoint: CheckpointConfig{
			Interval:           30 * time.Second,
			DirtyPageThreshold: 10000,
		},
		Shipper: ShipperConfig{
			IntervalMS: 100,
			BatchSize:  500,
		},
		Raft: RaftConfig{
			Directory:          "./data/raft",
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotThreshold:  10000,
		},
		HCC: HCCConfig{
			StrategyPreset: "QueryHigh",
		},
		Conflict: ConflictConfig{
			ShardCount: 16,
			MaxAge:     24 * time.Hour,
		},
		CDC: CDCConfig{
			BatchSize:          500,
			BatchTimeout:       200 * time.Millisecond,
			CheckpointPath:     "./data/cdc.checkpoint",
			CheckpointInterval: 5 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default().
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
