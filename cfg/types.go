package cfg

// Config is the mount-time configuration of the node manager. Shard and
// logging sections are bound from flags in BindFlags; NodeManager
// sections have no on-device counterpart and exist purely to pick
// in-memory scalability knobs (spec.md §6.4).
type Config struct {
	NodeManager NodeManagerConfig `yaml:"node-manager"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`
}

// NodeManagerConfig mirrors the build-time toggles of spec.md §6.4,
// expressed as mount-time options.
type NodeManagerConfig struct {
	// NatShards and FreeNidShards are the per-axis shard counts (S_nat,
	// S_free in spec.md §3.2). Zero means "derive from NrFileCell when
	// FileCell is set, else from GOMAXPROCS, bounded by
	// NAT_ENTRIES_PER_BLOCK-3".
	NatShards     int `yaml:"nat-shards"`
	FreeNidShards int `yaml:"free-nid-shards"`

	// PerCoreNidList shards the free-NID pool by CPU/cell count instead
	// of using a single list.
	PerCoreNidList bool `yaml:"per-core-nid-list"`

	// FileCell selects file-cell mode: a positive NrFileCell then replaces
	// GOMAXPROCS as the basis of any derived shard count, and the free-NID
	// scan wraps to NatEntriesPerBlock instead of 0.
	FileCell   bool `yaml:"file-cell"`
	NrFileCell int  `yaml:"nr-file-cell"`

	// Rps selects the reader-preferring semaphore for the two
	// checkpoint fences (rps_cp_rwsem, rps_node_write) instead of a
	// plain RWMutex. nodemgr.BuildNodeManager consults this at
	// construction time to choose between rps.RPS and rps.Mutex for both
	// fences.
	Rps bool `yaml:"rps"`

	// RamThreshPercent is the percentage of available RAM the free-NID
	// pool and NAT cache are each allowed to occupy before their
	// builders stop growing (spec.md §4.2, §4.3).
	RamThreshPercent int `yaml:"ram-thresh-percent"`

	// NatEntriesPerBlock and NatJournalEntries describe the on-device
	// and in-journal capacity used by the checkpoint flush (spec.md §6.3).
	NatEntriesPerBlock int `yaml:"nat-entries-per-block"`
	NatJournalEntries  int `yaml:"nat-journal-entries"`

	// AvailableNids bounds total_valid_node_count (spec.md §4.2).
	AvailableNids uint32 `yaml:"available-nids"`
}

// LoggingConfig controls the process-wide logger (internal/logger).
type LoggingConfig struct {
	Severity string                 `yaml:"severity"`
	Format   string                 `yaml:"format"`
	FilePath string                 `yaml:"file-path"`
	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

// LogRotateLoggingConfig holds lumberjack rotation settings for a
// FilePath log sink. Nothing in this module reads FilePath or these
// settings; nodemgrctl logs to stderr.
type LogRotateLoggingConfig struct {
	MaxFileSizeMb   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// DebugConfig holds developer-only toggles never meant to be set in
// production, mirroring the teacher's own debug section.
type DebugConfig struct {
	// ExitOnInvariantViolation panics instead of returning an error when
	// the NAT cache detects a disallowed address transition (spec.md §8),
	// matching the kernel's f2fs_bug_on behavior. Off by default so a
	// library consumer can recover and unmount cleanly.
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	// LogMutex is carried in the config and bound to a flag, but no lock
	// in this module reads it: setting it produces no lock logging.
	LogMutex bool `yaml:"log-mutex"`
}
