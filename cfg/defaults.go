package cfg

// DefaultConfig returns the configuration used before any flags or config
// file have been parsed — analogous to the teacher's
// GetDefaultLoggingConfig, generalized to the whole Config.
func DefaultConfig() Config {
	return Config{
		NodeManager: NodeManagerConfig{
			NatShards:          0, // derive from GOMAXPROCS
			FreeNidShards:      0,
			PerCoreNidList:     false,
			FileCell:           false,
			NrFileCell:         0,
			Rps:                true,
			RamThreshPercent:   DefaultRamThreshPercent,
			NatEntriesPerBlock: DefaultNatEntriesPerBlock,
			NatJournalEntries:  DefaultNatJournalEntries,
			AvailableNids:      DefaultAvailableNids,
		},
		Logging: GetDefaultLoggingConfig(),
		Debug:   DebugConfig{},
	}
}

// GetDefaultLoggingConfig returns the default logging configuration used
// before the mount's configuration has been parsed.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Severity: Info,
		Format:   "text",
		LogRotate: LogRotateLoggingConfig{
			BackupFileCount: 10,
			Compress:        true,
			MaxFileSizeMb:   512,
		},
	}
}
