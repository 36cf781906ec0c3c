package cfg

import "fmt"

const (
	NatShardCountInvalidValueError      = "node-manager.nat-shards can't be negative"
	FreeNidShardCountInvalidValueError  = "node-manager.free-nid-shards can't be negative"
	NrFileCellTooHighError              = "node-manager.nr-file-cell exceeds nat-entries-per-block-3"
	RamThreshPercentInvalidValueError   = "node-manager.ram-thresh-percent must be in [1, 100]"
	NatEntriesPerBlockInvalidValueError = "node-manager.nat-entries-per-block must be positive"
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidNodeManagerConfig(c *NodeManagerConfig) error {
	if c.NatShards < 0 {
		return fmt.Errorf(NatShardCountInvalidValueError)
	}
	if c.FreeNidShards < 0 {
		return fmt.Errorf(FreeNidShardCountInvalidValueError)
	}
	if c.NatEntriesPerBlock <= 0 {
		return fmt.Errorf(NatEntriesPerBlockInvalidValueError)
	}
	if c.FileCell && c.NrFileCell > c.NatEntriesPerBlock-3 {
		return fmt.Errorf(NrFileCellTooHighError)
	}
	if c.RamThreshPercent <= 0 || c.RamThreshPercent > 100 {
		return fmt.Errorf(RamThreshPercentInvalidValueError)
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	if err := isValidNodeManagerConfig(&config.NodeManager); err != nil {
		return fmt.Errorf("error parsing node-manager config: %w", err)
	}
	return nil
}
