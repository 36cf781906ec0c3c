package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers the node-manager and logging flags on flagSet and
// binds them into viper, the way the teacher's generated cfg.BindFlags
// wires mount flags.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.IntP("nat-shards", "", 0, "NAT cache shard count; 0 derives it from nr-file-cell or GOMAXPROCS.")
	if err := viper.BindPFlag("node-manager.nat-shards", flagSet.Lookup("nat-shards")); err != nil {
		return err
	}

	flagSet.IntP("free-nid-shards", "", 0, "Free-NID pool shard count; 0 derives it from nr-file-cell or GOMAXPROCS.")
	if err := viper.BindPFlag("node-manager.free-nid-shards", flagSet.Lookup("free-nid-shards")); err != nil {
		return err
	}

	flagSet.BoolP("per-core-nid-list", "", false, "Shard the free-NID pool by CPU/cell count instead of a single list.")
	if err := viper.BindPFlag("node-manager.per-core-nid-list", flagSet.Lookup("per-core-nid-list")); err != nil {
		return err
	}

	flagSet.BoolP("file-cell", "", false, "Shard NAT and node address spaces per file-cell.")
	if err := viper.BindPFlag("node-manager.file-cell", flagSet.Lookup("file-cell")); err != nil {
		return err
	}

	flagSet.IntP("nr-file-cell", "", 0, "Number of file cells when file-cell sharding is enabled.")
	if err := viper.BindPFlag("node-manager.nr-file-cell", flagSet.Lookup("nr-file-cell")); err != nil {
		return err
	}

	flagSet.BoolP("rps", "", true, "Use the reader-preferring semaphore for the checkpoint fences instead of a plain RWMutex.")
	if err := viper.BindPFlag("node-manager.rps", flagSet.Lookup("rps")); err != nil {
		return err
	}

	flagSet.IntP("ram-thresh-percent", "", DefaultRamThreshPercent, "Percentage of available RAM the free-NID pool and NAT cache may occupy.")
	if err := viper.BindPFlag("node-manager.ram-thresh-percent", flagSet.Lookup("ram-thresh-percent")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", Info, "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Logging format: text or json.")
	if err := viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file (not read by nodemgrctl, which logs to stderr).")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("debug-exit-on-invariant-violation", "", false, "Panic instead of returning an error on a disallowed NAT address transition.")
	if err := viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-exit-on-invariant-violation")); err != nil {
		return err
	}

	flagSet.BoolP("debug-log-mutex", "", false, "Log every shard-lock acquisition and release (not read by any lock in this module).")
	if err := viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-log-mutex")); err != nil {
		return err
	}

	return nil
}
