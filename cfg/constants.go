package cfg

const (
	// Logging-level constants, shared with internal/logger.
	Trace   string = "TRACE"
	Debug   string = "DEBUG"
	Info    string = "INFO"
	Warning string = "WARNING"
	Error   string = "ERROR"
	Off     string = "OFF"
)

const (
	// NatEntriesPerBlock is the number of packed f2fs_nat_entry records
	// per NAT block (spec.md §6.3). The toy end-to-end scenarios in
	// spec.md §8 use 8; the real on-device constant used by the
	// original source is 455. Both are valid NatEntriesPerBlock values;
	// production mounts should use the real constant.
	DefaultNatEntriesPerBlock = 455

	// DefaultNatJournalEntries is the packed-array capacity of the NAT
	// journal inside the hot-data summary block (spec.md §6.3).
	DefaultNatJournalEntries = 3 * DefaultNatEntriesPerBlock / 4

	// DefaultRamThreshPercent is the percentage of available RAM the
	// free-NID pool and NAT cache builders are allowed to occupy.
	DefaultRamThreshPercent = 50

	// DefaultAvailableNids bounds total_valid_node_count absent a real
	// on-device superblock; a real mount overrides this from the
	// superblock's nid count.
	DefaultAvailableNids = 1 << 20
)
