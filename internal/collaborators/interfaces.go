// Package collaborators declares the interfaces the node manager consumes
// from the rest of the filesystem (spec.md §6.1): the block allocator
// (SIT), the page cache, block I/O, and the checkpoint/segment manager's
// NAT journal. The node manager is built and tested against these
// interfaces; spec.md explicitly treats their real implementations as
// out of scope.
package collaborators

import (
	"context"

	"github.com/go-f2fs/nodemgr/internal/types"
)

// BlockAllocator is the segment manager's surface used by the node
// manager (spec.md §6.1). Invalidate/refresh participate in freeing a
// node's old block; the valid-count hooks track cluster-wide counters
// the node manager itself does not own.
type BlockAllocator interface {
	InvalidateBlocks(ctx context.Context, addr types.BlockAddr) error
	RefreshSitEntry(ctx context.Context, old, new types.BlockAddr) error
	IncValidNodeCount(ctx context.Context, n int) error
	DecValidNodeCount(ctx context.Context, n int) error
	IncValidInodeCount(ctx context.Context) error
	DecValidInodeCount(ctx context.Context) error
	// TotalValidNodeCount is available_nids' denominator: the number of
	// NIDs currently installed in NAT with a non-null address.
	TotalValidNodeCount(ctx context.Context) (uint32, error)
}

// NatBlockStore reads and writes whole NAT blocks from the meta page
// store (spec.md §6.1, §6.3). Block index addressing (current vs. next,
// bitmap-selected A/B copy) is resolved by the caller; NatBlockStore only
// moves bytes.
type NatBlockStore interface {
	// ReadNatBlock returns the NatEntriesPerBlock raw records for the
	// NAT block holding setID, reading the copy selected by isB.
	ReadNatBlock(ctx context.Context, setID uint32, isB bool) ([]types.RawNatEntry, error)
	// WriteNatBlock persists records for setID into the copy selected
	// by isB (the "other" copy per the bitmap-flip invariant).
	WriteNatBlock(ctx context.Context, setID uint32, isB bool, entries []types.RawNatEntry) error
}

// Journal is the current-segment NAT journal (spec.md §6.1): a small,
// capacity-bounded side-log of NID->RawNatEntry updates deferred from a
// full NAT-block write. Implementations must serialize access
// internally; the node manager takes no curseg mutex of its own around
// these calls, so a sequence of calls is not atomic as a whole.
type Journal interface {
	// Lookup returns the journal's raw entry for nid, if present.
	Lookup(nid types.NID) (types.RawNatEntry, bool)
	// Upsert reserves (or reuses) a journal slot for nid and writes raw.
	// It reports false if the journal is full and has no existing slot
	// for nid.
	Upsert(nid types.NID, raw types.RawNatEntry) bool
	// Remove deletes nid's journal slot, if any.
	Remove(nid types.NID)
	// Len returns the number of occupied slots.
	Len() int
	// Capacity returns the journal's total slot count.
	Capacity() int
	// All returns every (nid, raw) pair currently in the journal, in
	// journal order, without removing them.
	All() []JournalEntry
}

// JournalEntry pairs a NID with its raw NAT record as stored in the
// journal.
type JournalEntry struct {
	Nid types.NID
	Raw types.RawNatEntry
}

// MemoryBudget reports whether growing a given in-memory structure by n
// bytes would exceed the configured RAM threshold (spec.md §4.2's
// available_free_memory). A real implementation reads host memory
// statistics; tests use a fixed or programmable budget.
type MemoryBudget interface {
	// WouldExceed reports whether adding extraBytes to kind's current
	// footprint would cross the configured threshold.
	WouldExceed(kind BudgetKind, extraBytes int64) bool
}

// BudgetKind distinguishes the memory pools spec.md §4.2 tracks
// separately (free-NID entries vs. NAT cache entries).
type BudgetKind int

const (
	BudgetFreeNids BudgetKind = iota
	BudgetNatEntries
)

// NodePageStore is the byte-addressable page store spec.md §6.1 exposes
// as "the generic page cache and block I/O layer", narrowed to the
// per-NID node address space the node manager reads and writes. A real
// implementation backs this with the mounted device's block I/O and the
// VFS page cache; tests use an in-memory store.
type NodePageStore interface {
	// GrabCachePage returns the page for nid, creating an empty, locked
	// one if absent (grab_cache_page).
	GrabCachePage(ctx context.Context, nid types.NID) (*NodePage, error)
	// FindGetPage returns the page for nid if it is already resident,
	// without creating one (find_get_page).
	FindGetPage(ctx context.Context, nid types.NID) (*NodePage, bool)
	// ReadPage reads nid's content from addr into the page, setting
	// Uptodate and Footer (f2fs_submit_page_bio / READ).
	ReadPage(ctx context.Context, page *NodePage, addr types.BlockAddr) error
	// WritePage persists page content and returns the device address the
	// block allocator assigned it (f2fs_submit_page_bio / WRITE); SIT
	// allocation itself is the out-of-scope block allocator's job.
	WritePage(ctx context.Context, page *NodePage) (types.BlockAddr, error)
	// InvalidateMappingPages drops cached pages for nids in [lo, hi].
	InvalidateMappingPages(ctx context.Context, lo, hi types.NID) error
}

// NodeKind classifies a node page the way the three sync_node_pages
// passes and truncate_inode_blocks' level math do: an inode page, a
// first-level direct ("dnode") page split into warm (dentry) and cold
// (file data) flavors, or an indirect/double-indirect page that holds
// child NIDs rather than data addresses.
type NodeKind int

const (
	KindInode NodeKind = iota
	KindDentryDnode
	KindFileDnode
	KindIndirect
)

// NodePage is a single node page: its footer, its dirty/uptodate/
// writeback tags, and, for indirect/double-indirect pages, the child
// NIDs it holds (direct node pages hold data block addresses, which are
// outside the node manager's scope and are not modeled here).
type NodePage struct {
	Nid       types.NID
	Footer    types.NodeFooter
	Kind      NodeKind
	Uptodate  bool
	Dirty     bool
	Writeback bool
	FsyncMark bool
	DentryMark bool

	// Children holds child NIDs for Kind == KindIndirect pages, indexed
	// by in-block offset; zero means an empty slot (NID 0 is never
	// allocated).
	Children []types.NID
}
