package natcache

import (
	"container/list"

	"github.com/go-f2fs/nodemgr/internal/types"
)

// NatEntry is the in-memory cache entry backing a NID's NodeInfo, plus
// the flag set and list linkage spec.md §3.1 describes. Unlike the
// kernel's nat_entry (which must avoid a direct entry<->set back-pointer
// to keep the slab allocator and radix tree in sync without extra
// indirection), Go's garbage collector has no trouble with the entry
// knowing its own SetID; there is no arena to manage.
type NatEntry struct {
	Info  types.NodeInfo
	Flags types.Flags

	// SetID is the dirty-set key (Nid / NatEntriesPerBlock) this entry
	// belongs to while dirty; meaningless while clean.
	SetID uint32

	// lruElem is non-nil while the entry is clean and linked into its
	// shard's LRU. dirtyElem is non-nil while the entry is dirty and
	// linked into its NatEntrySet's list. Exactly one is non-nil.
	lruElem   *list.Element
	dirtyElem *list.Element
}
