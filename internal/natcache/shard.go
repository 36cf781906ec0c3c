package natcache

import (
	"container/list"
	"sync"

	"github.com/go-f2fs/nodemgr/internal/types"
)

// shard is one residue class of the NID space (spec.md §3.2): its own
// NAT tree, its own dirty-set index, its own clean LRU, and its own
// rw-semaphore. nat_tree_lock[s] in spec.md is sync.RWMutex here — it
// guards natRoot, natSetRoot, and the LRU together, since every mutation
// that touches one typically also touches another.
type shard struct {
	mu sync.RWMutex

	natRoot    map[types.NID]*NatEntry
	natSetRoot map[uint32]*NatEntrySet
	lru        *list.List // of *NatEntry, front = most recently used

	natCnt   int
	dirtyCnt int

	entriesPerBlock uint32
}

func newShard(entriesPerBlock uint32) *shard {
	return &shard{
		natRoot:         make(map[types.NID]*NatEntry),
		natSetRoot:      make(map[uint32]*NatEntrySet),
		lru:             list.New(),
		entriesPerBlock: entriesPerBlock,
	}
}

// lookup returns the entry for nid under a caller-held lock (read or
// write), or nil.
func (s *shard) lookup(nid types.NID) *NatEntry {
	return s.natRoot[nid]
}

// insert installs e, brand new, onto the clean LRU front. Caller must
// hold the write lock.
func (s *shard) insert(e *NatEntry) {
	s.natRoot[e.Info.Nid] = e
	e.lruElem = s.lru.PushFront(e)
	s.natCnt++
}

// touch moves a clean entry to the LRU front (most recently used).
// Caller must hold the write lock.
func (s *shard) touch(e *NatEntry) {
	if e.lruElem != nil {
		s.lru.MoveToFront(e.lruElem)
	}
}

// markDirty moves e from the clean LRU onto its NatEntrySet, creating
// the set if needed. Caller must hold the write lock. A no-op if e is
// already dirty (its SetID cannot change — it is a function of Nid).
func (s *shard) markDirty(e *NatEntry) {
	if e.Flags.IsDirty {
		return
	}
	if e.lruElem != nil {
		s.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	setID := uint32(e.Info.Nid) / s.entriesPerBlock
	set, ok := s.natSetRoot[setID]
	if !ok {
		set = newNatEntrySet(setID)
		s.natSetRoot[setID] = set
	}
	e.SetID = setID
	e.dirtyElem = set.Entries.PushBack(e)
	set.EntryCnt++
	e.Flags.IsDirty = true
	s.dirtyCnt++
}

// clearDirty moves e from its NatEntrySet back onto the clean LRU,
// destroying the set if it becomes empty. Caller must hold the write
// lock.
func (s *shard) clearDirty(e *NatEntry) {
	if !e.Flags.IsDirty {
		return
	}
	set := s.natSetRoot[e.SetID]
	if set != nil {
		if e.dirtyElem != nil {
			set.Entries.Remove(e.dirtyElem)
			e.dirtyElem = nil
		}
		set.EntryCnt--
		if set.EntryCnt == 0 {
			delete(s.natSetRoot, e.SetID)
		}
	}
	e.Flags.IsDirty = false
	s.dirtyCnt--
	e.lruElem = s.lru.PushFront(e)
}

// clearDirtyAfterFlush moves e from a dirty set that a flush pass has
// already unlinked from natSetRoot back onto the clean LRU. Unlike
// clearDirty, it never consults natSetRoot — the caller is responsible
// for having detached (and, on failure, reattached) the set itself.
// Caller must hold the write lock.
func (s *shard) clearDirtyAfterFlush(e *NatEntry) {
	if !e.Flags.IsDirty {
		return
	}
	e.dirtyElem = nil
	e.Flags.IsDirty = false
	s.dirtyCnt--
	e.lruElem = s.lru.PushFront(e)
}

// remove deletes e entirely (used when its block address resolves to
// NULL_ADDR and memory pressure trims it, or it is otherwise destroyed).
// Caller must hold the write lock; e must be clean.
func (s *shard) remove(e *NatEntry) {
	delete(s.natRoot, e.Info.Nid)
	if e.lruElem != nil {
		s.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	s.natCnt--
}

// trimClean evicts up to n clean entries, oldest first, returning the
// count actually removed. Caller must hold the write lock.
func (s *shard) trimClean(n int) int {
	removed := 0
	for removed < n {
		el := s.lru.Back()
		if el == nil {
			break
		}
		e := el.Value.(*NatEntry)
		s.remove(e)
		removed++
	}
	return removed
}
