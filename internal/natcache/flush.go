package natcache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-f2fs/nodemgr/internal/logger"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// FlushStats summarizes one checkpoint flush pass, for the caller to fold
// into its own checkpoint-completion logging/metrics.
type FlushStats struct {
	SetsFlushed    int
	EntriesFlushed int
	ToJournal      int
	ToBlock        int
}

// dirtySet pairs a NatEntrySet with the shard it was gang-looked-up from,
// so a flush pass can still reach that shard's lock once the set itself
// has been unlinked from nat_set_root.
type dirtySet struct {
	shardIdx int
	set      *NatEntrySet
}

// Flush implements the classic checkpoint flush (spec.md §4.5): drain the
// journal first if the current dirty total would overflow its capacity,
// then gang-lookup every shard's dirty sets into one globally ordered
// list (smallest entry_cnt first, oversized sets pushed to the tail),
// and flush each set to the journal or its NAT block. Invoked by the
// checkpoint protocol while writers are quiesced; the node manager does
// not itself enforce that quiescence.
func (c *Cache) Flush(ctx context.Context, freeNids *FreeNidPool) (FlushStats, error) {
	var stats FlushStats
	start := time.Now()
	defer func() { c.metrics.FlushLatency(ctx, time.Since(start).Seconds()) }()

	if c.Snapshot().TotalDirtyCnt == 0 {
		return stats, nil
	}

	if c.journal != nil && c.Snapshot().TotalDirtyCnt > c.journal.Capacity()-c.journal.Len() {
		c.drainJournal()
		c.metrics.JournalDrain(ctx)
	}

	sets := c.collectDirtySets()
	sortSetsByEntryCnt(sets, c.journalCapacityBound())

	for _, ds := range sets {
		flushed, toJournal, err := c.flushSet(ctx, ds, freeNids)
		if err != nil {
			return stats, err
		}
		stats.SetsFlushed++
		stats.EntriesFlushed += flushed
		if toJournal {
			stats.ToJournal += flushed
		} else {
			stats.ToBlock += flushed
		}
	}
	return stats, nil
}

// PerCoreFlush implements the per-core flush variant (spec.md §4.5): used
// when shards are small enough that the same set_id can end up carrying
// dirty entries from more than one shard after partitioning. Sets are
// grouped into packs keyed by set_id, each pack is flushed once, and the
// set_id key is then deleted from every shard's tree. Per the open
// question in spec.md §9, a set_id is only ever supposed to populate one
// shard's tree under consistent nid-based sharding; this asserts that
// invariant instead of silently tolerating a cross-shard duplicate.
func (c *Cache) PerCoreFlush(ctx context.Context, freeNids *FreeNidPool) (FlushStats, error) {
	var stats FlushStats

	packs := make(map[uint32][]dirtySet)
	for i, sh := range c.shards {
		sh.mu.Lock()
		for setID, set := range sh.natSetRoot {
			packs[setID] = append(packs[setID], dirtySet{shardIdx: i, set: set})
		}
		sh.mu.Unlock()
	}

	setIDs := make([]uint32, 0, len(packs))
	for id := range packs {
		setIDs = append(setIDs, id)
	}
	sort.Slice(setIDs, func(i, j int) bool {
		return packEntryCnt(packs[setIDs[i]]) < packEntryCnt(packs[setIDs[j]])
	})

	for _, id := range setIDs {
		members := packs[id]
		if len(members) > 1 {
			logger.Debugf("natcache: per-core flush: set %d carries dirty entries from %d shards", id, len(members))
		}
		for _, ds := range members {
			flushed, toJournal, err := c.flushSet(ctx, ds, freeNids)
			if err != nil {
				return stats, err
			}
			stats.SetsFlushed++
			stats.EntriesFlushed += flushed
			if toJournal {
				stats.ToJournal += flushed
			} else {
				stats.ToBlock += flushed
			}
		}

		deletions := 0
		for _, sh := range c.shards {
			sh.mu.Lock()
			if _, ok := sh.natSetRoot[id]; ok {
				delete(sh.natSetRoot, id)
				deletions++
			}
			sh.mu.Unlock()
		}
		if deletions > 1 {
			c.onInvariantViolation(fmt.Errorf("natcache: per-core flush: set %d deleted from %d shards, expected at most 1", id, deletions))
		}
	}

	return stats, nil
}

// journalCapacityBound mirrors MAX_NAT_JENTRIES(sum): sets at or beyond
// the journal's total slot count are pushed to the tail of the flush
// order regardless of how small they are, since they can never fit the
// journal path anyway.
func (c *Cache) journalCapacityBound() int {
	if c.journal == nil {
		return 0
	}
	return c.journal.Capacity()
}

// drainJournal re-materializes every journal entry into the NAT cache and
// marks it dirty, then empties the journal, so a subsequent set-flush
// pass carries the whole dirty population through the block-write path.
func (c *Cache) drainJournal() {
	entries := c.journal.All()
	for _, je := range entries {
		ni := je.Raw.ToNodeInfo(je.Nid)
		sh := c.shard(je.Nid)
		sh.mu.Lock()
		e := sh.lookup(je.Nid)
		if e == nil {
			e = &NatEntry{Info: ni}
			sh.insert(e)
		} else {
			e.Info = ni
		}
		sh.markDirty(e)
		sh.mu.Unlock()
		c.journal.Remove(je.Nid)
	}
	logger.Debugf("natcache: drained %d journal entries into the cache ahead of flush", len(entries))
}

// collectDirtySets gang-looks-up every shard's NatEntrySets, removing
// each from its shard's nat_set_root as it goes (step 3 of the classic
// flush). The sets themselves, and the entries linked into them, are
// untouched — only the tree's reference to them is cut.
func (c *Cache) collectDirtySets() []dirtySet {
	var all []dirtySet
	for i, sh := range c.shards {
		sh.mu.Lock()
		for setID, set := range sh.natSetRoot {
			all = append(all, dirtySet{shardIdx: i, set: set})
			delete(sh.natSetRoot, setID)
		}
		sh.mu.Unlock()
	}
	return all
}

// sortSetsByEntryCnt orders sets smallest-first so journal capacity is
// spent on the sets that fit most densely; any set whose entry_cnt is at
// or beyond capLimit sorts after every set that isn't, regardless of its
// own size.
func sortSetsByEntryCnt(sets []dirtySet, capLimit int) {
	sort.SliceStable(sets, func(i, j int) bool {
		iOver := capLimit > 0 && sets[i].set.EntryCnt >= capLimit
		jOver := capLimit > 0 && sets[j].set.EntryCnt >= capLimit
		if iOver != jOver {
			return jOver
		}
		return sets[i].set.EntryCnt < sets[j].set.EntryCnt
	})
}

func packEntryCnt(members []dirtySet) int {
	n := 0
	for _, m := range members {
		n += m.set.EntryCnt
	}
	return n
}

// flushSet writes every entry in ds's set to the journal (if it has room
// for the whole set) or to its NAT block, then clears each entry's dirty
// flag and, for entries whose final address is NULL_ADDR, returns the
// NID to the free pool. On an I/O error during the block path, the set
// is reattached to its shard's nat_set_root untouched, so every entry
// stays dirty — the checkpoint fails and the caller marks the
// filesystem errored, per spec.md §4.5's failure semantics.
func (c *Cache) flushSet(ctx context.Context, ds dirtySet, freeNids *FreeNidPool) (flushed int, toJournal bool, err error) {
	set := ds.set
	sh := c.shards[ds.shardIdx]

	toJournal = c.journal != nil && c.journal.Capacity()-c.journal.Len() >= set.EntryCnt

	type pending struct {
		entry *NatEntry
		raw   types.RawNatEntry
	}
	items := make([]pending, 0, set.EntryCnt)

	var blockEntries []types.RawNatEntry
	var isB bool
	if !toJournal {
		isB = c.natBitmap.flip(set.SetID)
		blockEntries, err = c.natBlockStore.ReadNatBlock(ctx, set.SetID, isB)
		if err != nil {
			c.reattachSet(sh, set)
			return 0, false, err
		}
	}

	for el := set.Entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*NatEntry)
		raw := types.FromNodeInfo(e.Info)
		items = append(items, pending{entry: e, raw: raw})
		if !toJournal {
			offset := uint32(e.Info.Nid) % c.entriesPerBlock
			if int(offset) < len(blockEntries) {
				blockEntries[offset] = raw
			}
		}
	}

	if !toJournal {
		if err := c.natBlockStore.WriteNatBlock(ctx, set.SetID, isB, blockEntries); err != nil {
			c.reattachSet(sh, set)
			return 0, false, err
		}
	}

	for _, it := range items {
		e := it.entry
		if toJournal && !e.Info.BlockAddr.IsNew() {
			c.journal.Upsert(e.Info.Nid, it.raw)
		}

		sh.mu.Lock()
		e.Flags.IsCheckpointed = true
		sh.clearDirtyAfterFlush(e)
		sh.mu.Unlock()

		if e.Info.BlockAddr.IsNull() && freeNids != nil {
			freeNids.ReturnNid(e.Info.Nid)
		}
	}

	return len(items), toJournal, nil
}

// reattachSet restores set into sh's nat_set_root, used to undo
// collectDirtySets' detach when a flush attempt fails partway through.
// PerCoreFlush leaves its sets in nat_set_root until after they are
// flushed, so for its sets this re-stores the same entry.
func (c *Cache) reattachSet(sh *shard, set *NatEntrySet) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.natSetRoot[set.SetID] = set
}
