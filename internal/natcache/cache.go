// Package natcache implements the sharded NAT cache, its dirty-set
// index, and the free-NID pool (spec.md §4.2-§4.4): the in-memory
// mapping from NID to NodeInfo, the bookkeeping that makes checkpoint
// flush deterministic, and the pool of NIDs available for allocation.
package natcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/logger"
	"github.com/go-f2fs/nodemgr/internal/metrics"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// ErrInvalidTransition is returned (and, if configured, promoted to a
// panic) when set_node_addr is asked to perform a block-address
// transition spec.md §8's matrix forbids.
var ErrInvalidTransition = errors.New("natcache: disallowed node address transition")

// Cache is the sharded NAT cache of spec.md §4.3. One Cache instance is
// created per mount by the node manager.
type Cache struct {
	shards []*shard

	entriesPerBlock uint32

	journal       collaborators.Journal
	natBlockStore collaborators.NatBlockStore
	natBitmap     *bitmapTable

	metrics metrics.NodeManagerMetricHandle

	misses singleflight.Group

	// exitOnInvariantViolation mirrors cfg.DebugConfig.ExitOnInvariantViolation:
	// when true, an invariant violation panics instead of just returning
	// an error, matching the original's f2fs_bug_on behavior.
	exitOnInvariantViolation bool
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMetrics installs a metrics handle; the default is a no-op handle.
func WithMetrics(mh metrics.NodeManagerMetricHandle) Option {
	return func(c *Cache) { c.metrics = mh }
}

// WithExitOnInvariantViolation toggles panic-on-violation behavior.
func WithExitOnInvariantViolation(v bool) Option {
	return func(c *Cache) { c.exitOnInvariantViolation = v }
}

// NewCache builds an empty, ready-to-use Cache.
func NewCache(shardCount int, entriesPerBlock uint32, journal collaborators.Journal, store collaborators.NatBlockStore, opts ...Option) *Cache {
	if shardCount <= 0 {
		shardCount = 1
	}
	c := &Cache{
		shards:          make([]*shard, shardCount),
		entriesPerBlock: entriesPerBlock,
		journal:         journal,
		natBlockStore:   store,
		natBitmap:       newBitmapTable(),
		metrics:         metrics.NoopMetricHandle{},
	}
	for i := range c.shards {
		c.shards[i] = newShard(entriesPerBlock)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardIndex(nid types.NID) int {
	return int(nid) % len(c.shards)
}

func (c *Cache) shard(nid types.NID) *shard {
	return c.shards[c.shardIndex(nid)]
}

// Get implements get_node_info (spec.md §4.3): a shard-local cache hit
// returns immediately under a read lock; a miss falls through to the
// journal, then the NAT block, with concurrent misses on the same NID
// collapsed by singleflight so exactly one NatEntry gets installed.
func (c *Cache) Get(ctx context.Context, nid types.NID) (types.NodeInfo, error) {
	sh := c.shard(nid)

	sh.mu.RLock()
	if e := sh.lookup(nid); e != nil {
		ni := e.Info
		sh.mu.RUnlock()
		c.metrics.NatCacheHit(ctx)
		return ni, nil
	}
	sh.mu.RUnlock()
	c.metrics.NatCacheMiss(ctx)

	key := fmt.Sprintf("%d", nid)
	v, err, _ := c.misses.Do(key, func() (any, error) {
		return c.fillFromColdStorage(ctx, nid)
	})
	if err != nil {
		return types.NodeInfo{}, err
	}
	return v.(types.NodeInfo), nil
}

func (c *Cache) fillFromColdStorage(ctx context.Context, nid types.NID) (types.NodeInfo, error) {
	// Re-check: another caller may have installed the entry between our
	// RUnlock and here, including one that arrived via singleflight just
	// before us.
	sh := c.shard(nid)
	sh.mu.Lock()
	if e := sh.lookup(nid); e != nil {
		ni := e.Info
		sh.mu.Unlock()
		return ni, nil
	}
	sh.mu.Unlock()

	ni, checkpointed, err := c.readColdStorage(ctx, nid)
	if err != nil {
		return types.NodeInfo{}, err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e := sh.lookup(nid); e != nil {
		return e.Info, nil // lost the install race, first writer wins
	}
	e := &NatEntry{Info: ni}
	e.Flags.IsCheckpointed = checkpointed
	sh.insert(e)
	return e.Info, nil
}

// readColdStorage consults the journal then the NAT block, mirroring
// get_node_info's steps 2-3. No separate curseg mutex is taken around the
// journal lookup; each Journal call is serialized only by the Journal
// implementation itself.
func (c *Cache) readColdStorage(ctx context.Context, nid types.NID) (types.NodeInfo, bool, error) {
	if c.journal != nil {
		if raw, ok := c.journal.Lookup(nid); ok {
			ni := raw.ToNodeInfo(nid)
			return ni, ni.BlockAddr.IsValid(), nil
		}
	}

	setID := uint32(nid) / c.entriesPerBlock
	isB := c.natBitmap.isB(setID)
	entries, err := c.natBlockStore.ReadNatBlock(ctx, setID, isB)
	if err != nil {
		return types.NodeInfo{}, false, err
	}
	offset := uint32(nid) % c.entriesPerBlock
	if int(offset) >= len(entries) {
		return types.NodeInfo{Nid: nid, Ino: nid, BlockAddr: types.NullAddr}, false, nil
	}
	ni := entries[offset].ToNodeInfo(nid)
	return ni, ni.BlockAddr.IsValid(), nil
}

// validateTransition enforces the address-transition matrix of spec.md §8.
func validateTransition(old, next types.BlockAddr) error {
	switch {
	case old.IsNull() && next.IsNew():
		return nil
	case old.IsNull() && next.IsValid():
		return nil
	case old.IsNew() && next.IsValid():
		return nil
	case old.IsValid() && next.IsValid():
		return nil
	case old.IsValid() && next.IsNull():
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
	}
}

func (c *Cache) onInvariantViolation(err error) {
	logger.Errorf("natcache: invariant violation: %v", err)
	if c.exitOnInvariantViolation {
		panic(err)
	}
}

// SetNodeAddr implements set_node_addr (spec.md §4.3): it installs the
// new address on nid's entry (validating the transition matrix, bumping
// Version on a valid->NULL deletion, clearing IsCheckpointed on a
// NULL/NEW address), dirties the entry, and — when fsyncDone — marks
// both nid's own entry and ino's owning-inode entry, resolving the
// latent cross-shard bug spec.md §9 calls out by locking ino's shard
// separately rather than reaching into it while still holding nid's
// shard lock.
func (c *Cache) SetNodeAddr(ctx context.Context, nid, ino types.NID, newAddr types.BlockAddr, fsyncDone bool) error {
	if err := c.updateAddr(ctx, nid, ino, newAddr); err != nil {
		return err
	}
	if fsyncDone {
		c.markFsync(nid, ino)
	}
	return nil
}

func (c *Cache) updateAddr(ctx context.Context, nid, ino types.NID, newAddr types.BlockAddr) error {
	sh := c.shard(nid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.lookup(nid)
	if e == nil {
		e = &NatEntry{Info: types.NodeInfo{Nid: nid, Ino: ino, BlockAddr: types.NullAddr}}
		sh.insert(e)
	}

	old := e.Info.BlockAddr
	if err := validateTransition(old, newAddr); err != nil {
		c.onInvariantViolation(err)
		return err
	}

	if old.IsValid() && newAddr.IsNull() {
		e.Info.Version++
	}
	e.Info.BlockAddr = newAddr
	e.Info.Ino = ino
	if newAddr.IsNull() || newAddr.IsNew() {
		e.Flags.IsCheckpointed = false
	}
	sh.markDirty(e)
	c.metrics.NatDirtyCount(ctx, c.shardIndex(nid), 1)
	return nil
}

// markFsync mirrors set_node_addr (node.c:447-452): it only updates the
// fsync flags on an entry that is already cached, it never fabricates
// one. nid's own entry is always present by the time this runs (updateAddr
// just found-or-created it above), but ino's owning-inode entry may not
// be cached yet, and a synthesized placeholder would permanently shadow
// its real on-device BlockAddr the next time it is faulted in via Get.
func (c *Cache) markFsync(nid, ino types.NID) {
	mark := func(n types.NID, alsoInode bool) {
		sh := c.shard(n)
		sh.mu.Lock()
		defer sh.mu.Unlock()
		e := sh.lookup(n)
		if e == nil {
			return
		}
		e.Flags.HasLastFsync = true
		if alsoInode {
			e.Flags.HasFsyncedInode = true
		}
	}
	mark(nid, false)
	mark(ino, true)
}

// InstallCheckpointed installs raw's decoded NodeInfo for nid directly
// onto the clean LRU, marked IS_CHECKPOINTED, bypassing set_node_addr's
// transition matrix. It is used by restore_node_summary to replay a
// recovered NAT journal into an otherwise-empty cache at mount, where
// the entries being installed are already on-device truth rather than a
// live transition from a prior in-memory state.
func (c *Cache) InstallCheckpointed(nid types.NID, raw types.RawNatEntry) {
	sh := c.shard(nid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ni := raw.ToNodeInfo(nid)
	if e := sh.lookup(nid); e != nil {
		e.Info = ni
		e.Flags.IsCheckpointed = true
		sh.touch(e)
		return
	}
	e := &NatEntry{Info: ni}
	e.Flags.IsCheckpointed = true
	sh.insert(e)
}

// IsCheckpointedNode reports whether nid's cached entry is checkpointed.
func (c *Cache) IsCheckpointedNode(nid types.NID) bool {
	sh := c.shard(nid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.lookup(nid)
	return e != nil && e.Flags.IsCheckpointed
}

// NeedInodeBlockUpdate reports whether ino's inode block must be
// rewritten because one of its dnodes fsynced since the inode's own last
// fsync mark.
func (c *Cache) NeedInodeBlockUpdate(ino types.NID) bool {
	sh := c.shard(ino)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.lookup(ino)
	return e != nil && e.Flags.HasFsyncedInode
}

// NeedDentryMark reports whether ino's inode page requires a dentry mark
// on writeback: its entry has fsynced but has not itself been
// checkpointed.
func (c *Cache) NeedDentryMark(ino types.NID) bool {
	sh := c.shard(ino)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e := sh.lookup(ino)
	return e != nil && e.Flags.HasLastFsync && !e.Flags.IsCheckpointed
}

// TryToFreeNats implements §4.3's memory-pressure trim: walk each
// shard's LRU oldest-first, removing clean entries, until nrShrink have
// been removed across all shards or every LRU is empty.
func (c *Cache) TryToFreeNats(nrShrink int) int {
	freed := 0
	for _, sh := range c.shards {
		if freed >= nrShrink {
			break
		}
		sh.mu.Lock()
		freed += sh.trimClean(nrShrink - freed)
		sh.mu.Unlock()
	}
	return freed
}

// Stats is a snapshot of the invariants spec.md §8 requires hold at any
// quiescent moment: per-shard nat/dirty counts and their totals.
type Stats struct {
	PerShardNatCnt   []int
	PerShardDirtyCnt []int
	TotalNatCnt      int
	TotalDirtyCnt    int
}

// Snapshot takes Stats under each shard's read lock in turn (not a
// single atomic snapshot of the whole cache, matching how the real
// counters are read independently per shard at checkpoint time).
func (c *Cache) Snapshot() Stats {
	s := Stats{
		PerShardNatCnt:   make([]int, len(c.shards)),
		PerShardDirtyCnt: make([]int, len(c.shards)),
	}
	for i, sh := range c.shards {
		sh.mu.RLock()
		s.PerShardNatCnt[i] = sh.natCnt
		s.PerShardDirtyCnt[i] = sh.dirtyCnt
		s.TotalNatCnt += sh.natCnt
		s.TotalDirtyCnt += sh.dirtyCnt
		sh.mu.RUnlock()
	}
	return s
}

// ScanNatBlockForFreeNids satisfies NatPageScanner: it reads the NAT
// block containing startNid and reports every NID in it whose on-device
// address is NULL_ADDR, the way scan_nat_page walks a decoded NAT page
// looking for free slots. add's return value lets the caller (the
// free-NID pool) stop early once its budget is exhausted.
func (c *Cache) ScanNatBlockForFreeNids(ctx context.Context, startNid types.NID, add func(types.NID) bool) error {
	setID := uint32(startNid) / c.entriesPerBlock
	isB := c.natBitmap.isB(setID)
	entries, err := c.natBlockStore.ReadNatBlock(ctx, setID, isB)
	if err != nil {
		return err
	}
	base := setID * c.entriesPerBlock
	for offset, raw := range entries {
		nid := types.NID(base) + types.NID(offset)
		if nid == 0 {
			continue
		}
		if types.BlockAddr(raw.BlockAddr).IsNull() {
			if !add(nid) {
				return nil
			}
		}
	}
	return nil
}

// JournalNullEntries satisfies NatPageScanner: it partitions the current
// journal's entries into those with a NULL_ADDR (free) and those with a
// real or NEW address (already allocated, so any stale free-pool entry
// for them must be dropped).
func (c *Cache) JournalNullEntries(ctx context.Context) (free []types.NID, allocated []types.NID, err error) {
	if c.journal == nil {
		return nil, nil, nil
	}
	for _, je := range c.journal.All() {
		if types.BlockAddr(je.Raw.BlockAddr).IsNull() {
			free = append(free, je.Nid)
		} else {
			allocated = append(allocated, je.Nid)
		}
	}
	return free, allocated, nil
}

// bitmapTable tracks, per NAT-block set, which of the paired on-device
// regions ("A"/"B") is current (spec.md §3.3.6). false = A is current.
type bitmapTable struct {
	mu   sync.Mutex
	bits map[uint32]bool
}

func newBitmapTable() *bitmapTable {
	return &bitmapTable{bits: make(map[uint32]bool)}
}

func (b *bitmapTable) isB(setID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits[setID]
}

// flip records that setID's current copy is now the other one, returning
// whether the caller's write should target the B copy.
func (b *bitmapTable) flip(setID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := !b.bits[setID]
	b.bits[setID] = next
	return next
}
