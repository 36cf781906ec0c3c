package natcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/logger"
	"github.com/go-f2fs/nodemgr/internal/metrics"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// ErrNoFreeNid is returned by AllocNid when the in-memory pool is empty
// and a rescan still finds nothing, or when the node budget is exhausted.
var ErrNoFreeNid = fmt.Errorf("natcache: no free nid available")

type freeNidShard struct {
	mu    sync.Mutex
	byNid map[types.NID]*list.Element
	l     *list.List // of *types.FreeNid
	fcnt  int
}

// FreeNidPool is the sharded free-NID pool of spec.md §4.2. Each NID's
// shard is nid mod len(shards), independent of the NAT cache's own
// shard count.
type FreeNidPool struct {
	shards []*freeNidShard

	nextAllocator int32 // atomic round-robin counter across shards

	buildMu sync.Mutex // build_lock: serializes incremental/full builds

	maxNid        types.NID
	nextScanNid   atomic.Uint32
	fileCell      bool // preserves the "wrap to NAT_ENTRY_PER_BLOCK" policy
	entriesPerBlk uint32

	scanner NatPageScanner
	budget  collaborators.MemoryBudget
	metrics metrics.NodeManagerMetricHandle
}

// NatPageScanner reads a NAT block (or the journal) to discover NULL_ADDR
// entries, the way scan_nat_page walks a decoded NAT page. It is
// implemented by Cache so the free-NID pool can trigger a rescan without
// depending on the whole node manager.
type NatPageScanner interface {
	ScanNatBlockForFreeNids(ctx context.Context, startNid types.NID, add func(types.NID) bool) error
	JournalNullEntries(ctx context.Context) (free []types.NID, allocated []types.NID, err error)
}

// NewFreeNidPool builds an empty pool with the given shard count.
func NewFreeNidPool(shardCount int, maxNid types.NID, entriesPerBlk uint32, fileCell bool, scanner NatPageScanner, budget collaborators.MemoryBudget, mh metrics.NodeManagerMetricHandle) *FreeNidPool {
	if shardCount <= 0 {
		shardCount = 1
	}
	p := &FreeNidPool{
		shards:        make([]*freeNidShard, shardCount),
		maxNid:        maxNid,
		fileCell:      fileCell,
		entriesPerBlk: entriesPerBlk,
		scanner:       scanner,
		budget:        budget,
		metrics:       mh,
	}
	for i := range p.shards {
		p.shards[i] = &freeNidShard{byNid: make(map[types.NID]*list.Element), l: list.New()}
	}
	// NID 0 (and, under file-cell sharding, the reserved prefix) is
	// never handed out; scans start past it.
	if fileCell {
		p.nextScanNid.Store(uint32(entriesPerBlk))
	} else {
		p.nextScanNid.Store(1)
	}
	return p
}

func (p *FreeNidPool) shardOf(nid types.NID) *freeNidShard {
	return p.shards[int(nid)%len(p.shards)]
}

// addFreeNid inserts nid as a NEW free candidate unless the memory budget
// would be exceeded, matching add_free_nid's budget check.
func (p *FreeNidPool) addFreeNid(nid types.NID) bool {
	if nid == 0 {
		return true
	}
	sh := p.shardOf(nid)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.byNid[nid]; exists {
		return true
	}
	if p.budget != nil && p.budget.WouldExceed(collaborators.BudgetFreeNids, int64(sh.fcnt+1)) {
		return false
	}
	fn := &types.FreeNid{Nid: nid, State: types.FreeNidNew}
	sh.byNid[nid] = sh.l.PushBack(fn)
	sh.fcnt++
	if p.metrics != nil {
		p.metrics.FreeNidPoolSize(context.Background(), int(nid)%len(p.shards), 1)
	}
	return true
}

// RemoveFreeNid deletes nid from the pool outright, used when the NID is
// learned to already be allocated (e.g. a journal entry with a non-null
// address).
func (p *FreeNidPool) RemoveFreeNid(nid types.NID) {
	sh := p.shardOf(nid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if el, ok := sh.byNid[nid]; ok {
		sh.l.Remove(el)
		delete(sh.byNid, nid)
		if el.Value.(*types.FreeNid).State == types.FreeNidNew {
			sh.fcnt--
			if p.metrics != nil {
				p.metrics.FreeNidPoolSize(context.Background(), int(nid)%len(p.shards), -1)
			}
		}
	}
}

// AllocNid picks a shard round-robin, takes the oldest NEW entry in it,
// flips it to ALLOC, and returns its NID. If the shard is empty it
// serializes on buildMu and rescans NAT to refill before retrying.
func (p *FreeNidPool) AllocNid(ctx context.Context, validNodeCount uint32, availableNids uint32) (types.NID, error) {
	if validNodeCount+1 > availableNids {
		return 0, ErrNoFreeNid
	}

	for {
		idx := int(atomic.AddInt32(&p.nextAllocator, 1)-1) % len(p.shards)
		sh := p.shards[idx]

		sh.mu.Lock()
		for el := sh.l.Front(); el != nil; el = el.Next() {
			fn := el.Value.(*types.FreeNid)
			if fn.State == types.FreeNidNew {
				fn.State = types.FreeNidAlloc
				sh.fcnt--
				sh.mu.Unlock()
				if p.metrics != nil {
					p.metrics.FreeNidPoolSize(context.Background(), idx, -1)
				}
				return fn.Nid, nil
			}
		}
		sh.mu.Unlock()

		if err := p.rebuild(ctx); err != nil {
			return 0, err
		}
		if !p.anyNew() {
			return 0, ErrNoFreeNid
		}
	}
}

func (p *FreeNidPool) anyNew() bool {
	for _, sh := range p.shards {
		sh.mu.Lock()
		n := sh.fcnt
		sh.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	return false
}

// AllocNidDone removes the NID entirely: it is now installed in NAT.
func (p *FreeNidPool) AllocNidDone(nid types.NID) {
	p.RemoveFreeNid(nid)
}

// AllocNidFailed returns the NID to NEW if budget allows, otherwise drops
// it, matching alloc_nid_failed.
func (p *FreeNidPool) AllocNidFailed(nid types.NID) {
	sh := p.shardOf(nid)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	el, ok := sh.byNid[nid]
	if !ok {
		return
	}
	fn := el.Value.(*types.FreeNid)
	if p.budget != nil && p.budget.WouldExceed(collaborators.BudgetFreeNids, 0) {
		sh.l.Remove(el)
		delete(sh.byNid, nid)
		if fn.State == types.FreeNidNew {
			sh.fcnt--
		}
		return
	}
	if fn.State != types.FreeNidNew {
		fn.State = types.FreeNidNew
		sh.fcnt++
		if p.metrics != nil {
			p.metrics.FreeNidPoolSize(context.Background(), int(nid)%len(p.shards), 1)
		}
	}
}

// rebuild serializes on buildMu and runs the incremental build strategy:
// scan the next NAT block, then fold in the current journal.
func (p *FreeNidPool) rebuild(ctx context.Context) error {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	start := types.NID(p.nextScanNid.Load())
	added := 0
	err := p.scanner.ScanNatBlockForFreeNids(ctx, start, func(nid types.NID) bool {
		if p.addFreeNid(nid) {
			added++
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	next := uint32(start) + (p.entriesPerBlk - uint32(start)%p.entriesPerBlk)
	if types.NID(next) >= p.maxNid {
		if p.fileCell {
			next = p.entriesPerBlk
		} else {
			next = 0
		}
	}
	p.nextScanNid.Store(next)

	free, allocated, err := p.scanner.JournalNullEntries(ctx)
	if err != nil {
		return err
	}
	for _, nid := range free {
		p.addFreeNid(nid)
	}
	for _, nid := range allocated {
		p.RemoveFreeNid(nid)
	}

	logger.Debugf("natcache: free-nid rebuild scanned from %d, added %d, next_scan_nid=%d", start, added, next)
	return nil
}

// BuildAll performs the mount-time full build strategy: concurrently
// read-ahead every NAT block, then scan each and the journal, matching
// build_all_free_nids under PER_CORE_NID_LIST.
func (p *FreeNidPool) BuildAll(ctx context.Context, prefetch func(ctx context.Context, blockIdx uint32) error, blockCount uint32) error {
	p.buildMu.Lock()
	defer p.buildMu.Unlock()

	if prefetch != nil {
		g, gctx := errgroup.WithContext(ctx)
		for b := uint32(0); b < blockCount; b++ {
			b := b
			g.Go(func() error { return prefetch(gctx, b) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	start := p.nextScanNid.Load()
	for blk := start / p.entriesPerBlk; blk < blockCount; blk++ {
		nid := types.NID(blk * p.entriesPerBlk)
		if err := p.scanner.ScanNatBlockForFreeNids(ctx, nid, func(n types.NID) bool {
			return p.addFreeNid(n)
		}); err != nil {
			return err
		}
	}

	free, allocated, err := p.scanner.JournalNullEntries(ctx)
	if err != nil {
		return err
	}
	for _, nid := range free {
		p.addFreeNid(nid)
	}
	for _, nid := range allocated {
		p.RemoveFreeNid(nid)
	}
	return nil
}

// ReturnNid reinserts nid as a NEW free candidate, subject to the same
// memory-budget check as a fresh scan discovery. Checkpoint flush and
// node truncation both call this when a NID's address resolves back to
// NULL_ADDR, per spec.md §4.5/§4.6.
func (p *FreeNidPool) ReturnNid(nid types.NID) bool {
	return p.addFreeNid(nid)
}

// Size returns the total number of NEW (available) entries across all
// shards.
func (p *FreeNidPool) Size() int {
	total := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		total += sh.fcnt
		sh.mu.Unlock()
	}
	return total
}

// HasAllocatedEntries reports whether any shard still holds a FreeNid in
// the ALLOC state, matching destroy_node_manager's
// f2fs_bug_on(sbi, i->state == NID_ALLOC): a NID should only ever sit in
// this pool as NEW or be removed entirely via AllocNidDone by the time
// the pool is torn down.
func (p *FreeNidPool) HasAllocatedEntries() bool {
	for _, sh := range p.shards {
		sh.mu.Lock()
		for el := sh.l.Front(); el != nil; el = el.Next() {
			if el.Value.(*types.FreeNid).State == types.FreeNidAlloc {
				sh.mu.Unlock()
				return true
			}
		}
		sh.mu.Unlock()
	}
	return false
}
