package node

import (
	"context"
	"sync"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// fakeBlockAllocator is an in-memory BlockAllocator tracking just the
// counters node-page/truncation logic touches.
type fakeBlockAllocator struct {
	mu               sync.Mutex
	validNodeCount   int
	validInodeCount  int
	invalidated      []types.BlockAddr
	nextAddr         uint32
}

func newFakeBlockAllocator() *fakeBlockAllocator {
	return &fakeBlockAllocator{nextAddr: 1000}
}

func (a *fakeBlockAllocator) InvalidateBlocks(ctx context.Context, addr types.BlockAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, addr)
	return nil
}

func (a *fakeBlockAllocator) RefreshSitEntry(ctx context.Context, old, new types.BlockAddr) error {
	return nil
}

func (a *fakeBlockAllocator) IncValidNodeCount(ctx context.Context, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validNodeCount += n
	return nil
}

func (a *fakeBlockAllocator) DecValidNodeCount(ctx context.Context, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validNodeCount -= n
	return nil
}

func (a *fakeBlockAllocator) IncValidInodeCount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validInodeCount++
	return nil
}

func (a *fakeBlockAllocator) DecValidInodeCount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validInodeCount--
	return nil
}

func (a *fakeBlockAllocator) TotalValidNodeCount(ctx context.Context) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(a.validNodeCount), nil
}

func (a *fakeBlockAllocator) allocAddr() types.BlockAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := types.BlockAddr(a.nextAddr)
	a.nextAddr++
	return addr
}

var _ collaborators.BlockAllocator = (*fakeBlockAllocator)(nil)

// fakeNodePageStore is an in-memory NodePageStore keyed by NID.
type fakeNodePageStore struct {
	mu       sync.Mutex
	pages    map[types.NID]*collaborators.NodePage
	contents map[types.BlockAddr]types.NodeFooter
	alloc    *fakeBlockAllocator
}

func newFakeNodePageStore(alloc *fakeBlockAllocator) *fakeNodePageStore {
	return &fakeNodePageStore{
		pages:    make(map[types.NID]*collaborators.NodePage),
		contents: make(map[types.BlockAddr]types.NodeFooter),
		alloc:    alloc,
	}
}

func (s *fakeNodePageStore) GrabCachePage(ctx context.Context, nid types.NID) (*collaborators.NodePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[nid]; ok {
		return p, nil
	}
	p := &collaborators.NodePage{Nid: nid}
	s.pages[nid] = p
	return p, nil
}

func (s *fakeNodePageStore) FindGetPage(ctx context.Context, nid types.NID) (*collaborators.NodePage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[nid]
	return p, ok
}

func (s *fakeNodePageStore) ReadPage(ctx context.Context, page *collaborators.NodePage, addr types.BlockAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	footer, ok := s.contents[addr]
	if !ok {
		footer = types.NodeFooter{Nid: page.Nid}
	}
	page.Footer = footer
	page.Uptodate = true
	return nil
}

func (s *fakeNodePageStore) WritePage(ctx context.Context, page *collaborators.NodePage) (types.BlockAddr, error) {
	addr := s.alloc.allocAddr()
	s.mu.Lock()
	s.contents[addr] = page.Footer
	s.mu.Unlock()
	return addr, nil
}

func (s *fakeNodePageStore) InvalidateMappingPages(ctx context.Context, lo, hi types.NID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nid := range s.pages {
		if nid >= lo && nid <= hi {
			delete(s.pages, nid)
		}
	}
	return nil
}

var _ collaborators.NodePageStore = (*fakeNodePageStore)(nil)

// fakeNatBlockStore backs the natcache.Cache the node Manager sits on
// top of in these tests.
type fakeNatBlockStore struct {
	mu            sync.Mutex
	blocks        map[uint64][]types.RawNatEntry
	entriesPerBlk uint32
}

func newFakeNatBlockStore(entriesPerBlk uint32) *fakeNatBlockStore {
	return &fakeNatBlockStore{blocks: make(map[uint64][]types.RawNatEntry), entriesPerBlk: entriesPerBlk}
}

func (s *fakeNatBlockStore) key(setID uint32, isB bool) uint64 {
	k := uint64(setID) << 1
	if isB {
		k |= 1
	}
	return k
}

func (s *fakeNatBlockStore) ReadNatBlock(ctx context.Context, setID uint32, isB bool) ([]types.RawNatEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.blocks[s.key(setID, isB)]
	if !ok {
		entries = make([]types.RawNatEntry, s.entriesPerBlk)
	}
	out := make([]types.RawNatEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *fakeNatBlockStore) WriteNatBlock(ctx context.Context, setID uint32, isB bool, entries []types.RawNatEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.RawNatEntry, len(entries))
	copy(cp, entries)
	s.blocks[s.key(setID, isB)] = cp
	return nil
}

var _ collaborators.NatBlockStore = (*fakeNatBlockStore)(nil)

// fakeJournal is a minimal empty-always Journal stand-in; node-package
// tests don't exercise journal merge behavior directly.
type fakeJournal struct{}

func (fakeJournal) Lookup(types.NID) (types.RawNatEntry, bool)    { return types.RawNatEntry{}, false }
func (fakeJournal) Upsert(types.NID, types.RawNatEntry) bool      { return true }
func (fakeJournal) Remove(types.NID)                              {}
func (fakeJournal) Len() int                                      { return 0 }
func (fakeJournal) Capacity() int                                 { return 0 }
func (fakeJournal) All() []collaborators.JournalEntry             { return nil }

var _ collaborators.Journal = fakeJournal{}
