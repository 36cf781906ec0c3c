package natcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// fakeNatBlockStore is an in-memory NatBlockStore backed by a map keyed
// by (setID, isB), good enough to exercise Cache/FreeNidPool without a
// real meta page store.
type fakeNatBlockStore struct {
	mu             sync.Mutex
	blocks         map[uint64][]types.RawNatEntry
	entriesPerBlk  uint32
	writeNatBlockN int
	failWrite      bool
}

func newFakeNatBlockStore(entriesPerBlk uint32) *fakeNatBlockStore {
	return &fakeNatBlockStore{blocks: make(map[uint64][]types.RawNatEntry), entriesPerBlk: entriesPerBlk}
}

func blockKey(setID uint32, isB bool) uint64 {
	k := uint64(setID) << 1
	if isB {
		k |= 1
	}
	return k
}

func (s *fakeNatBlockStore) ReadNatBlock(ctx context.Context, setID uint32, isB bool) ([]types.RawNatEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.blocks[blockKey(setID, isB)]
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
	if s.failWrite {
		return fmt.Errorf("fakeNatBlockStore: forced write failure")
	}
	s.writeNatBlockN++
	cp := make([]types.RawNatEntry, len(entries))
	copy(cp, entries)
	s.blocks[blockKey(setID, isB)] = cp
	return nil
}

var _ collaborators.NatBlockStore = (*fakeNatBlockStore)(nil)

// fakeJournal is a slot-bounded in-memory Journal.
type fakeJournal struct {
	mu       sync.Mutex
	capacity int
	slots    map[types.NID]types.RawNatEntry
	order    []types.NID
}

func newFakeJournal(capacity int) *fakeJournal {
	return &fakeJournal{capacity: capacity, slots: make(map[types.NID]types.RawNatEntry)}
}

func (j *fakeJournal) Lookup(nid types.NID) (types.RawNatEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	raw, ok := j.slots[nid]
	return raw, ok
}

func (j *fakeJournal) Upsert(nid types.NID, raw types.RawNatEntry) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.slots[nid]; !exists {
		if len(j.slots) >= j.capacity {
			return false
		}
		j.order = append(j.order, nid)
	}
	j.slots[nid] = raw
	return true
}

func (j *fakeJournal) Remove(nid types.NID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.slots, nid)
	for i, n := range j.order {
		if n == nid {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

func (j *fakeJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.slots)
}

func (j *fakeJournal) Capacity() int { return j.capacity }

func (j *fakeJournal) All() []collaborators.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]collaborators.JournalEntry, 0, len(j.order))
	for _, nid := range j.order {
		out = append(out, collaborators.JournalEntry{Nid: nid, Raw: j.slots[nid]})
	}
	return out
}

var _ collaborators.Journal = (*fakeJournal)(nil)

// fixedBudget is a MemoryBudget that always reports the given verdict.
type fixedBudget struct{ exceed bool }

func (b fixedBudget) WouldExceed(collaborators.BudgetKind, int64) bool { return b.exceed }

var _ collaborators.MemoryBudget = fixedBudget{}

// toggleBudget is a MemoryBudget whose verdict can change mid-test,
// for exercising a budget that only starts rejecting growth later.
type toggleBudget struct {
	mu     sync.Mutex
	exceed bool
}

func (b *toggleBudget) WouldExceed(collaborators.BudgetKind, int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceed
}

func (b *toggleBudget) set(exceed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exceed = exceed
}

var _ collaborators.MemoryBudget = (*toggleBudget)(nil)
