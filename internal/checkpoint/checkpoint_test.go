package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/natcache"
	"github.com/go-f2fs/nodemgr/internal/rps"
	"github.com/go-f2fs/nodemgr/internal/types"
)

type fakeNatBlockStore struct {
	mu        sync.Mutex
	blocks    map[uint64][]types.RawNatEntry
	perBlk    uint32
	failWrite bool
	writes    int
}

func newFakeNatBlockStore(perBlk uint32) *fakeNatBlockStore {
	return &fakeNatBlockStore{blocks: make(map[uint64][]types.RawNatEntry), perBlk: perBlk}
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
		entries = make([]types.RawNatEntry, s.perBlk)
	}
	out := make([]types.RawNatEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *fakeNatBlockStore) WriteNatBlock(ctx context.Context, setID uint32, isB bool, entries []types.RawNatEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("fakeNatBlockStore: forced write failure")
	}
	s.writes++
	cp := make([]types.RawNatEntry, len(entries))
	copy(cp, entries)
	s.blocks[s.key(setID, isB)] = cp
	return nil
}

var _ collaborators.NatBlockStore = (*fakeNatBlockStore)(nil)

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

type ManagerSuite struct {
	suite.Suite
	store   *fakeNatBlockStore
	journal *fakeJournal
	cache   *natcache.Cache
	pool    *natcache.FreeNidPool
	mgr     *Manager
	ctx     context.Context
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.store = newFakeNatBlockStore(8)
	s.journal = newFakeJournal(8)
	s.cache = natcache.NewCache(2, 8, s.journal, s.store)
	s.pool = natcache.NewFreeNidPool(2, 64, 8, false, s.cache, nil, nil)
	s.mgr = New(s.cache, s.pool, rps.New(), rps.New(), false)
	s.ctx = context.Background()
}

func (s *ManagerSuite) TestRunOnCleanCacheSucceedsWithNoWork() {
	res, err := s.mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, res.SetsFlushed)
	s.False(s.mgr.Errored())
}

func (s *ManagerSuite) TestRunFlushesDirtyEntries() {
	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, 3, 3, types.BlockAddr(100), false))

	res, err := s.mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.SetsFlushed)
	s.True(s.cache.IsCheckpointedNode(3))
}

func (s *ManagerSuite) TestRunMarksFilesystemErroredOnFlushFailure() {
	s.store.failWrite = true
	for i := types.NID(0); i < 9; i++ {
		nid := types.NID(16) + i
		s.Require().NoError(s.cache.SetNodeAddr(s.ctx, nid, nid, types.BlockAddr(uint32(nid)+1000), false))
	}

	_, err := s.mgr.Run(s.ctx)
	s.Require().Error(err)
	s.True(s.mgr.Errored())

	_, err = s.mgr.Run(s.ctx)
	s.Require().ErrorIs(err, ErrFilesystemErrored)

	_, err = s.mgr.AcquireNodeWrite()
	s.Require().ErrorIs(err, ErrFilesystemErrored)
}

func (s *ManagerSuite) TestAcquireNodeWriteReleaseThenRunSucceeds() {
	release, err := s.mgr.AcquireNodeWrite()
	s.Require().NoError(err)
	release()

	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, 9, 9, types.BlockAddr(500), false))
	res, err := s.mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.SetsFlushed)
}

func (s *ManagerSuite) TestAcquireMutatorReleaseThenRunSucceeds() {
	release, err := s.mgr.AcquireMutator()
	s.Require().NoError(err)
	release()

	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, 10, 10, types.BlockAddr(600), false))
	res, err := s.mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.SetsFlushed)
}

func (s *ManagerSuite) TestAcquireMutatorFailsFastOnceErrored() {
	s.store.failWrite = true
	for i := types.NID(0); i < 9; i++ {
		nid := types.NID(32) + i
		s.Require().NoError(s.cache.SetNodeAddr(s.ctx, nid, nid, types.BlockAddr(uint32(nid)+2000), false))
	}

	_, err := s.mgr.Run(s.ctx)
	s.Require().Error(err)

	_, err = s.mgr.AcquireMutator()
	s.Require().ErrorIs(err, ErrFilesystemErrored)
}

func (s *ManagerSuite) TestMutexFenceBehavesLikeRPS() {
	mgr := New(s.cache, s.pool, rps.NewMutex(), rps.NewMutex(), false)

	release, err := mgr.AcquireNodeWrite()
	s.Require().NoError(err)
	release()

	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, 12, 12, types.BlockAddr(800), false))
	res, err := mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.SetsFlushed)
}

func (s *ManagerSuite) TestPerCoreRunFlushesAndDeletesSetOnce() {
	mgr := New(s.cache, s.pool, rps.New(), rps.New(), true)
	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, 11, 11, types.BlockAddr(700), false))

	res, err := mgr.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.SetsFlushed)
	s.Equal(0, s.cache.Snapshot().TotalDirtyCnt)
}

func (s *ManagerSuite) TestRestoreNodeSummaryInstallsJournalEntriesAsCheckpointed() {
	entries := []collaborators.JournalEntry{
		{Nid: 20, Raw: types.RawNatEntry{Ino: 20, BlockAddr: 4000, Version: 1}},
		{Nid: 21, Raw: types.RawNatEntry{Ino: 20, BlockAddr: 4001, Version: 0}},
	}

	s.mgr.RestoreNodeSummary(entries)

	ni, err := s.cache.Get(s.ctx, 20)
	s.Require().NoError(err)
	s.Equal(types.NID(20), ni.Ino)
	s.Equal(types.BlockAddr(4000), ni.BlockAddr)
	s.True(s.cache.IsCheckpointedNode(20))
	s.Equal(0, s.cache.Snapshot().TotalDirtyCnt)
}
