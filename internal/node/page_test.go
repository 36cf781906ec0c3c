package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/natcache"
	"github.com/go-f2fs/nodemgr/internal/types"
)

type PageSuite struct {
	suite.Suite
	alloc *fakeBlockAllocator
	store *fakeNodePageStore
	cache *natcache.Cache
	mgr   *Manager
	ctx   context.Context
}

func TestPageSuite(t *testing.T) {
	suite.Run(t, new(PageSuite))
}

func (s *PageSuite) SetupTest() {
	s.alloc = newFakeBlockAllocator()
	s.store = newFakeNodePageStore(s.alloc)
	s.cache = natcache.NewCache(2, 16, fakeJournal{}, newFakeNatBlockStore(16))
	freeNids := natcache.NewFreeNidPool(2, 1<<16, 16, false, s.cache, nil, nil)
	s.mgr = NewManager(s.store, s.alloc, s.cache, freeNids)
	s.ctx = context.Background()
}

func (s *PageSuite) TestNewNodePageInstallsNewAddrAndFooter() {
	page, err := s.mgr.NewNodePage(s.ctx, types.NID(5), types.NID(5), 0, collaborators.KindInode)
	s.Require().NoError(err)
	s.True(page.Uptodate)
	s.True(page.Dirty)
	s.Equal(types.NID(5), page.Footer.Nid)
	s.Equal(types.NID(5), page.Footer.Ino)
	s.Equal(1, s.alloc.validNodeCount)
	s.Equal(1, s.alloc.validInodeCount) // ofs == 0

	ni, err := s.cache.Get(s.ctx, types.NID(5))
	s.Require().NoError(err)
	s.Equal(types.NewAddr, ni.BlockAddr)
}

func (s *PageSuite) TestNewNodePageNonZeroOffsetSkipsInodeCount() {
	_, err := s.mgr.NewNodePage(s.ctx, types.NID(6), types.NID(5), 1, collaborators.KindFileDnode)
	s.Require().NoError(err)
	s.Equal(0, s.alloc.validInodeCount)
}

func (s *PageSuite) TestGetNodePageReadsThroughOnMiss() {
	nid := types.NID(9)
	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, nid, nid, types.BlockAddr(2000), false))
	s.store.mu.Lock()
	s.store.contents[types.BlockAddr(2000)] = types.NodeFooter{Nid: nid, Ino: nid}
	s.store.mu.Unlock()

	page, err := s.mgr.GetNodePage(s.ctx, nid)
	s.Require().NoError(err)
	s.True(page.Uptodate)
	s.Equal(nid, page.Footer.Nid)
}

func (s *PageSuite) TestGetNodePageRejectsFooterMismatch() {
	nid := types.NID(9)
	s.Require().NoError(s.cache.SetNodeAddr(s.ctx, nid, nid, types.BlockAddr(2001), false))
	s.store.mu.Lock()
	s.store.contents[types.BlockAddr(2001)] = types.NodeFooter{Nid: types.NID(999)}
	s.store.mu.Unlock()

	_, err := s.mgr.GetNodePage(s.ctx, nid)
	s.Require().Error(err)
	s.ErrorIs(err, ErrFooterMismatch)
}

func (s *PageSuite) TestGetNodePageFailsWithoutValidAddr() {
	_, err := s.mgr.GetNodePage(s.ctx, types.NID(42))
	s.Require().Error(err)
	s.ErrorIs(err, ErrStaleAddr)
}
