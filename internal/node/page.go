// Package node implements node-page allocation, lookup, three-pass
// writeback, and inode-tree truncation (spec.md §4.6): the layer that
// sits above the NAT cache and turns a NID into a readable/writable
// page, and that walks the direct/indirect/double-indirect node tree.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/natcache"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// ErrFooterMismatch is returned by GetNodePage when a page read back
// from device carries a different NID in its footer than requested —
// f2fs_is_valid_node_blk's f2fs_bug_on case in the original.
var ErrFooterMismatch = errors.New("node: page footer nid mismatch")

// ErrStaleAddr is returned when a node's NAT entry has no on-device
// address to read from.
var ErrStaleAddr = errors.New("node: nid has no readable block address")

// Manager is the node-page layer: it owns no locks of its own beyond
// what the NAT cache and page store already provide, composing them the
// way new_node_page/get_node_page do in the original.
type Manager struct {
	store    collaborators.NodePageStore
	alloc    collaborators.BlockAllocator
	cache    *natcache.Cache
	freeNids *natcache.FreeNidPool
}

// NewManager builds a node-page Manager over the given collaborators.
// freeNids may be nil for callers (tests, read-only tools) that never
// truncate.
func NewManager(store collaborators.NodePageStore, alloc collaborators.BlockAllocator, cache *natcache.Cache, freeNids *natcache.FreeNidPool) *Manager {
	return &Manager{store: store, alloc: alloc, cache: cache, freeNids: freeNids}
}

// NewNodePage implements new_node_page: grab-or-create a page for nid,
// reserve its capacity against the cluster's valid-node count, fetch its
// prior NAT state, mark it NEW_ADDR, and fill in its footer.
func (m *Manager) NewNodePage(ctx context.Context, nid, ino types.NID, ofs uint32, kind collaborators.NodeKind) (*collaborators.NodePage, error) {
	page, err := m.store.GrabCachePage(ctx, nid)
	if err != nil {
		return nil, fmt.Errorf("node: grab page for nid %d: %w", nid, err)
	}

	if err := m.alloc.IncValidNodeCount(ctx, 1); err != nil {
		return nil, fmt.Errorf("node: inc valid node count: %w", err)
	}

	if _, err := m.cache.Get(ctx, nid); err != nil {
		return nil, fmt.Errorf("node: prior node info for nid %d: %w", nid, err)
	}
	if err := m.cache.SetNodeAddr(ctx, nid, ino, types.NewAddr, false); err != nil {
		return nil, fmt.Errorf("node: set new addr for nid %d: %w", nid, err)
	}

	page.Footer = types.NodeFooter{Nid: nid, Ino: ino, Offset: ofs, NextBlkAddr: types.NullAddr}
	page.Kind = kind
	page.Uptodate = true
	page.Dirty = true

	if ofs == 0 {
		if err := m.alloc.IncValidInodeCount(ctx); err != nil {
			return nil, fmt.Errorf("node: inc valid inode count: %w", err)
		}
	}
	return page, nil
}

// GetNodePage implements get_node_page: return nid's page, reading it
// from device if not already resident, and validating its footer.
func (m *Manager) GetNodePage(ctx context.Context, nid types.NID) (*collaborators.NodePage, error) {
	page, err := m.store.GrabCachePage(ctx, nid)
	if err != nil {
		return nil, fmt.Errorf("node: grab page for nid %d: %w", nid, err)
	}
	if page.Uptodate {
		return page, nil
	}

	ni, err := m.cache.Get(ctx, nid)
	if err != nil {
		return nil, fmt.Errorf("node: node info for nid %d: %w", nid, err)
	}
	if !ni.BlockAddr.IsValid() {
		return nil, fmt.Errorf("%w: nid %d addr %s", ErrStaleAddr, nid, ni.BlockAddr)
	}

	if err := m.store.ReadPage(ctx, page, ni.BlockAddr); err != nil {
		return nil, fmt.Errorf("node: read page for nid %d: %w", nid, err)
	}
	if page.Footer.Nid != nid {
		return nil, fmt.Errorf("%w: wanted %d got %d", ErrFooterMismatch, nid, page.Footer.Nid)
	}
	return page, nil
}
