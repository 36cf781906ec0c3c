package node

import (
	"context"
	"fmt"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/types"
)

// syncPasses is the fixed ordering sync_node_pages walks: indirect
// nodes first, then dentry dnodes (warm), then file dnodes (cold).
var syncPasses = [3]collaborators.NodeKind{
	collaborators.KindIndirect,
	collaborators.KindDentryDnode,
	collaborators.KindFileDnode,
}

// SyncNodePages implements sync_node_pages(ino, wbc): a three-pass flush
// of the dirty pages handed in. When ino != 0 (an fsync, not a full
// checkpoint writeback), only dnodes owned by ino are written, and the
// inode's own page (if present among dirty) has its fsync/dentry marks
// set afterward.
func (m *Manager) SyncNodePages(ctx context.Context, ino types.NID, dirty []*collaborators.NodePage) (int, error) {
	flushed := 0
	var inodePage *collaborators.NodePage

	for _, page := range dirty {
		if page.Kind == collaborators.KindInode && page.Footer.Nid == ino {
			inodePage = page
		}
	}

	for _, kind := range syncPasses {
		for _, page := range dirty {
			if page.Kind != kind || !page.Dirty {
				continue
			}
			if ino != 0 && page.Footer.Ino != ino {
				continue
			}
			addr, err := m.store.WritePage(ctx, page)
			if err != nil {
				return flushed, fmt.Errorf("node: write page for nid %d: %w", page.Footer.Nid, err)
			}
			if err := m.cache.SetNodeAddr(ctx, page.Footer.Nid, page.Footer.Ino, addr, true); err != nil {
				return flushed, fmt.Errorf("node: set addr after writeback for nid %d: %w", page.Footer.Nid, err)
			}
			page.Dirty = false
			flushed++
		}
	}

	if ino != 0 && inodePage != nil {
		inodePage.FsyncMark = true
		inodePage.DentryMark = m.cache.NeedDentryMark(ino)
	}

	return flushed, nil
}
