package node

import (
	"context"
	"fmt"

	"github.com/go-f2fs/nodemgr/internal/types"
)

// Node-path offset slots, matching the inode's fixed top-level array:
// two direct node pointers, two indirect node pointers, one
// double-indirect node pointer.
const (
	NodeDir1Block = 1
	NodeDir2Block = 2
	NodeInd1Block = 3
	NodeInd2Block = 4
	NodeDindBlock = 5
)

// Block-count constants controlling the node-path math. AddrsPerInode is
// configurable per inode (extra-attribute space shrinks it); the other
// three are fixed block-layout constants.
type PathConstants struct {
	AddrsPerInode int64
	AddrsPerBlock int64
	NidsPerBlock  int64
}

// DefaultPathConstants mirrors the original's ADDRS_PER_BLOCK/
// NIDS_PER_BLOCK for a 4KiB node page with 32-bit addresses/NIDs: 1018
// slots per full block once the footer is carved out.
var DefaultPathConstants = PathConstants{
	AddrsPerInode: 923,
	AddrsPerBlock: 1018,
	NidsPerBlock:  1018,
}

// GetNodePath computes, for a logical block index, the sequence of
// node-tree offsets and "node offset" identifiers leading to it, and the
// tree depth (0-3), matching get_node_path's four-level layout: direct
// addresses in the inode itself, two direct node pages, two
// singly-indirect node pages, and one doubly-indirect node page.
func GetNodePath(pc PathConstants, block int64, offset, noffset *[4]int64) int {
	directIndex := pc.AddrsPerInode
	directBlks := pc.AddrsPerBlock
	dptrsPerBlk := pc.NidsPerBlock
	indirectBlks := pc.AddrsPerBlock * pc.NidsPerBlock
	dindirectBlks := indirectBlks * pc.NidsPerBlock

	n := 0
	level := 0
	noffset[0] = 0

	switch {
	case block < directIndex:
		offset[n] = block
		return level

	case block-directIndex < directBlks:
		block -= directIndex
		offset[n] = NodeDir1Block
		n++
		noffset[n] = 1
		offset[n] = block
		return 1

	case block-directIndex-directBlks < directBlks:
		block -= directIndex + directBlks
		offset[n] = NodeDir2Block
		n++
		noffset[n] = 2
		offset[n] = block
		return 1

	case block-directIndex-2*directBlks < indirectBlks:
		block -= directIndex + 2*directBlks
		offset[n] = NodeInd1Block
		n++
		noffset[n] = 3
		offset[n] = block / directBlks
		n++
		noffset[n] = 4 + offset[n-1]
		offset[n] = block % directBlks
		return 2

	case block-directIndex-2*directBlks-indirectBlks < indirectBlks:
		block -= directIndex + 2*directBlks + indirectBlks
		offset[n] = NodeInd2Block
		n++
		noffset[n] = 4 + dptrsPerBlk
		offset[n] = block / directBlks
		n++
		noffset[n] = 5 + dptrsPerBlk + offset[n-1]
		offset[n] = block % directBlks
		return 2

	case block-directIndex-2*directBlks-2*indirectBlks < dindirectBlks:
		block -= directIndex + 2*directBlks + 2*indirectBlks
		offset[n] = NodeDindBlock
		n++
		noffset[n] = 5 + 2*dptrsPerBlk
		offset[n] = block / indirectBlks
		n++
		noffset[n] = 6 + 2*dptrsPerBlk + offset[n-1]*(dptrsPerBlk+1)
		offset[n] = (block / directBlks) % dptrsPerBlk
		n++
		noffset[n] = 7 + 2*dptrsPerBlk + offset[n-2]*(dptrsPerBlk+1) + offset[n-1]
		offset[n] = block % directBlks
		return 3

	default:
		panic("node: block index exceeds the four-level node path")
	}
}

// freeNode invalidates a node page's on-device block, nulls its NAT
// entry, decrements the cluster's valid-node count, and returns its NID
// to the free pool — the common tail of every node removed by
// truncation.
func (m *Manager) freeNode(ctx context.Context, nid, ino types.NID) error {
	ni, err := m.cache.Get(ctx, nid)
	if err != nil {
		return fmt.Errorf("node: node info for nid %d: %w", nid, err)
	}
	if ni.BlockAddr.IsValid() {
		if err := m.alloc.InvalidateBlocks(ctx, ni.BlockAddr); err != nil {
			return fmt.Errorf("node: invalidate block for nid %d: %w", nid, err)
		}
	}
	if err := m.cache.SetNodeAddr(ctx, nid, ino, types.NullAddr, false); err != nil {
		return fmt.Errorf("node: null addr for nid %d: %w", nid, err)
	}
	if err := m.alloc.DecValidNodeCount(ctx, 1); err != nil {
		return fmt.Errorf("node: dec valid node count for nid %d: %w", nid, err)
	}
	if m.freeNids != nil {
		m.freeNids.ReturnNid(nid)
	}
	return nil
}

// TruncateInodeBlocks implements truncate_inode_blocks(inode, from) for
// the top-level slot that holds logical block `from`: within that slot's
// subtree it removes every node page (direct, indirect, or
// double-indirect) whose node-path falls at or beyond `from`, bottom-up,
// nulling each one's NAT entry as it goes, and frees the slot's own node
// once nothing below it survives. Later top-level slots are not visited,
// and when `from` falls within the inode's own address array nothing is
// freed. rootChildren is the inode's fixed
// top-level slot array (NodeDir1Block..NodeDindBlock keys) — the
// on-device content the inode page itself holds, read by the caller via
// GetNodePage before calling this.
func (m *Manager) TruncateInodeBlocks(ctx context.Context, ino types.NID, from int64, pc PathConstants, rootChildren map[int]types.NID, fetch func(types.NID) (*indirectContent, error)) (int, error) {
	var offset, noffset [4]int64
	level := GetNodePath(pc, from, &offset, &noffset)

	if level == 0 {
		return 0, nil // from lies within the inode's own address array; no node page is visited
	}

	rootSlot := int(offset[0])
	childNid := rootChildren[rootSlot]
	if childNid == 0 {
		return 0, nil
	}

	freed := 0
	remainingOffsets := offset[1:level]
	n, err := m.truncateSubtree(ctx, childNid, ino, remainingOffsets, fetch, &freed)
	if err != nil {
		return freed, err
	}
	if n == 0 {
		// The whole subtree below this root slot is gone; free the root
		// node itself too (it was a direct node with nothing left, or an
		// indirect node whose every child was truncated).
		if err := m.freeNode(ctx, childNid, ino); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// indirectContent is the child-NID array an indirect or double-indirect
// node page holds on device.
type indirectContent struct {
	Children []types.NID
}

// truncateSubtree recursively frees every child at or beyond the first
// offset in path, returning the number of children surviving below
// childNid (0 means childNid's whole subtree is now empty and the
// caller should free childNid itself).
func (m *Manager) truncateSubtree(ctx context.Context, nid, ino types.NID, path []int64, fetch func(types.NID) (*indirectContent, error), freed *int) (int, error) {
	if len(path) == 0 {
		// nid is a direct node; its data blocks are out of scope, but the
		// node page itself is being truncated in full.
		return 0, nil
	}

	content, err := fetch(nid)
	if err != nil {
		return 0, fmt.Errorf("node: fetch indirect content for nid %d: %w", nid, err)
	}

	boundary := int(path[0])
	surviving := 0
	for i := len(content.Children) - 1; i >= boundary; i-- {
		child := content.Children[i]
		if child == 0 {
			continue
		}
		sub := path[1:]
		if i > boundary {
			sub = make([]int64, len(sub)) // wholly beyond the boundary: truncate in full
		}
		n, err := m.truncateSubtree(ctx, child, ino, sub, fetch, freed)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			if err := m.freeNode(ctx, child, ino); err != nil {
				return 0, err
			}
			*freed = *freed + 1
			content.Children[i] = 0
		}
	}
	for i := 0; i < boundary; i++ {
		if content.Children[i] != 0 {
			surviving++
		}
	}
	return surviving, nil
}
