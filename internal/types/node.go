// Package types holds the wire-level and in-memory value types shared by
// every other package in the node manager: NIDs, node addresses, the
// persisted NAT record, and the in-memory NodeInfo/flag set built from it.
package types

import "fmt"

// NID identifies a node (an inode, an indirect block, or a double-indirect
// block). NID 0 is reserved and never allocated.
type NID uint32

// Block address sentinels. A real block address is any value other than
// these two.
const (
	NullAddr BlockAddr = 0
	NewAddr  BlockAddr = 0xffffffff
)

// BlockAddr is a physical block number, or one of the two sentinels above.
type BlockAddr uint32

// IsNull reports whether addr means "unallocated on device".
func (a BlockAddr) IsNull() bool { return a == NullAddr }

// IsNew reports whether addr means "reserved in memory, not yet written".
func (a BlockAddr) IsNew() bool { return a == NewAddr }

// IsValid reports whether addr is a real, on-device block number.
func (a BlockAddr) IsValid() bool { return !a.IsNull() && !a.IsNew() }

func (a BlockAddr) String() string {
	switch a {
	case NullAddr:
		return "NULL_ADDR"
	case NewAddr:
		return "NEW_ADDR"
	default:
		return fmt.Sprintf("0x%x", uint32(a))
	}
}

// NodeInfo is the logical content of a NAT record: which inode a node
// belongs to, where it lives on device, and its deletion-version counter.
type NodeInfo struct {
	Nid      NID
	Ino      NID // equals Nid for inode-nodes; otherwise the owning inode
	BlockAddr BlockAddr
	Version  uint8
}

// RawNatEntry is the bit-exact on-device / in-journal record layout:
// f2fs_nat_entry { version:u8, ino:u32 LE, block_addr:u32 LE }.
type RawNatEntry struct {
	Version   uint8
	Ino       uint32
	BlockAddr uint32
}

// ToNodeInfo expands a raw on-device record for nid into a NodeInfo.
func (r RawNatEntry) ToNodeInfo(nid NID) NodeInfo {
	return NodeInfo{
		Nid:       nid,
		Ino:       NID(r.Ino),
		BlockAddr: BlockAddr(r.BlockAddr),
		Version:   r.Version,
	}
}

// FromNodeInfo packs a NodeInfo back into its on-device record form.
func FromNodeInfo(ni NodeInfo) RawNatEntry {
	return RawNatEntry{
		Version:   ni.Version,
		Ino:       uint32(ni.Ino),
		BlockAddr: uint32(ni.BlockAddr),
	}
}

// Flags mirrors the NatEntry flag bits from spec.md §3.1.
type Flags struct {
	IsCheckpointed  bool
	HasFsyncedInode bool
	HasLastFsync    bool
	IsDirty         bool
}

// FreeNidState is the lifecycle state of an entry in the free-NID pool.
type FreeNidState int

const (
	FreeNidNew FreeNidState = iota
	FreeNidAlloc
)

// FreeNid is an unallocated (or tentatively-allocated) NID tracked by the
// free-NID pool.
type FreeNid struct {
	Nid   NID
	State FreeNidState
}

// NodeFooter is the tail record of every node page on device:
// {nid, ino, flag, cp_ver, next_blkaddr}.
type NodeFooter struct {
	Nid         NID
	Ino         NID
	Offset      uint32
	Cold        bool
	CheckpointVer uint64
	NextBlkAddr BlockAddr
}
