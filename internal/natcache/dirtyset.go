package natcache

import "container/list"

// NatEntrySet groups every dirty NatEntry whose NID falls in the same
// NAT block (spec.md §3.1). It exists only while it holds at least one
// dirty entry; a flush that empties it removes it from the shard's
// nat_set_root.
type NatEntrySet struct {
	SetID    uint32
	Entries  *list.List // of *NatEntry, insertion order
	EntryCnt int
}

func newNatEntrySet(setID uint32) *NatEntrySet {
	return &NatEntrySet{SetID: setID, Entries: list.New()}
}
