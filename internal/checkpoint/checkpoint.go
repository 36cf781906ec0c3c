// Package checkpoint drives the filesystem's global barrier over the
// node manager's own state (spec.md §4.5, §4.6, §5): it fences NAT/
// free-NID mutation behind rps_cp_rwsem and node writeback behind
// rps_node_write, runs the NAT cache's classic or per-core flush, and
// marks the node manager errored on any failure a checkpoint cannot
// recover from.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/logger"
	"github.com/go-f2fs/nodemgr/internal/natcache"
	"github.com/go-f2fs/nodemgr/internal/rps"
)

// ErrFilesystemErrored is returned by Run, AcquireNodeWrite and
// AcquireMutator once a prior checkpoint's flush has failed; the original
// does not attempt to self-heal a half-written NAT block.
var ErrFilesystemErrored = errors.New("checkpoint: filesystem is marked errored")

// Manager owns both checkpoint fences and drives the NAT cache's flush as
// part of the filesystem's checkpoint protocol.
type Manager struct {
	cache    *natcache.Cache
	freeNids *natcache.FreeNidPool

	// mutatorRPS is rps_cp_rwsem (spec.md §5): readers are NAT/free-NID
	// mutators (SetNodeAddr, AllocNid), the writer is the checkpoint.
	mutatorRPS rps.Fence
	// nodeWriteRPS is rps_node_write: readers are node-page writers, the
	// writer is the checkpoint. Distinct from mutatorRPS per spec.md §5's
	// acquisition-order rule, which treats them as two separate fences.
	nodeWriteRPS rps.Fence

	perCore bool

	errored atomic.Bool
}

// New builds a checkpoint Manager over its two fences. perCore selects
// flush_nat_entries_per_core over the classic shard-at-a-time flush,
// matching cfg.NodeManagerConfig.PerCoreNidList, which
// nodemgr.BuildNodeManager passes through (spec.md §6.4). mutatorRPS and nodeWriteRPS are ordinarily both
// rps.New() or both rps.NewMutex(), selected by cfg.NodeManagerConfig.Rps.
func New(cache *natcache.Cache, freeNids *natcache.FreeNidPool, mutatorRPS, nodeWriteRPS rps.Fence, perCore bool) *Manager {
	return &Manager{cache: cache, freeNids: freeNids, mutatorRPS: mutatorRPS, nodeWriteRPS: nodeWriteRPS, perCore: perCore}
}

// AcquireNodeWrite fences one node-page write against a concurrent
// checkpoint barrier: rps_node_write held for read. Call sites must call
// the returned release func exactly once, typically via defer.
func (m *Manager) AcquireNodeWrite() (release func(), err error) {
	if m.errored.Load() {
		return func() {}, ErrFilesystemErrored
	}
	tok := m.nodeWriteRPS.DownRead()
	return func() { m.nodeWriteRPS.UpRead(tok) }, nil
}

// AcquireMutator fences one NAT/free-NID mutation (SetNodeAddr, AllocNid)
// against a concurrent checkpoint barrier: rps_cp_rwsem held for read.
// Call sites must call the returned release func exactly once, typically
// via defer.
func (m *Manager) AcquireMutator() (release func(), err error) {
	if m.errored.Load() {
		return func() {}, ErrFilesystemErrored
	}
	tok := m.mutatorRPS.DownRead()
	return func() { m.mutatorRPS.UpRead(tok) }, nil
}

// Result reports what one Run call accomplished.
type Result struct {
	natcache.FlushStats
}

// Run executes one checkpoint: it takes rps_cp_rwsem then rps_node_write
// for write (fencing every NAT/free-NID mutator and every node-page
// writer out for the duration, in that order, matching spec.md §5's
// acquisition order), flushes the NAT cache's dirty sets, then releases
// both fences in reverse. An I/O error during the flush marks the
// filesystem errored for the lifetime of this Manager — every subsequent
// Run, AcquireNodeWrite, and AcquireMutator call fails fast with
// ErrFilesystemErrored, mirroring the original's refusal to keep
// checkpointing once a NAT block write has failed.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	if m.errored.Load() {
		return Result{}, ErrFilesystemErrored
	}

	m.mutatorRPS.DownWrite()
	defer m.mutatorRPS.UpWrite()
	m.nodeWriteRPS.DownWrite()
	defer m.nodeWriteRPS.UpWrite()

	flushFn := m.cache.Flush
	if m.perCore {
		flushFn = m.cache.PerCoreFlush
	}

	stats, err := flushFn(ctx, m.freeNids)
	if err != nil {
		m.errored.Store(true)
		logger.Errorf("checkpoint: flush failed, filesystem marked errored: %v", err)
		return Result{FlushStats: stats}, fmt.Errorf("checkpoint: %w", err)
	}

	logger.Debugf("checkpoint: flushed %d sets (%d to journal, %d to block)", stats.SetsFlushed, stats.ToJournal, stats.ToBlock)
	return Result{FlushStats: stats}, nil
}

// Errored reports whether a prior checkpoint has failed and left the
// filesystem in the errored state.
func (m *Manager) Errored() bool {
	return m.errored.Load()
}

// RestoreNodeSummary replays the journal recovered from the last valid
// checkpoint into the NAT cache, the way restore_node_summary primes the
// in-memory NAT mapping before a recovered filesystem is made
// read-write. It must run before any AllocNid/Get/SetNodeAddr call on m's
// cache; callers typically invoke it once, directly after mount, with
// the journal collaborator the checkpoint.Manager was built against.
func (m *Manager) RestoreNodeSummary(entries []collaborators.JournalEntry) {
	for _, je := range entries {
		m.cache.InstallCheckpointed(je.Nid, je.Raw)
	}
	logger.Debugf("checkpoint: restored %d node summary entries from journal", len(entries))
}
