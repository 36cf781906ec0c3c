// Package membudget implements collaborators.MemoryBudget against the
// host's actual memory statistics, the way available_free_memory reads
// the mount's free-page count against a configured percentage (spec.md
// §4.2). gopsutil is already part of the example pack's dependency
// surface (used there for disk/network stats); its mem subpackage gives
// the free-NID pool and NAT cache builders the same kind of coarse,
// global gate the original checks, without the node manager having to
// track its own structures' byte footprint.
package membudget

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/logger"
)

// RamBudget reports WouldExceed true once the host's used-memory
// percentage reaches ThreshPercent, matching the original's
// available_free_memory(sbi, type) threshold check. Both tracked kinds
// (free-NID entries, NAT cache entries) share the same host-wide gate;
// the original does not budget them separately either.
type RamBudget struct {
	threshPercent int
}

// New builds a RamBudget gated at threshPercent (cfg.NodeManagerConfig's
// RamThreshPercent).
func New(threshPercent int) *RamBudget {
	return &RamBudget{threshPercent: threshPercent}
}

// WouldExceed reads current host memory usage and compares it against
// the configured threshold. extraBytes and kind are accepted to satisfy
// collaborators.MemoryBudget but unused: the original's check is a
// single coarse gate on free memory, not a per-structure byte budget.
func (b *RamBudget) WouldExceed(kind collaborators.BudgetKind, extraBytes int64) bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("membudget: reading host memory stats: %v; allowing growth", err)
		return false
	}
	return vm.UsedPercent >= float64(b.threshPercent)
}

var _ collaborators.MemoryBudget = (*RamBudget)(nil)
