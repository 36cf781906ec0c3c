// Command nodemgrctl drives a standalone node manager over an
// in-memory page store and meta store — there is no real mounted device
// behind it, so each invocation starts from an empty NAT cache and free-
// NID pool. It exists to exercise BuildNodeManager's wiring end to end
// (alloc_nid -> new_node_page -> set_node_addr -> checkpoint ->
// get_node_info) the way a real mount's init path would, without
// needing a filesystem image.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-f2fs/nodemgr/cfg"
	"github.com/go-f2fs/nodemgr/internal/collaborators"
	"github.com/go-f2fs/nodemgr/internal/logger"
	"github.com/go-f2fs/nodemgr/internal/types"

	nodemgr "github.com/go-f2fs/nodemgr"
)

var (
	cfgFile    string
	bindErr    error
	mountCfg   cfg.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodemgrctl",
	Short: "Exercise the F2FS-style node manager against an in-memory store",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file overriding the node-manager defaults.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())

	allocCmd.Flags().IntP("count", "n", 4, "Number of NIDs to allocate.")
	rootCmd.AddCommand(allocCmd, lookupCmd, checkpointCmd)
}

func initConfig() {
	mountCfg = cfg.DefaultConfig()
	if cfgFile == "" {
		_ = viper.Unmarshal(&mountCfg)
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "nodemgrctl: reading config file: %v\n", err)
		return
	}
	_ = viper.Unmarshal(&mountCfg)
}

// buildDemoManager wires a fresh Manager over in-memory collaborators,
// small enough for a single CLI invocation's NAT-entries-per-block to
// stay meaningful even with a handful of NIDs.
func buildDemoManager(ctx context.Context) (*nodemgr.Manager, error) {
	if bindErr != nil {
		return nil, bindErr
	}
	logger.Init(mountCfg.Logging.Format, mountCfg.Logging.Severity, os.Stderr)

	if mountCfg.NodeManager.NatEntriesPerBlock <= 0 {
		mountCfg.NodeManager.NatEntriesPerBlock = 8
	}

	collab := nodemgr.Collaborators{
		Alloc:     newMemBlockAllocator(),
		PageStore: newMemPageStore(),
		NatStore:  newMemNatBlockStore(uint32(mountCfg.NodeManager.NatEntriesPerBlock)),
		Journal:   newMemJournal(mountCfg.NodeManager.NatJournalEntries),
	}
	return nodemgr.BuildNodeManager(ctx, mountCfg, collab, nil, nil, 0)
}

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate NIDs, create their node pages, and assign device addresses.",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		ctx := cmd.Context()

		mgr, err := buildDemoManager(ctx)
		if err != nil {
			return err
		}

		for i := 0; i < count; i++ {
			nid, err := mgr.FreeNids.AllocNid(ctx, 0, mountCfg.NodeManager.AvailableNids)
			if err != nil {
				return fmt.Errorf("alloc_nid: %w", err)
			}

			releaseWrite, err := mgr.Checkpoint.AcquireNodeWrite()
			if err != nil {
				return fmt.Errorf("acquire rps_node_write(%d): %w", nid, err)
			}
			_, err = mgr.Node.NewNodePage(ctx, nid, nid, 0, collaborators.KindInode)
			releaseWrite()
			if err != nil {
				mgr.FreeNids.AllocNidFailed(nid)
				return fmt.Errorf("new_node_page(%d): %w", nid, err)
			}
			mgr.FreeNids.AllocNidDone(nid)

			releaseMutate, err := mgr.Checkpoint.AcquireMutator()
			if err != nil {
				return fmt.Errorf("acquire rps_cp_rwsem(%d): %w", nid, err)
			}
			err = mgr.Cache.SetNodeAddr(ctx, nid, nid, types.BlockAddr(1000+uint32(i)), false)
			releaseMutate()
			if err != nil {
				return fmt.Errorf("set_node_addr(%d): %w", nid, err)
			}

			fmt.Printf("nid=%d ino=%d addr=%s\n", nid, nid, types.BlockAddr(1000+uint32(i)))
		}
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Allocate one NID and look its NodeInfo back up through the NAT cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := buildDemoManager(ctx)
		if err != nil {
			return err
		}

		nid, err := mgr.FreeNids.AllocNid(ctx, 0, mountCfg.NodeManager.AvailableNids)
		if err != nil {
			return fmt.Errorf("alloc_nid: %w", err)
		}
		if err := mgr.Cache.SetNodeAddr(ctx, nid, nid, types.BlockAddr(5000), false); err != nil {
			return err
		}
		mgr.FreeNids.AllocNidDone(nid)

		ni, err := mgr.Cache.Get(ctx, nid)
		if err != nil {
			return fmt.Errorf("get_node_info(%d): %w", nid, err)
		}
		fmt.Printf("nid=%d ino=%d addr=%s version=%d checkpointed=%v\n",
			ni.Nid, ni.Ino, ni.BlockAddr, ni.Version, mgr.Cache.IsCheckpointedNode(nid))
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Dirty a handful of NAT entries and run the checkpoint flush over them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := buildDemoManager(ctx)
		if err != nil {
			return err
		}

		for i := 0; i < 4; i++ {
			nid, err := mgr.FreeNids.AllocNid(ctx, 0, mountCfg.NodeManager.AvailableNids)
			if err != nil {
				return fmt.Errorf("alloc_nid: %w", err)
			}
			if err := mgr.Cache.SetNodeAddr(ctx, nid, nid, types.BlockAddr(2000+uint32(i)), false); err != nil {
				return err
			}
			mgr.FreeNids.AllocNidDone(nid)
		}

		res, err := mgr.Checkpoint.Run(ctx)
		if err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		fmt.Printf("flushed %d sets (%d entries: %d to journal, %d to block)\n",
			res.SetsFlushed, res.EntriesFlushed, res.ToJournal, res.ToBlock)
		return nil
	},
}

// --- in-memory collaborators, standing in for a real mounted device ---

type memBlockAllocator struct {
	mu              sync.Mutex
	validNodeCount  int
	validInodeCount int
}

func newMemBlockAllocator() *memBlockAllocator { return &memBlockAllocator{} }

func (a *memBlockAllocator) InvalidateBlocks(ctx context.Context, addr types.BlockAddr) error {
	return nil
}
func (a *memBlockAllocator) RefreshSitEntry(ctx context.Context, old, newAddr types.BlockAddr) error {
	return nil
}
func (a *memBlockAllocator) IncValidNodeCount(ctx context.Context, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validNodeCount += n
	return nil
}
func (a *memBlockAllocator) DecValidNodeCount(ctx context.Context, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validNodeCount -= n
	return nil
}
func (a *memBlockAllocator) IncValidInodeCount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validInodeCount++
	return nil
}
func (a *memBlockAllocator) DecValidInodeCount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validInodeCount--
	return nil
}
func (a *memBlockAllocator) TotalValidNodeCount(ctx context.Context) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint32(a.validNodeCount), nil
}

var _ collaborators.BlockAllocator = (*memBlockAllocator)(nil)

type memPageStore struct {
	mu       sync.Mutex
	pages    map[types.NID]*collaborators.NodePage
	nextAddr uint32
}

func newMemPageStore() *memPageStore {
	return &memPageStore{pages: make(map[types.NID]*collaborators.NodePage), nextAddr: 1}
}

func (s *memPageStore) GrabCachePage(ctx context.Context, nid types.NID) (*collaborators.NodePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pages[nid]; ok {
		return p, nil
	}
	p := &collaborators.NodePage{Nid: nid}
	s.pages[nid] = p
	return p, nil
}
func (s *memPageStore) FindGetPage(ctx context.Context, nid types.NID) (*collaborators.NodePage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[nid]
	return p, ok
}
func (s *memPageStore) ReadPage(ctx context.Context, page *collaborators.NodePage, addr types.BlockAddr) error {
	page.Uptodate = true
	return nil
}
func (s *memPageStore) WritePage(ctx context.Context, page *collaborators.NodePage) (types.BlockAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := types.BlockAddr(s.nextAddr)
	s.nextAddr++
	return addr, nil
}
func (s *memPageStore) InvalidateMappingPages(ctx context.Context, lo, hi types.NID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nid := range s.pages {
		if nid >= lo && nid <= hi {
			delete(s.pages, nid)
		}
	}
	return nil
}

var _ collaborators.NodePageStore = (*memPageStore)(nil)

type memNatBlockStore struct {
	mu     sync.Mutex
	blocks map[uint64][]types.RawNatEntry
	perBlk uint32
}

func newMemNatBlockStore(perBlk uint32) *memNatBlockStore {
	return &memNatBlockStore{blocks: make(map[uint64][]types.RawNatEntry), perBlk: perBlk}
}
func (s *memNatBlockStore) key(setID uint32, isB bool) uint64 {
	k := uint64(setID) << 1
	if isB {
		k |= 1
	}
	return k
}
func (s *memNatBlockStore) ReadNatBlock(ctx context.Context, setID uint32, isB bool) ([]types.RawNatEntry, error) {
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
func (s *memNatBlockStore) WriteNatBlock(ctx context.Context, setID uint32, isB bool, entries []types.RawNatEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.RawNatEntry, len(entries))
	copy(cp, entries)
	s.blocks[s.key(setID, isB)] = cp
	return nil
}

var _ collaborators.NatBlockStore = (*memNatBlockStore)(nil)

type memJournal struct {
	mu       sync.Mutex
	capacity int
	slots    map[types.NID]types.RawNatEntry
	order    []types.NID
}

func newMemJournal(capacity int) *memJournal {
	if capacity <= 0 {
		capacity = 6
	}
	return &memJournal{capacity: capacity, slots: make(map[types.NID]types.RawNatEntry)}
}

func (j *memJournal) Lookup(nid types.NID) (types.RawNatEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	raw, ok := j.slots[nid]
	return raw, ok
}
func (j *memJournal) Upsert(nid types.NID, raw types.RawNatEntry) bool {
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
func (j *memJournal) Remove(nid types.NID) {
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
func (j *memJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.slots)
}
func (j *memJournal) Capacity() int { return j.capacity }
func (j *memJournal) All() []collaborators.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]collaborators.JournalEntry, 0, len(j.order))
	for _, nid := range j.order {
		out = append(out, collaborators.JournalEntry{Nid: nid, Raw: j.slots[nid]})
	}
	return out
}

var _ collaborators.Journal = (*memJournal)(nil)
