package main

import (
	"errors"
	"fmt"
	"math/rand"

	lru "github.com/hashicorp/golang-lru"
	"github.com/joshuapare/logalloc/lsa"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	stressArenaMB   int
	stressObjSize   int
	stressOps       int
	stressCacheCap  int
	stressSeed      int64
	stressReclaimKB int
	stressEvery     int
	stressBg        bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressArenaMB, "arena", 64, "Arena size in MiB")
	cmd.Flags().IntVar(&stressObjSize, "object-size", 256, "Object size in bytes")
	cmd.Flags().IntVar(&stressOps, "ops", 1000000, "Number of workload operations")
	cmd.Flags().IntVar(&stressCacheCap, "cache", 4096, "Evictable cache capacity in objects")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Workload random seed")
	cmd.Flags().IntVar(&stressReclaimKB, "reclaim", 512, "Bytes to reclaim per pressure pulse, in KiB")
	cmd.Flags().IntVar(&stressEvery, "reclaim-every", 10000, "Operations between pressure pulses")
	cmd.Flags().BoolVar(&stressBg, "background", false, "Enable the background reclaimer")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a churning allocation workload",
		Long: `The stress command churns a live object population and an evictable
LRU cache against a bounded arena, pulsing reclaim requests the way a host
allocator would under memory pressure. Objects are stamped on allocation and
verified at the end, so a compaction bug that corrupts or loses data fails
the run.

Example:
  lsastress stress --arena 128 --ops 5000000
  lsastress stress --object-size 1024 --cache 16384 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type stressReport struct {
	Ops            int     `json:"ops"`
	LiveObjects    int     `json:"live_objects"`
	CachedObjects  int     `json:"cached_objects"`
	AllocFailures  int     `json:"alloc_failures"`
	Corrupted      int     `json:"corrupted"`
	ObjectsMoved   uint64  `json:"objects_moved"`
	CacheEvictions uint64  `json:"cache_evictions"`
	UsedFraction   float64 `json:"used_fraction"`
	FreeMemory     uint64  `json:"free_memory"`

	Stats lsa.Statistics `json:"stats"`
}

func runStress() error {
	logger := zap.NewNop()
	if verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}

	tr, err := lsa.NewTracker(lsa.Config{
		ArenaSize:         uint64(stressArenaMB) << 20,
		BackgroundReclaim: stressBg,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	working := tr.NewRegion()
	workStore := newObjectStore(working, uintptr(stressObjSize))
	defer workStore.close()

	cacheRegion := tr.NewRegion()
	cacheStore := newObjectStore(cacheRegion, uintptr(stressObjSize))
	defer cacheStore.close()

	evictions := uint64(0)
	cache, err := lru.NewWithEvict(stressCacheCap, func(key, _ interface{}) {
		cacheStore.free(key.(int))
		evictions++
	})
	if err != nil {
		return err
	}
	cacheRegion.MakeEvictable(func() lsa.EvictResult {
		if cache.Len() == 0 {
			return lsa.EvictedNothing
		}
		cache.RemoveOldest()
		return lsa.EvictedSomething
	})

	rng := rand.New(rand.NewSource(stressSeed))
	var live []int
	failures := 0

	allocWorking := func() {
		h, err := workStore.alloc()
		if errors.Is(err, lsa.ErrOutOfMemory) {
			tr.Reclaim(uint64(stressObjSize) * 16)
			h, err = workStore.alloc()
		}
		if err != nil {
			failures++
			return
		}
		live = append(live, h)
	}

	printVerbose("stressing: %d ops, %d byte objects, %d MiB arena\n",
		stressOps, stressObjSize, stressArenaMB)

	for i := 0; i < stressOps; i++ {
		switch roll := rng.Intn(100); {
		case roll < 50:
			allocWorking()
		case roll < 80:
			if len(live) > 0 {
				j := rng.Intn(len(live))
				workStore.free(live[j])
				live[j] = live[len(live)-1]
				live = live[:len(live)-1]
			}
		default:
			h, err := cacheStore.alloc()
			if errors.Is(err, lsa.ErrOutOfMemory) {
				tr.Reclaim(uint64(stressObjSize) * 16)
				h, err = cacheStore.alloc()
			}
			if err != nil {
				failures++
				break
			}
			cache.Add(h, h)
		}
		if stressEvery > 0 && i%stressEvery == stressEvery-1 {
			tr.Reclaim(uint64(stressReclaimKB) << 10)
		}
	}

	// Let idle compaction run a bounded number of steps, then verify that
	// every surviving object still carries its stamp.
	steps := 0
	tr.CompactOnIdle(func() bool {
		steps++
		return steps > 64
	})
	corrupted := workStore.verify() + cacheStore.verify()

	report := stressReport{
		Ops:            stressOps,
		LiveObjects:    len(live),
		CachedObjects:  cache.Len(),
		AllocFailures:  failures,
		Corrupted:      corrupted,
		ObjectsMoved:   workStore.moved + cacheStore.moved,
		CacheEvictions: evictions,
		UsedFraction:   tr.Occupancy().UsedFraction(),
		FreeMemory:     tr.FreeMemory(),
		Stats:          tr.Statistics(),
	}

	// Tear down before reporting errors so a corrupt run still cleans up.
	cache.Purge()
	cacheRegion.MakeNotEvictable()
	for _, h := range live {
		workStore.free(h)
	}
	working.Close()
	cacheRegion.Close()
	if err := tr.Close(); err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
		if report.Corrupted > 0 {
			return fmt.Errorf("%d objects corrupted", report.Corrupted)
		}
		return nil
	}
	printInfo("\nWorkload:\n")
	printInfo("  Operations: %d\n", report.Ops)
	printInfo("  Live objects: %d (+%d cached)\n", report.LiveObjects, report.CachedObjects)
	printInfo("  Allocation failures: %d\n", report.AllocFailures)
	printInfo("  Cache evictions: %d\n", report.CacheEvictions)
	printInfo("\nAllocator:\n")
	printInfo("  Allocations: %d (%s)\n", report.Stats.NumAllocations, formatBytes(report.Stats.MemoryAllocated))
	printInfo("  Freed: %s\n", formatBytes(report.Stats.MemoryFreed))
	printInfo("  Segments: %d allocated, %d released, %d compacted\n",
		report.Stats.SegmentsAllocated, report.Stats.SegmentsReleased, report.Stats.SegmentsCompacted)
	printInfo("  Compacted: %s, evicted: %s\n",
		formatBytes(report.Stats.MemoryCompacted), formatBytes(report.Stats.MemoryEvicted))
	printInfo("  Objects moved: %d\n", report.ObjectsMoved)
	printInfo("  Occupancy: %.1f%%, free memory: %s\n",
		report.UsedFraction*100, formatBytes(report.FreeMemory))
	if report.Corrupted > 0 {
		return fmt.Errorf("%d objects corrupted", report.Corrupted)
	}
	printInfo("✓ All surviving objects verified\n")
	return nil
}

func formatBytes(n uint64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
