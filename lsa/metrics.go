package lsa

import "github.com/prometheus/client_golang/prometheus"

// Metrics returns a prometheus collector exposing the tracker's counters
// and occupancy gauges. Register it with a prometheus.Registerer; every
// scrape takes a consistent snapshot under the tracker lock.
func Metrics(t *Tracker) prometheus.Collector {
	return &collector{t: t}
}

type collector struct {
	t *Tracker
}

var (
	descSegmentsAllocated = prometheus.NewDesc("lsa_segments_allocated_total",
		"Segments handed to regions.", nil, nil)
	descSegmentsReleased = prometheus.NewDesc("lsa_segments_released_total",
		"Segments returned to the host.", nil, nil)
	descSegmentsCompacted = prometheus.NewDesc("lsa_segments_compacted_total",
		"Segments emptied by compaction.", nil, nil)
	descMemoryAllocated = prometheus.NewDesc("lsa_memory_allocated_bytes_total",
		"Bytes allocated by all regions.", nil, nil)
	descMemoryFreed = prometheus.NewDesc("lsa_memory_freed_bytes_total",
		"Bytes freed by all regions.", nil, nil)
	descMemoryCompacted = prometheus.NewDesc("lsa_memory_compacted_bytes_total",
		"Live bytes moved by compaction.", nil, nil)
	descMemoryEvicted = prometheus.NewDesc("lsa_memory_evicted_bytes_total",
		"Bytes released by eviction callbacks.", nil, nil)
	descNumAllocations = prometheus.NewDesc("lsa_allocations_total",
		"Allocation calls served.", nil, nil)
	descTotalSpace = prometheus.NewDesc("lsa_total_space_bytes",
		"Segment memory held by regions.", nil, nil)
	descUsedSpace = prometheus.NewDesc("lsa_used_space_bytes",
		"Live data in region segments.", nil, nil)
	descOccupancy = prometheus.NewDesc("lsa_occupancy_ratio",
		"Used fraction of region segment memory.", nil, nil)
	descFreeSegmentMemory = prometheus.NewDesc("lsa_free_segment_memory_bytes",
		"Memory in pool free segments.", nil, nil)
	descNonLSAMemory = prometheus.NewDesc("lsa_non_lsa_used_bytes",
		"Host memory in use outside segments.", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSegmentsAllocated
	ch <- descSegmentsReleased
	ch <- descSegmentsCompacted
	ch <- descMemoryAllocated
	ch <- descMemoryFreed
	ch <- descMemoryCompacted
	ch <- descMemoryEvicted
	ch <- descNumAllocations
	ch <- descTotalSpace
	ch <- descUsedSpace
	ch <- descOccupancy
	ch <- descFreeSegmentMemory
	ch <- descNonLSAMemory
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	t := c.t
	t.lock.lock()
	stats := t.pool.stats
	occ := Occupancy{}
	for _, r := range t.regions {
		occ = occ.add(r.lsaOccupancyLocked())
	}
	freeSegMem := uint64(t.pool.freeCount) * SegmentSize
	nonLSA := t.host.Stats().UsedMemory - uint64(t.pool.owned.count())*SegmentSize
	t.lock.unlock()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(descSegmentsAllocated, stats.SegmentsAllocated)
	counter(descSegmentsReleased, stats.SegmentsReleased)
	counter(descSegmentsCompacted, stats.SegmentsCompacted)
	counter(descMemoryAllocated, stats.MemoryAllocated)
	counter(descMemoryFreed, stats.MemoryFreed)
	counter(descMemoryCompacted, stats.MemoryCompacted)
	counter(descMemoryEvicted, stats.MemoryEvicted)
	counter(descNumAllocations, stats.NumAllocations)
	gauge(descTotalSpace, float64(occ.TotalSpace()))
	gauge(descUsedSpace, float64(occ.UsedSpace()))
	gauge(descOccupancy, occ.UsedFraction())
	gauge(descFreeSegmentMemory, float64(freeSegMem))
	gauge(descNonLSAMemory, float64(nonLSA))
}
