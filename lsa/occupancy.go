package lsa

import "fmt"

// Occupancy describes how full a piece of LSA-managed memory is.
type Occupancy struct {
	freeSpace  uint64
	totalSpace uint64
}

// NewOccupancy builds an Occupancy from a free/total pair.
func NewOccupancy(free, total uint64) Occupancy {
	return Occupancy{freeSpace: free, totalSpace: total}
}

// TotalSpace returns the amount of memory tracked.
func (o Occupancy) TotalSpace() uint64 { return o.totalSpace }

// FreeSpace returns the amount of unused memory.
func (o Occupancy) FreeSpace() uint64 { return o.freeSpace }

// UsedSpace returns the amount of occupied memory.
func (o Occupancy) UsedSpace() uint64 { return o.totalSpace - o.freeSpace }

// UsedFraction returns used space as a fraction of total space. An empty
// occupancy reports 0.
func (o Occupancy) UsedFraction() float64 {
	if o.totalSpace == 0 {
		return 0
	}
	return float64(o.totalSpace-o.freeSpace) / float64(o.totalSpace)
}

func (o Occupancy) add(other Occupancy) Occupancy {
	return Occupancy{
		freeSpace:  o.freeSpace + other.freeSpace,
		totalSpace: o.totalSpace + other.totalSpace,
	}
}

func (o Occupancy) sub(other Occupancy) Occupancy {
	return Occupancy{
		freeSpace:  o.freeSpace - other.freeSpace,
		totalSpace: o.totalSpace - other.totalSpace,
	}
}

func (o Occupancy) String() string {
	return fmt.Sprintf("%.1f%%, %d / %d [B]", o.UsedFraction()*100, o.UsedSpace(), o.TotalSpace())
}
