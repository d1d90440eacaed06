package lsa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDescs(n int) []segmentDescriptor {
	descs := make([]segmentDescriptor, n)
	for i := range descs {
		descs[i].reset()
	}
	return descs
}

func TestHistKey(t *testing.T) {
	require.Equal(t, 0, histKey(0))
	require.Equal(t, 0, histKey(1))
	require.Equal(t, 9, histKey(1000))
	require.Equal(t, segmentSizeShift, histKey(SegmentSize))
}

func TestDescHistPopSparsest(t *testing.T) {
	descs := newTestDescs(3)
	h := newDescHist()
	descs[0].freeSpace = 1000
	descs[1].freeSpace = 60000
	descs[2].freeSpace = 30000
	h.push(descs, 0)
	h.push(descs, 1)
	h.push(descs, 2)
	require.Equal(t, 3, h.count)

	require.Equal(t, int32(1), h.popSparsest(descs))
	require.Equal(t, int32(2), h.popSparsest(descs))
	require.Equal(t, int32(0), h.popSparsest(descs))
	require.Equal(t, noSegment, h.popSparsest(descs))
	require.Equal(t, 0, h.count)
}

func TestDescHistAdjust(t *testing.T) {
	descs := newTestDescs(2)
	h := newDescHist()
	descs[0].freeSpace = 1000
	descs[1].freeSpace = 60000
	h.push(descs, 0)
	h.push(descs, 1)

	descs[0].freeSpace = 70000
	h.adjust(descs, 0)
	require.Equal(t, int8(16), descs[0].bucket)
	require.Equal(t, int32(0), h.popSparsest(descs))

	// Same-bucket changes leave the links alone.
	descs[1].freeSpace = 40000
	h.adjust(descs, 1)
	require.Equal(t, int8(15), descs[1].bucket)
	require.Equal(t, int32(1), h.popSparsest(descs))
}

func TestDescHistCompactionThreshold(t *testing.T) {
	descs := newTestDescs(2)
	h := newDescHist()
	descs[0].freeSpace = 1000
	h.push(descs, 0)
	require.False(t, h.containsAboveMin())

	descs[1].freeSpace = minFreeSpaceForCompaction
	h.push(descs, 1)
	require.True(t, h.containsAboveMin())

	h.remove(descs, 1)
	require.False(t, h.containsAboveMin())
	require.Equal(t, 1, h.count)
}

func TestDescHistDrainInto(t *testing.T) {
	descs := newTestDescs(4)
	src := newDescHist()
	dst := newDescHist()
	for i := range descs {
		descs[i].freeSpace = uint32(1000 * (i + 1))
		src.push(descs, int32(i))
	}
	src.drainInto(descs, &dst)
	require.Equal(t, 0, src.count)
	require.Equal(t, 4, dst.count)
	require.Equal(t, noSegment, src.popSparsest(descs))
	require.Equal(t, int32(3), dst.popSparsest(descs))
}
