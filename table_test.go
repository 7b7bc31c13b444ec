package vyumap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTable_AddSizeAndSumSize(t *testing.T) {
	tb := newTable[int, int](8, defaultAllocator[int, int]{})
	require.True(t, tb.isEmpty())

	tb.addSize(0, 3)
	tb.addSize(1, 5)
	require.Equal(t, 8, tb.sumSize())
	require.False(t, tb.isEmpty())

	tb.addSize(0, -3)
	tb.addSize(1, -5)
	require.True(t, tb.isEmpty())
}

func TestTable_BucketIndexWithinRange(t *testing.T) {
	tb := newTable[int, int](16, defaultAllocator[int, int]{})
	for h := uint64(0); h < 1000; h++ {
		idx := tb.bucketIndex(h * 2654435761)
		require.Less(t, idx, uint64(tb.bucketCount()))
	}
}

func TestCalcSizeStripes_PowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 1024, 4096, 1 << 20} {
		stripes := calcSizeStripes(n)
		require.GreaterOrEqual(t, stripes, 1)
		require.Zero(t, stripes&(stripes-1), "calcSizeStripes(%d) = %d must be a power of two", n, stripes)
	}
}

func TestBucket_LockUnlockRoundTrip(t *testing.T) {
	b := &bucket[int, int]{}
	b.lock()
	require.NotZero(t, b.version()&lockMask)
	b.unlock()
	require.Zero(t, b.version()&lockMask)
}

func TestBucket_FreezeIsObservable(t *testing.T) {
	b := &bucket[int, int]{}
	require.False(t, b.frozen())
	b.freeze()
	require.True(t, b.frozen())
}

func TestBucket_SlotStoreLoad(t *testing.T) {
	b := &bucket[int, int]{}
	e := &entry[int, int]{hash: 1, key: 1, value: 99}
	storeSlot(b, 0, e)
	got := loadSlot(b, 0)
	require.Same(t, e, got)
}

func TestBucket_ChainNextPointer(t *testing.T) {
	head := &bucket[int, int]{}
	require.Nil(t, loadNext(head))

	ext := &bucket[int, int]{}
	storeNext(head, ext)
	require.Same(t, ext, loadNext(head))
}
