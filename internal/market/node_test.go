package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histmarket/internal/codec"
)

func buildHour(t *testing.T) (*Market, *Node) {
	t.Helper()
	m := New(WithStrictAggregation(false))
	for i := 0; i < 12; i++ {
		storeBottom(m, candleAt(base+int64(i)*int64(Min5), i))
	}
	hour, err := m.CombinedPrice(base, Hour1)
	require.NoError(t, err)
	require.NotNil(t, hour)
	return m, hour
}

func assertAggregates(t *testing.T, n *Node) {
	t.Helper()
	if len(n.children) == 0 {
		return
	}
	high, low, volume := n.children[0].high, n.children[0].low, 0.0
	for _, c := range n.children {
		if c.high > high {
			high = c.high
		}
		if c.low < low {
			low = c.low
		}
		volume += c.volume
		assertAggregates(t, c)
	}
	assert.Equal(t, n.children[0].open, n.open)
	assert.Equal(t, n.children[len(n.children)-1].close, n.close)
	assert.Equal(t, high, n.high)
	assert.Equal(t, low, n.low)
	assert.InDelta(t, volume, n.volume, 1e-9)
}

func TestNode_AggregationAcrossThreeLevels(t *testing.T) {
	_, hour := buildHour(t)

	require.Len(t, hour.children, 2)
	for _, half := range hour.children {
		assert.Equal(t, Min30, half.interval)
		require.Len(t, half.children, 2)
		for _, quarter := range half.children {
			assert.Equal(t, Min15, quarter.interval)
			require.Len(t, quarter.children, 3)
		}
	}
	assertAggregates(t, hour)
	assert.True(t, hour.IsFull())

	first := candleAt(base, 0)
	last := candleAt(base+11*int64(Min5), 11)
	assert.Equal(t, first.Open, hour.Open())
	assert.Equal(t, last.Close, hour.Close())
}

func TestNode_PriceIsMeanOfChildren(t *testing.T) {
	_, hour := buildHour(t)

	var total float64
	for _, c := range hour.children {
		total += c.Price()
	}
	assert.InDelta(t, total/float64(len(hour.children)), hour.Price(), 1e-9)

	hour.ClearPrice()
	assert.Equal(t, (hour.High()+hour.Low())/2, hour.Price())
	hour.SetPrice(42)
	assert.Equal(t, 42.0, hour.Price())
}

func TestNode_IsFullRequiresEveryDescendant(t *testing.T) {
	m := New(WithStrictAggregation(false))
	for i := 0; i < 12; i++ {
		if i == 7 {
			continue
		}
		storeBottom(m, candleAt(base+int64(i)*int64(Min5), i))
	}
	hour, err := m.CombinedPrice(base, Hour1)
	require.NoError(t, err)

	assert.Len(t, hour.children, 2, "both halves still present")
	assert.False(t, hour.IsFull())
	assert.True(t, hour.children[0].IsFull())
	assert.False(t, hour.children[1].IsFull())
}

func TestNode_MergeUpdatedChild(t *testing.T) {
	m, hour := buildHour(t)
	quarter := hour.children[0].children[0]
	require.Len(t, quarter.children, 3)

	existing := quarter.children[1]
	assert.False(t, quarter.MergeUpdatedChild(existing))
	assert.False(t, quarter.MergeUpdatedChild(existing))
	assert.Len(t, quarter.children, 3)

	replacement := newBottomNode(m, existing.time, []Quote{pointFromCandle(m, Candle{
		Time: existing.time, Open: 1, High: 500, Low: 0.5, Close: 2, Volume: 10,
	})})
	assert.True(t, quarter.MergeUpdatedChild(replacement))
	require.Len(t, quarter.children, 3)
	assert.Same(t, replacement, quarter.children[1])
	assert.Equal(t, []int64{base, base + int64(Min5), base + 2*int64(Min5)},
		[]int64{quarter.children[0].time, quarter.children[1].time, quarter.children[2].time})

	quarter.Recalc()
	assert.Equal(t, 500.0, quarter.High())
	assert.Equal(t, 0.5, quarter.Low())
}

func TestNode_BinaryRoundTrip(t *testing.T) {
	_, hour := buildHour(t)

	buf, err := hour.MarshalBinary()
	require.NoError(t, err)
	// 1 + 2 + 4 + 12 条记录。
	assert.Len(t, buf, 19*codec.HeaderSize)

	length, err := codec.PeekLength(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(buf)), length)

	decoded, err := UnmarshalNode(buf)
	require.NoError(t, err)
	assertSameTree(t, hour, decoded)
	assert.True(t, decoded.IsFull())
}

func TestNode_UnmarshalRejectsBrokenInput(t *testing.T) {
	_, hour := buildHour(t)
	buf, err := hour.MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalNode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, codec.ErrTruncated)

	_, err = UnmarshalNode(buf[:codec.HeaderSize-3])
	assert.ErrorIs(t, err, codec.ErrTruncated)

	bad := append([]byte(nil), buf...)
	rec, err := codec.Unpack(bad)
	require.NoError(t, err)
	rec.Interval = 12345
	codec.PackInto(bad, rec)
	_, err = UnmarshalNode(bad)
	assert.ErrorIs(t, err, codec.ErrMalformed)
}

func TestNode_Navigation(t *testing.T) {
	m, hour := buildHour(t)
	quarter := hour.children[1].children[0]

	next, err := quarter.Next()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, quarter.time+int64(Min15), next.time)

	prev, err := next.Prev()
	require.NoError(t, err)
	assert.Same(t, quarter, prev)

	higher, err := quarter.HigherInterval()
	require.NoError(t, err)
	assert.Same(t, hour.children[1], higher)

	covering, err := quarter.InInterval(Hour1)
	require.NoError(t, err)
	assert.Same(t, hour, covering)

	top, err := m.CombinedPrice(base, Top)
	require.NoError(t, err)
	none, err := top.HigherInterval()
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNode_Shifts(t *testing.T) {
	m := New(WithStrictAggregation(false))
	prices := []float64{100, 110, 0, 120}
	for i, p := range prices {
		n := storeBottom(m, Candle{Time: base + int64(i)*int64(Min5), Open: p, High: p, Low: p, Close: p})
		n.SetPrice(p)
	}

	last := m.nodes[Bottom][base+3*int64(Min5)]
	shifts := last.Shifts(4)
	require.Len(t, shifts, 5)
	assert.Equal(t, 0.0, shifts[0], "zero previous price")
	assert.InDelta(t, (120.0/110-1)*100, shifts[1], 1e-9)
	assert.InDelta(t, 20.0, shifts[2], 1e-9)
	assert.Equal(t, []float64{0, 0}, shifts[3:], "missing history")

	viaMarket, err := m.Shifts(last.time, Bottom, 4)
	require.NoError(t, err)
	assert.Equal(t, shifts, viaMarket)
}
