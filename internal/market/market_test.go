package market

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceAt_ReadsCSVAndCaches(t *testing.T) {
	src := openSource(t, writePriceCSV(t, steps(base, 30, minute)))
	m := New(WithSource(src))

	q, err := m.PriceAt(base)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, base, q.Time())
	assert.Equal(t, candleAt(base, 0).Open, q.Price())

	// 紧随其后的一分钟走顺序读取。
	next, err := m.PriceAt(base + minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, base+minute, next.Time())

	again, err := m.PriceAt(base)
	require.NoError(t, err)
	assert.Same(t, q, again)

	far, err := m.PriceAt(base + 20*minute)
	require.NoError(t, err)
	require.NotNil(t, far)
	assert.Equal(t, base+20*minute, far.Time())
}

func TestPriceAt_CoveringBottomNode(t *testing.T) {
	src := openSource(t, writePriceCSV(t, steps(base, 10, minute)))
	m := New(WithSource(src))

	n, err := m.CombinedPrice(base, Min5)
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Len(t, n.sources, 5)

	q, err := m.PriceAt(base + 2*minute + 30*1000)
	require.NoError(t, err)
	assert.Same(t, n, q)
}

func TestPriceAt_SkipRangeIsMemoized(t *testing.T) {
	times := append(steps(base, 10, minute), steps(base+20*minute, 10, minute)...)
	src := openSource(t, writePriceCSV(t, times))
	m := New(WithSource(src))

	q, err := m.PriceAt(base + 15*minute)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Contains(t, []int64{base + 9*minute, base + 20*minute}, q.Time())

	row, ok, err := src.RowByIndex(base + 9*minute)
	require.NoError(t, err)
	require.True(t, ok)
	m.mu.Lock()
	require.NoError(t, m.detectSkip(base+15*minute, row))
	m.mu.Unlock()
	assert.Equal(t, base+9*minute, m.skipFrom)
	assert.Equal(t, base+20*minute, m.skipTo)

	skipped, err := m.PriceAt(base + 16*minute)
	require.NoError(t, err)
	assert.Nil(t, skipped)
}

func TestPriceAt_DisabledCSV(t *testing.T) {
	src := openSource(t, writePriceCSV(t, steps(base, 10, minute)))
	m := New(WithSource(src))
	m.DisableCSV()

	_, err := m.PriceAt(base)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = New().PriceAt(base)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestNextPrice(t *testing.T) {
	src := openSource(t, writePriceCSV(t, steps(base, 3, minute)))
	m := New(WithSource(src))

	for _, want := range steps(base, 3, minute) {
		q, err := m.NextPrice()
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.Equal(t, want, q.Time())
	}

	q, err := m.NextPrice()
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestCombinedPrice_BottomFromRawRows(t *testing.T) {
	times := steps(base, 10, minute)
	src := openSource(t, writePriceCSV(t, times))
	m := New(WithSource(src))

	n, err := m.CombinedPrice(base+5*minute, Min5)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, base+5*minute, n.Time())

	want := make([]Candle, 0, 5)
	for i := 5; i < 10; i++ {
		want = append(want, candleAt(times[i], i))
	}
	high, low, volume := want[0].High, want[0].Low, 0.0
	for _, c := range want {
		high = max(high, c.High)
		low = min(low, c.Low)
		volume += c.Volume
	}
	assert.Equal(t, want[0].Open, n.Open())
	assert.Equal(t, want[4].Close, n.Close())
	assert.Equal(t, high, n.High())
	assert.Equal(t, low, n.Low())
	assert.InDelta(t, volume, n.Volume(), 1e-9)
}

func TestCombinedPrice_StrictIncompleteBucket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,open,high,low,close,volume\n"), 0o644))

	strict := New(WithSource(openSource(t, path)))
	_, err := strict.CombinedPrice(base, Min5)
	assert.ErrorIs(t, err, ErrIncompleteBucket)

	lenient := New(WithSource(openSource(t, path)), WithStrictAggregation(false))
	n, err := lenient.CombinedPrice(base, Min5)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestCombinedPrice_RejectsUnknownInterval(t *testing.T) {
	_, err := New().CombinedPrice(base, Interval(123))
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestRawCacheEviction(t *testing.T) {
	src := openSource(t, writePriceCSV(t, steps(base, 10, minute)))
	evicted := 0
	m := New(WithSource(src), WithRawCacheCapacity(3), WithHooks(Hooks{
		OnCacheEvict: func(n int) { evicted += n },
	}))

	_, err := m.CombinedPrice(base, Min5)
	require.NoError(t, err)

	assert.Len(t, m.points, 3)
	assert.Equal(t, []int64{base + 2*minute, base + 3*minute, base + 4*minute}, m.pointKeys)
	assert.Equal(t, 2, evicted)
}

func TestIncrementalEquivalence(t *testing.T) {
	candles := make([]Candle, 12)
	for i := range candles {
		candles[i] = candleAt(base+int64(i)*int64(Min5), i)
	}

	batch := New(WithStrictAggregation(false))
	for _, c := range candles {
		storeBottom(batch, c)
	}
	batchHour, err := batch.CombinedPrice(base, Hour1)
	require.NoError(t, err)
	batchDay, err := batch.CombinedPrice(base, Day1)
	require.NoError(t, err)

	live := New()
	for _, c := range candles {
		_, err := live.PushCandle(c)
		require.NoError(t, err)
	}
	liveHour, err := live.CombinedPrice(base, Hour1)
	require.NoError(t, err)
	liveDay, err := live.CombinedPrice(base, Day1)
	require.NoError(t, err)

	for _, pair := range [][2]*Node{{batchHour, liveHour}, {batchDay, liveDay}} {
		want, got := pair[0], pair[1]
		require.NotNil(t, want)
		require.NotNil(t, got)
		assert.Equal(t, want.Open(), got.Open())
		assert.Equal(t, want.High(), got.High())
		assert.Equal(t, want.Low(), got.Low())
		assert.Equal(t, want.Close(), got.Close())
		assert.InDelta(t, want.Volume(), got.Volume(), 1e-9)
	}
	assert.True(t, liveHour.IsFull())
}

func TestPushCandle_ReplacesExistingBucket(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		_, err := m.PushCandle(candleAt(base+int64(i)*int64(Min5), i))
		require.NoError(t, err)
	}

	updated := candleAt(base+int64(Min5)+90*1000, 1)
	updated.High = 999
	updated.Price = 321
	n, err := m.PushCandle(updated)
	require.NoError(t, err)
	assert.Equal(t, base+int64(Min5), n.Time(), "time aligned to bucket")
	assert.Equal(t, 321.0, n.Price())

	quarter, err := m.CombinedPrice(base, Min15)
	require.NoError(t, err)
	require.Len(t, quarter.children, 3)
	assert.Same(t, n, quarter.children[1])
	assert.Equal(t, 999.0, quarter.High())

	week, err := m.CombinedPrice(base, Week1)
	require.NoError(t, err)
	assert.Equal(t, 999.0, week.High())
}

func TestFillGaps_CarryForward(t *testing.T) {
	now := time.UnixMilli(base + 25*minute)
	m := New(WithClock(func() time.Time { return now }))

	_, err := m.PushCandle(Candle{Time: base, Open: 9, High: 11, Low: 8, Close: 10, Volume: 3})
	require.NoError(t, err)
	_, err = m.PushCandle(Candle{Time: base + 20*minute, Open: 12, High: 12, Low: 12, Close: 12, Volume: 1})
	require.NoError(t, err)

	filled, err := m.FillGaps(20 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, filled)

	for _, ts := range []int64{base + 5*minute, base + 10*minute, base + 15*minute} {
		n := m.nodes[Bottom][ts]
		require.NotNil(t, n, "slot %d", ts)
		assert.Equal(t, 10.0, n.Open())
		assert.Equal(t, 10.0, n.High())
		assert.Equal(t, 10.0, n.Low())
		assert.Equal(t, 10.0, n.Close())
		assert.Zero(t, n.Volume())
	}

	quarter, err := m.CombinedPrice(base, Min15)
	require.NoError(t, err)
	assert.True(t, quarter.IsFull())
}

func TestFillOlderGaps_RepairsHistoryOnly(t *testing.T) {
	now := time.UnixMilli(base + 3*int64(Week1))
	m := New(WithClock(func() time.Time { return now }))

	pushWeek(t, m, base, 100, 101, 102)
	_, err := m.PushCandle(candleAt(now.UnixMilli()-int64(Min5), 0))
	require.NoError(t, err)
	require.False(t, m.IntegrityOK())

	filled, err := m.FillOlderGaps()
	require.NoError(t, err)
	assert.Equal(t, 3, filled)

	prev := candleAt(base+99*int64(Bottom), 99)
	n := m.nodes[Bottom][base+100*int64(Bottom)]
	require.NotNil(t, n)
	assert.Equal(t, prev.Close, n.Close())

	week, err := m.CombinedPrice(base, Week1)
	require.NoError(t, err)
	assert.True(t, week.IsFull())
	assert.True(t, m.IntegrityOK())

	current, err := m.CombinedPrice(now.UnixMilli()-int64(Min5), Week1)
	require.NoError(t, err)
	assert.Len(t, current.children, 1, "present bucket untouched")
}

func TestIntegrityBoundary(t *testing.T) {
	m := New()
	pushWeek(t, m, base)
	require.NoError(t, m.CheckIntegrity())

	_, err := m.PushCandle(candleAt(base+int64(Week1), 0))
	require.NoError(t, err)
	assert.NoError(t, m.CheckIntegrity(), "one non-full bucket is the present one")

	_, err = m.PushCandle(candleAt(base+2*int64(Week1), 0))
	require.NoError(t, err)
	err = m.CheckIntegrity()
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.False(t, m.IntegrityOK())
}

func TestSaveAndLoad_EndToEnd(t *testing.T) {
	source := New()
	pushWeek(t, source, base)

	path := filepath.Join(t.TempDir(), "market.dat")
	written, err := source.SaveToFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, written)

	m := New()
	loaded, err := m.ReadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)
	m.DisableCSV()

	assert.Equal(t, bottomPerWeek, m.MinIntervalPointsCount())
	start, ok := m.StartTime()
	require.True(t, ok)
	assert.Equal(t, base, start)
	end, ok := m.EndTime()
	require.True(t, ok)
	assert.Equal(t, base+int64(Week1)-int64(Min5), end)
	assert.True(t, m.IntegrityOK())

	original, err := source.CombinedPrice(base, Week1)
	require.NoError(t, err)
	reloaded, err := m.CombinedPrice(base, Week1)
	require.NoError(t, err)
	assertSameTree(t, original, reloaded)

	live := Candle{Time: end + int64(Min5), Open: 50, High: 55, Low: 45, Close: 4242, Volume: 2}
	_, err = m.PushCandle(live)
	require.NoError(t, err)

	for _, iv := range []Interval{Hour1, Day1, Week1} {
		snap, ok, err := m.Candle(live.Time, iv)
		require.NoError(t, err)
		require.True(t, ok, iv.String())
		assert.Equal(t, live.Close, snap.Close, iv.String())
	}
}

func TestSaveToFile_PreparedBoundary(t *testing.T) {
	m := New()
	pushWeek(t, m, base)
	pushWeek(t, m, base+int64(Week1))

	m.preparedLastIndex, m.hasPrepared = base+2*int64(Week1)-int64(Min5), true

	path := filepath.Join(t.TempDir(), "market.dat")
	written, err := m.SaveToFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}

func TestReadFromFile_Truncated(t *testing.T) {
	src := New()
	pushWeek(t, src, base)
	path := filepath.Join(t.TempDir(), "market.dat")
	_, err := src.SaveToFile(path)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-10], 0o644))

	_, err = New().ReadFromFile(path)
	assert.Error(t, err)

	_, err = New().ReadFromFile(filepath.Join(t.TempDir(), "missing.dat"))
	assert.Error(t, err)
}

func TestPrepareFromSource(t *testing.T) {
	step := int64(Min5)
	times := steps(base, 3*bottomPerWeek, step)
	src := openSource(t, writePriceCSV(t, times))
	require.NoError(t, src.PrepareMemory())

	m := New(WithSource(src), WithRawStep(step))
	built, err := m.PrepareFromSource(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, built)

	tops := m.TopLevel()
	require.Len(t, tops, 3)
	assert.Equal(t, base+int64(Week1), tops[0].Time())
	assert.True(t, tops[0].IsFull())

	path := filepath.Join(t.TempDir(), "prepared.dat")
	written, err := m.SaveToFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, written, "buckets reaching the last csv row are not saved")
}

type fakeSource struct {
	mu    sync.Mutex
	calls [][2]int64
	fail  error
}

func (f *fakeSource) FetchCandles(_ context.Context, _ string, from, to int64) ([]Candle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]int64{from, to})
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	var out []Candle
	for t := Bottom.Align(from); t < to; t += int64(Bottom) {
		if t < from {
			continue
		}
		out = append(out, candleAt(t, int((t/int64(Bottom))%97)))
	}
	return out, nil
}

func TestBackfill_BatchesWindows(t *testing.T) {
	m := New()
	_, err := m.PushCandle(candleAt(base+8*int64(Day1), 0))
	require.NoError(t, err)

	src := &fakeSource{}
	now := time.UnixMilli(base + 10*int64(Day1))
	res, err := m.Backfill(context.Background(), src, "BTC/USDT", now, BackfillOptions{BatchDelay: time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, base, res.From)
	assert.Equal(t, 2, res.Batches)
	assert.Len(t, src.calls, 10)
	assert.Equal(t, 10*int(int64(Day1)/int64(Bottom)), res.Pushed)

	end, ok := m.EndTime()
	require.True(t, ok)
	assert.Equal(t, now.UnixMilli()-int64(Min5), end)

	day, err := m.CombinedPrice(base+3*int64(Day1), Day1)
	require.NoError(t, err)
	assert.True(t, day.IsFull())
}

func TestBackfill_PropagatesFetchError(t *testing.T) {
	m := New()
	_, err := m.PushCandle(candleAt(base, 0))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = m.Backfill(context.Background(), &fakeSource{fail: boom}, "BTC/USDT", time.UnixMilli(base+int64(Day1)), BackfillOptions{})
	assert.ErrorIs(t, err, boom)

	_, err = New().Backfill(context.Background(), &fakeSource{}, "BTC/USDT", time.UnixMilli(base), BackfillOptions{})
	assert.ErrorIs(t, err, ErrNoData)
}
