package market

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histmarket/internal/indexedcsv"
)

// 2021-02-25T00:00:00Z，恰好落在周边界上。
const base = int64(1614211200000)

const minute = int64(60 * 1000)

const bottomPerWeek = int(int64(Top) / int64(Bottom))

func candleAt(t int64, i int) Candle {
	o := 100 + float64(i%17)
	return Candle{
		Time:   t,
		Open:   o,
		High:   o + 2 + float64(i%3),
		Low:    o - 1 - float64(i%5),
		Close:  o + 0.5,
		Volume: 1 + float64(i%7),
	}
}

// pushWeek 推送一个顶层周期内的全部底层K线，skip 中的下标不推送。
func pushWeek(t *testing.T, m *Market, start int64, skip ...int) {
	t.Helper()
	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}
	for i := 0; i < bottomPerWeek; i++ {
		if skipped[i] {
			continue
		}
		_, err := m.PushCandle(candleAt(start+int64(i)*int64(Bottom), i))
		require.NoError(t, err)
	}
}

// storeBottom 直接缓存由单根K线构成的底层节点，模拟已有数据。
func storeBottom(m *Market, c Candle) *Node {
	n := newBottomNode(m, c.Time, []Quote{pointFromCandle(m, c)})
	n.ClearPrice()
	m.storeNode(n)
	return n
}

// writePriceCSV 写入带表头的原始价格文件，times 中每个时间一行。
func writePriceCSV(t *testing.T, times []int64) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("time,open,high,low,close,volume\n")
	for i, ts := range times {
		c := candleAt(ts, i)
		fmt.Fprintf(&sb, "%d,%g,%g,%g,%g,%g\n", ts, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	path := filepath.Join(t.TempDir(), "prices.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func openSource(t *testing.T, path string) *indexedcsv.File {
	t.Helper()
	src := indexedcsv.Open(path, true)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func steps(from int64, n int, step int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = from + int64(i)*step
	}
	return out
}

func assertSameTree(t *testing.T, want, got *Node) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.interval, got.interval)
	assert.Equal(t, want.time, got.time)
	assert.Equal(t, want.open, got.open)
	assert.Equal(t, want.high, got.high)
	assert.Equal(t, want.low, got.low)
	assert.Equal(t, want.close, got.close)
	assert.Equal(t, want.volume, got.volume)
	require.Len(t, got.children, len(want.children))
	for i := range want.children {
		assertSameTree(t, want.children[i], got.children[i])
	}
}
