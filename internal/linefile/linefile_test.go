package linefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lines.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSequentialCursor(t *testing.T) {
	f := New(writeFile(t, "time,open\n1,10\n2,20\n3,30\n"))
	defer f.Close()

	first, err := f.FirstLine()
	require.NoError(t, err)
	assert.Equal(t, "time,open", first)

	for _, want := range []string{"1,10", "2,20", "3,30", ""} {
		line, err := f.NextLine()
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestNextLineWithoutPriorReadStartsAtTop(t *testing.T) {
	f := New(writeFile(t, "a\nb\n"))
	defer f.Close()

	line, err := f.NextLine()
	require.NoError(t, err)
	assert.Equal(t, "a", line)
	assert.Equal(t, int64(0), f.RecentOffset())
}

func TestLastLine(t *testing.T) {
	cases := map[string]string{
		"a\nb\n":   "b",
		"a\nb":     "b",
		"single":   "single",
		"x\n":      "x",
		"1,2\n3,4": "3,4",
	}
	for content, want := range cases {
		f := New(writeFile(t, content))
		line, err := f.LastLine()
		require.NoError(t, err, content)
		assert.Equal(t, want, line, content)
		require.NoError(t, f.Close())
	}
}

func TestLastLineLongFileGrowsWindow(t *testing.T) {
	long := strings.Repeat("z", 3000)
	f := New(writeFile(t, "head\n"+long+"\n"))
	defer f.Close()

	line, err := f.LastLine()
	require.NoError(t, err)
	// 单次正向读取上限为 1000 字节。
	assert.Equal(t, long[:forwardChunk*forwardMaxChunks], line)
}

func TestLineAtEveryOffset(t *testing.T) {
	content := "alpha\nbeta\ngamma\n"
	f := New(writeFile(t, content))
	defer f.Close()

	lines := strings.Split(content, "\n")
	offset := 0
	for _, l := range lines[:3] {
		for i := 0; i <= len(l); i++ {
			got, err := f.LineAt(int64(offset + i))
			require.NoError(t, err)
			assert.Equal(t, l, got, "offset %d", offset+i)
		}
		offset += len(l) + 1
	}
}

func TestLineFromBeyondEOF(t *testing.T) {
	f := New(writeFile(t, "a\n"))
	defer f.Close()

	line, err := f.LineFrom(100)
	require.NoError(t, err)
	assert.Empty(t, line)
}

func TestLineFromStopsAfterChunkBudget(t *testing.T) {
	long := strings.Repeat("q", 1500)
	f := New(writeFile(t, long+"\nnext\n"))
	defer f.Close()

	line, err := f.LineFrom(0)
	require.NoError(t, err)
	assert.Len(t, line, forwardChunk*forwardMaxChunks)
}

func TestPrepareMemoryServesSameLines(t *testing.T) {
	path := writeFile(t, "h\n10,1\n20,2\n30,3\n")

	disk := New(path)
	defer disk.Close()
	mem := New(path)
	defer mem.Close()
	require.NoError(t, mem.PrepareMemory())
	assert.True(t, mem.InMemory())

	for off := int64(0); off <= mem.Size(); off++ {
		a, err := disk.LineAt(off)
		require.NoError(t, err)
		b, err := mem.LineAt(off)
		require.NoError(t, err)
		assert.Equal(t, a, b, "offset %d", off)
	}

	last, err := mem.LastLine()
	require.NoError(t, err)
	assert.Equal(t, "30,3", last)
}

func TestPrepareMissingFile(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.csv"))
	_, err := f.FirstLine()
	require.Error(t, err)
}
