// Package indexedcsv 在 linefile 之上提供按时间键二分查找的 CSV 行读取。
package indexedcsv

import (
	"fmt"
	"strings"

	"histmarket/internal/linefile"
)

// IndexKey 为首列（时间键）在表头映射中的别名。
const IndexKey = "_index"

// File 读取首列递增排序的 CSV 文件。
type File struct {
	lines     *linefile.File
	hasHeader bool

	headerRead bool
	header     map[string]int
	columns    []string

	// 最近一次 RowByIndex 的探测次数，用于观察查找代价。
	lastSearchSteps int
}

// Open 创建读取器，hasHeader 表示首行是否为列名。
func Open(path string, hasHeader bool) *File {
	return &File{
		lines:     linefile.New(path),
		hasHeader: hasHeader,
	}
}

// Path 返回底层文件路径。
func (f *File) Path() string {
	return f.lines.Path()
}

// PrepareMemory 将文件整体读入内存以加速批量预处理。
func (f *File) PrepareMemory() error {
	return f.lines.PrepareMemory()
}

// Close 关闭底层文件。
func (f *File) Close() error {
	return f.lines.Close()
}

// Columns 返回表头列名。
func (f *File) Columns() ([]string, error) {
	if err := f.readHeader(); err != nil {
		return nil, err
	}
	return append([]string(nil), f.columns...), nil
}

func (f *File) readHeader() error {
	if f.headerRead || !f.hasHeader {
		return nil
	}

	line, err := f.lines.FirstLine()
	if err != nil {
		return err
	}

	f.columns = strings.Split(strings.TrimRight(line, "\r"), ",")
	f.header = make(map[string]int, len(f.columns))
	for i, name := range f.columns {
		f.header[name] = i
	}
	f.headerRead = true
	return nil
}

func (f *File) parse(line string) Row {
	return ParseLine(line, f.header)
}

// FirstRow 返回第一条数据行（跳过表头）。
func (f *File) FirstRow() (Row, error) {
	if err := f.readHeader(); err != nil {
		return Row{}, err
	}

	line, err := f.lines.FirstLine()
	if err != nil {
		return Row{}, err
	}
	if f.hasHeader {
		if line, err = f.lines.NextLine(); err != nil {
			return Row{}, err
		}
	}
	return f.parse(line), nil
}

// NextRow 返回游标之后的下一行，到达文件末尾时返回空行。
func (f *File) NextRow() (Row, error) {
	if err := f.readHeader(); err != nil {
		return Row{}, err
	}

	line, err := f.lines.NextLine()
	if err != nil {
		return Row{}, err
	}
	if f.hasHeader && f.lines.RecentOffset() == 0 {
		if line, err = f.lines.NextLine(); err != nil {
			return Row{}, err
		}
	}
	return f.parse(line), nil
}

// LastRow 返回最后一条数据行。
func (f *File) LastRow() (Row, error) {
	if err := f.readHeader(); err != nil {
		return Row{}, err
	}

	line, err := f.lines.LastLine()
	if err != nil {
		return Row{}, err
	}
	return f.parse(line), nil
}

// FirstIndex 返回第一条数据行的时间键。
func (f *File) FirstIndex() (int64, error) {
	row, err := f.FirstRow()
	if err != nil {
		return 0, err
	}
	idx, ok := row.Index()
	if !ok {
		return 0, fmt.Errorf("indexedcsv: %q 首行时间键无效", f.Path())
	}
	return idx, nil
}

// LastIndex 返回最后一条数据行的时间键。
func (f *File) LastIndex() (int64, error) {
	row, err := f.LastRow()
	if err != nil {
		return 0, err
	}
	idx, ok := row.Index()
	if !ok {
		return 0, fmt.Errorf("indexedcsv: %q 末行时间键无效", f.Path())
	}
	return idx, nil
}

// RowByIndex 在字节偏移 [0, size] 上二分查找时间键为 key 的行。
// 不存在精确匹配时返回最后一次探测到的有效行（目标的相邻行）；
// 文件中没有任何有效行时 ok 为 false。
func (f *File) RowByIndex(key int64) (Row, bool, error) {
	if err := f.lines.Prepare(); err != nil {
		return Row{}, false, err
	}
	if err := f.readHeader(); err != nil {
		return Row{}, false, err
	}

	var (
		closest       Row
		closestOffset int64
		found         bool
	)

	f.lastSearchSteps = 0
	start, end := int64(0), f.lines.Size()
	for start <= end {
		mid := (start + end) / 2
		f.lastSearchSteps++

		line, err := f.lines.LineAt(mid)
		if err != nil {
			return Row{}, false, err
		}
		row := f.parse(line)

		idx, ok := row.Index()
		if !ok {
			// 文件开头的表头视为小于任何键，其余无效行（末尾空行）视为大于任何键。
			if f.hasHeader && f.lines.RecentOffset() == 0 {
				start = mid + 1
			} else {
				end = mid - 1
			}
			continue
		}

		closest, closestOffset, found = row, f.lines.RecentOffset(), true
		switch {
		case idx == key:
			return row, true, nil
		case idx > key:
			end = mid - 1
		default:
			start = mid + 1
		}
	}

	// 游标停在最接近的有效行上，后续 NextRow 从它之后继续。
	if found && f.lines.RecentOffset() != closestOffset {
		if _, err := f.lines.LineFrom(closestOffset); err != nil {
			return Row{}, false, err
		}
	}

	return closest, found, nil
}
