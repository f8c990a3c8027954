// Package linefile 提供按字节偏移随机读取换行分隔文本的能力。
package linefile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	forwardChunk     = 200
	forwardMaxChunks = 5
	backwardChunk    = 50
	backwardMaxChunk = 32 * 1024
)

// ErrLineTooLong 表示向后扫描到最大窗口仍未找到行首。
var ErrLineTooLong = errors.New("linefile: line start not found within scan window")

// File 是对单个文本文件的随机行读取器，非并发安全。
type File struct {
	path     string
	fp       *os.File
	size     int64
	prepared bool

	memory []byte

	// 最近一次读取行的起点与长度，NextLine 依赖它推进游标。
	recentOffset int64
	recentLength int64
	hasRecent    bool
}

// New 创建读取器，文件在 Prepare 时才真正打开。
func New(path string) *File {
	return &File{path: path}
}

// Path 返回文件路径。
func (f *File) Path() string {
	return f.path
}

// Prepare 打开文件并缓存大小，可重复调用。
func (f *File) Prepare() error {
	if f.prepared {
		return nil
	}

	fp, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("linefile: 打开文件 %q 失败: %w", f.path, err)
	}
	stat, err := fp.Stat()
	if err != nil {
		_ = fp.Close()
		return fmt.Errorf("linefile: 读取文件信息 %q 失败: %w", f.path, err)
	}

	f.fp = fp
	f.size = stat.Size()
	f.prepared = true
	return nil
}

// PrepareMemory 将整个文件读入内存，此后所有读取都不再访问磁盘。
func (f *File) PrepareMemory() error {
	if err := f.Prepare(); err != nil {
		return err
	}
	if f.memory != nil {
		return nil
	}

	buf := make([]byte, f.size)
	if _, err := f.fp.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("linefile: 预加载文件 %q 失败: %w", f.path, err)
	}
	f.memory = buf
	return nil
}

// InMemory 表示是否已完成内存预加载。
func (f *File) InMemory() bool {
	return f.memory != nil
}

// Size 返回文件字节数，需先 Prepare。
func (f *File) Size() int64 {
	return f.size
}

// Close 关闭底层文件并重置状态。
func (f *File) Close() error {
	var err error
	if f.fp != nil {
		err = f.fp.Close()
	}
	f.fp = nil
	f.prepared = false
	f.memory = nil
	f.hasRecent = false
	return err
}

// RecentOffset 返回最近读取行的起始偏移，尚未读取时返回 -1。
func (f *File) RecentOffset() int64 {
	if !f.hasRecent {
		return -1
	}
	return f.recentOffset
}

// readAt 读取 [offset, offset+length) 中落在文件内的部分。
func (f *File) readAt(offset, length int64) ([]byte, error) {
	if offset < 0 {
		length += offset
		offset = 0
	}
	if offset+length > f.size {
		length = f.size - offset
	}
	if length <= 0 {
		return nil, nil
	}

	if f.memory != nil {
		return f.memory[offset : offset+length], nil
	}

	buf := make([]byte, length)
	n, err := f.fp.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("linefile: 读取 %q 偏移 %d 失败: %w", f.path, offset, err)
	}
	return buf[:n], nil
}

// LineFrom 从 offset 开始向后读取一行（不含换行符）。
// 每次读取 200 字节，最多 5 次；offset 超出文件末尾时返回空串。
func (f *File) LineFrom(offset int64) (string, error) {
	if err := f.Prepare(); err != nil {
		return "", err
	}
	if offset > f.size-1 {
		f.recentOffset, f.recentLength, f.hasRecent = offset, 0, true
		return "", nil
	}

	var line []byte
	for chunk := 0; chunk < forwardMaxChunks; chunk++ {
		buf, err := f.readAt(offset+int64(chunk*forwardChunk), forwardChunk)
		if err != nil {
			return "", err
		}
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			line = append(line, buf[:idx]...)
			break
		}
		line = append(line, buf...)
		if len(buf) < forwardChunk {
			break
		}
	}

	f.recentOffset = offset
	f.recentLength = int64(len(line))
	f.hasRecent = true

	return string(line), nil
}

// FirstLine 读取第一行。
func (f *File) FirstLine() (string, error) {
	return f.LineFrom(0)
}

// NextLine 读取最近一行之后的下一行；尚未读过任何行时等同 FirstLine。
func (f *File) NextLine() (string, error) {
	if !f.hasRecent {
		return f.FirstLine()
	}
	return f.LineFrom(f.recentOffset + f.recentLength + 1)
}

// LastLine 从文件末尾向前扫描找到最后一行，忽略结尾换行符。
func (f *File) LastLine() (string, error) {
	if err := f.Prepare(); err != nil {
		return "", err
	}
	if f.size == 0 {
		return "", nil
	}

	start, err := f.scanBackward(f.size, true)
	if err != nil {
		return "", err
	}
	return f.LineFrom(start)
}

// LineAt 返回包含 offset 所在字节的那一行。
func (f *File) LineAt(offset int64) (string, error) {
	if err := f.Prepare(); err != nil {
		return "", err
	}
	if offset <= 0 {
		return f.LineFrom(0)
	}
	if offset > f.size {
		offset = f.size
	}

	start, err := f.scanBackward(offset, false)
	if err != nil {
		return "", err
	}
	return f.LineFrom(start)
}

// scanBackward 在 end 之前以倍增窗口查找最近的换行符，返回行首偏移。
func (f *File) scanBackward(end int64, skipTrailing bool) (int64, error) {
	chunk := int64(backwardChunk)
	for {
		from := end - chunk
		if from < 0 {
			from = 0
		}

		buf, err := f.readAt(from, end-from)
		if err != nil {
			return 0, err
		}
		if skipTrailing && len(buf) > 0 {
			buf = buf[:len(buf)-1]
		}
		if idx := bytes.LastIndexByte(buf, '\n'); idx >= 0 {
			return from + int64(idx) + 1, nil
		}
		if from == 0 {
			return 0, nil
		}

		chunk *= 2
		if chunk > backwardMaxChunk {
			return 0, fmt.Errorf("%w: before offset %d in %q", ErrLineTooLong, end, f.path)
		}
	}
}
