package market

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"histmarket/internal/codec"
)

// SaveToFile 将完整的顶层节点子树按时间顺序依次写入文件，子树之间没有分隔符。
// 通过 PrepareFromSource 设定过数据末尾时，仅保存结束时间早于该末尾的节点。
func (m *Market) SaveToFile(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("market: 创建临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	written := 0
	for _, n := range m.sortedNodes(Top) {
		if !n.IsFull() {
			continue
		}
		if m.hasPrepared && n.time+int64(Top) >= m.preparedLastIndex {
			continue
		}

		buf, err := n.MarshalBinary()
		if err != nil {
			_ = tmp.Close()
			return 0, err
		}
		if _, err := w.Write(buf); err != nil {
			_ = tmp.Close()
			return 0, fmt.Errorf("market: 写入 %q 失败: %w", path, err)
		}
		written++
		m.logger.Debug("写入顶层节点", zap.Int64("time", n.time), zap.Int("bytes", len(buf)))
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("market: 写入 %q 失败: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("market: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("market: 替换 %q 失败: %w", path, err)
	}

	m.logger.Info("缓存已保存", zap.String("path", path), zap.Int("top_level", written))
	return written, nil
}

// ReadFromFile 逐个读取顶层子树并把每一级节点写入缓存。遇到解码错误立即中止。
func (m *Market) ReadFromFile(path string) (int, error) {
	fp, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("market: 打开 %q 失败: %w", path, err)
	}
	defer fp.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	r := bufio.NewReader(fp)
	var (
		loaded int
		offset int64
	)
	for {
		prefix := make([]byte, 4)
		if _, err := io.ReadFull(r, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return loaded, readError(path, offset, err)
		}

		length, _ := codec.PeekLength(prefix)
		if length < codec.HeaderSize {
			return loaded, fmt.Errorf("market: %q 偏移 %d: %w: chunk length %d", path, offset, codec.ErrMalformed, length)
		}

		chunk := make([]byte, length)
		copy(chunk, prefix)
		if _, err := io.ReadFull(r, chunk[4:]); err != nil {
			return loaded, readError(path, offset, err)
		}

		n, err := UnmarshalNode(chunk)
		if err != nil {
			return loaded, fmt.Errorf("market: %q 偏移 %d 解码失败: %w", path, offset, err)
		}
		n.adopt(m)

		loaded++
		offset += int64(length)
	}

	m.logger.Info("缓存已加载",
		zap.String("path", path),
		zap.Int("top_level", loaded),
		zap.Int("bottom_points", len(m.nodes[Bottom])),
	)
	return loaded, nil
}

func readError(path string, offset int64, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = codec.ErrTruncated
	}
	return fmt.Errorf("market: %q 偏移 %d: %w", path, offset, err)
}
