package market

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CheckIntegrity 要求最多只有一个不完整的顶层桶（最近仍在累积的那个）。
// 超过一个时返回 ErrIntegrity，并附带每个不完整桶的说明。
func (m *Market) CheckIntegrity() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		problems error
		notFull  int
	)
	for _, top := range m.sortedNodes(Top) {
		if top.IsFull() {
			continue
		}
		notFull++
		problems = multierr.Append(problems, fmt.Errorf("top level bucket %s has %d of %d children",
			time.UnixMilli(top.time).UTC().Format(time.RFC3339), len(top.children), Top.ChildCount()))
	}

	if notFull > 1 {
		m.logger.Warn("完整性检查失败", zap.Int("not_full", notFull), zap.Error(problems))
		return fmt.Errorf("%w: %d top level buckets are not full: %w", ErrIntegrity, notFull, problems)
	}
	if notFull == 1 {
		m.logger.Debug("仅最近的顶层桶不完整", zap.Error(problems))
	}
	return nil
}

// IntegrityOK 为 CheckIntegrity 的布尔形式。
func (m *Market) IntegrityOK() bool {
	return m.CheckIntegrity() == nil
}
