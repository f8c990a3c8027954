package market

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// PrepareFromSource 从 CSV 逐周构建顶层节点，供随后保存为 dat 文件。
// 起点为首行时间之后一个顶层周期（fromTime 更晚时取 fromTime）；遇到整周缺失时顺序读取下一行越过缺口。
// maxWeeks 为 0 表示不限。CSV 末行时间会作为保存边界。
func (m *Market) PrepareFromSource(ctx context.Context, maxWeeks int, fromTime int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil {
		return 0, ErrNoData
	}

	firstIndex, err := m.source.FirstIndex()
	if err != nil {
		return 0, fmt.Errorf("market: 读取首行时间失败: %w", err)
	}
	lastIndex, err := m.source.LastIndex()
	if err != nil {
		return 0, fmt.Errorf("market: 读取末行时间失败: %w", err)
	}
	m.preparedLastIndex, m.hasPrepared = lastIndex, true

	m.logger.Info("开始从 CSV 构建缓存",
		zap.String("path", m.source.Path()),
		zap.Int64("first_index", firstIndex),
		zap.Int64("last_index", lastIndex),
	)

	start := firstIndex + int64(Top)
	if fromTime > start {
		start = fromTime
	}

	first, err := m.priceAt(start)
	if err != nil {
		return 0, err
	}
	if first == nil {
		return 0, fmt.Errorf("market: %d 没有可用价格: %w", start, ErrNoData)
	}

	top, err := m.combined(first.Time(), Top, m.strict)
	if err != nil {
		return 0, err
	}

	built := 0
	for top != nil && (maxWeeks <= 0 || built < maxWeeks) && top.time < lastIndex {
		if err := ctx.Err(); err != nil {
			return built, err
		}

		next, err := m.combined(top.time+int64(Top), Top, m.strict)
		if err != nil {
			return built, err
		}
		if next == nil {
			m.logger.Debug("顶层桶之后数据缺失", zap.Int64("after", top.time))
			p, err := m.nextPrice()
			if err != nil {
				return built, err
			}
			if p == nil {
				break
			}
			if next, err = m.combined(p.time, Top, m.strict); err != nil {
				return built, err
			}
		}

		top = next
		built++
		if top != nil {
			m.logger.Debug("顶层桶已计算", zap.Int64("time", top.time), zap.Bool("full", top.IsFull()))
		}
	}

	return built, nil
}
