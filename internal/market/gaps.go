package market

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultGapWindow = 14 * 24 * time.Hour
	// 修补历史顶层桶时向前多看的时长，用于找到可沿用的收盘价。
	olderGapLookback = 15 * time.Hour
)

// FillGaps 从 EndTime-window 到当前时间逐个底层槽位检查，缺失的槽位以最近一个已有节点的收盘价
// 合成零成交量的平盘K线并推送。window 为 0 时取两周。返回合成数量。
func (m *Market) FillGaps(window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasCached {
		return 0, nil
	}
	if window <= 0 {
		window = defaultGapWindow
	}

	now := m.now().UnixMilli()
	from := Bottom.Align(m.maxTime - window.Milliseconds())

	var carry *Node
	filled, err := m.fillRange(from, now, &carry)
	if filled > 0 {
		m.logger.Info("已填补近期缺口", zap.Int("filled", filled), zap.Int64("from", from), zap.Int64("to", now))
	}
	return filled, err
}

// FillOlderGaps 只修补早于当前时间一个顶层周期且不完整的顶层桶，不触碰仍在累积的当前桶。
func (m *Market) FillOlderGaps() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UnixMilli()

	var (
		carry  *Node
		filled int
	)
	for _, top := range m.sortedNodes(Top) {
		if top.time >= now-int64(Top) || top.IsFull() {
			continue
		}

		n, err := m.fillRange(top.time-olderGapLookback.Milliseconds(), top.time+int64(Top), &carry)
		filled += n
		if err != nil {
			return filled, err
		}
		m.logger.Info("已修补历史顶层桶",
			zap.Int64("time", top.time),
			zap.Int("filled", n),
			zap.Bool("full", top.IsFull()),
		)
	}
	return filled, nil
}

func (m *Market) fillRange(from, to int64, carry **Node) (int, error) {
	filled := 0
	for t := Bottom.Align(from); t < to; t += int64(Bottom) {
		if found := m.nodes[Bottom][t]; found != nil {
			*carry = found
			continue
		}
		if *carry == nil {
			continue
		}

		price := (*carry).close
		if _, err := m.pushCandle(Candle{
			Time:  t,
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}); err != nil {
			return filled, err
		}
		filled++
	}
	return filled, nil
}
