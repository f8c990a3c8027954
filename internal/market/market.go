// Package market 实现历史行情的多级周期聚合树：原始价格缓存、按周期懒聚合的节点缓存、
// 增量推送、缺口填补、完整性检查以及二进制文件的保存与加载。
package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"histmarket/internal/indexedcsv"
)

var (
	// ErrNoData 表示 CSV 已停用或不可用且缓存未命中。
	ErrNoData = errors.New("market: no data for this time")
	// ErrIncompleteBucket 表示严格模式下底层时间桶的原始点数量不正确。
	ErrIncompleteBucket = errors.New("market: cannot calc interval")
	// ErrIntegrity 表示存在多于一个不完整的顶层时间桶。
	ErrIntegrity = errors.New("market: integrity check failed")
	// ErrNoCachedPrice 表示原始价格缓存为空，无法找到最近点。
	ErrNoCachedPrice = errors.New("market: no cached price found")
	// ErrInvalidInterval 表示周期不属于阶梯。
	ErrInvalidInterval = errors.New("market: interval not in ladder")
)

const (
	defaultRawStep     = int64(60 * 1000)
	defaultRawCapacity = 1000
)

// Hooks 在缓存事件发生时回调，用于指标采集。
type Hooks struct {
	OnNodeBuilt    func(interval Interval)
	OnCandlePushed func(time int64)
	OnRawRead      func()
	OnCacheEvict   func(evicted int)
}

// Option 配置 Market。
type Option func(*Market)

// WithLogger 注入日志。
func WithLogger(logger *zap.Logger) Option {
	return func(m *Market) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSource 指定原始价格 CSV。
func WithSource(source *indexedcsv.File) Option {
	return func(m *Market) { m.source = source }
}

// WithRawStep 设置 CSV 原始价格的时间粒度（毫秒），需整除底层周期。
func WithRawStep(step int64) Option {
	return func(m *Market) {
		if step > 0 && int64(Bottom)%step == 0 {
			m.rawStep = step
		}
	}
}

// WithRawCacheCapacity 设置原始价格缓存容量。
func WithRawCacheCapacity(capacity int) Option {
	return func(m *Market) {
		if capacity > 0 {
			m.rawCapacity = capacity
		}
	}
}

// WithStrictAggregation 设置公开查询使用的聚合模式，默认严格。
func WithStrictAggregation(strict bool) Option {
	return func(m *Market) { m.strict = strict }
}

// WithHooks 注入缓存事件回调。
func WithHooks(h Hooks) Option {
	return func(m *Market) { m.hooks = h }
}

// WithClock 替换当前时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Market) {
		if now != nil {
			m.now = now
		}
	}
}

// Market 持有原始价格缓存与各周期聚合节点缓存。
// 所有导出方法在入口处加锁，内部递归不再加锁。
type Market struct {
	mu sync.Mutex

	logger *zap.Logger
	hooks  Hooks
	now    func() time.Time

	source      *indexedcsv.File
	csvDisabled bool

	rawStep     int64
	rawCapacity int
	strict      bool

	points    map[int64]*Point
	pointKeys []int64

	nodes map[Interval]map[int64]*Node

	minTime   int64
	maxTime   int64
	hasCached bool

	mostRecent    int64
	hasMostRecent bool

	skipFrom int64
	skipTo   int64
	hasSkip  bool

	preparedLastIndex int64
	hasPrepared       bool
}

// New 创建空的市场缓存。
func New(opts ...Option) *Market {
	m := &Market{
		logger:      zap.NewNop(),
		now:         time.Now,
		rawStep:     defaultRawStep,
		rawCapacity: defaultRawCapacity,
		strict:      true,
		points:      make(map[int64]*Point),
		nodes:       make(map[Interval]map[int64]*Node, len(Ladder)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DisableCSV 停用 CSV，此后仅从已加载的缓存取价。
func (m *Market) DisableCSV() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.csvDisabled = true
}

// StartTime 返回缓存中最早的节点时间。
func (m *Market) StartTime() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minTime, m.hasCached
}

// EndTime 返回缓存中最晚的节点时间。
func (m *Market) EndTime() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxTime, m.hasCached
}

// MinIntervalPointsCount 返回底层周期已缓存节点数量。
func (m *Market) MinIntervalPointsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes[Bottom])
}

// TopLevel 返回按时间排序的全部顶层节点。
func (m *Market) TopLevel() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedNodes(Top)
}

func (m *Market) sortedNodes(interval Interval) []*Node {
	bucket := m.nodes[interval]
	list := make([]*Node, 0, len(bucket))
	for _, n := range bucket {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].time < list[j].time })
	return list
}

// storeNode 写入节点缓存并维护最早/最晚时间。
func (m *Market) storeNode(n *Node) {
	bucket, ok := m.nodes[n.interval]
	if !ok {
		bucket = make(map[int64]*Node)
		m.nodes[n.interval] = bucket
	}
	bucket[n.time] = n

	if !m.hasCached || n.time < m.minTime {
		m.minTime = n.time
	}
	if !m.hasCached || n.time > m.maxTime {
		m.maxTime = n.time
	}
	m.hasCached = true
}

func (m *Market) cachedNode(t int64, interval Interval) *Node {
	return m.nodes[interval][interval.Align(t)]
}

func (m *Market) cachePoint(key int64, p *Point) {
	if _, ok := m.points[key]; !ok {
		m.pointKeys = append(m.pointKeys, key)
	}
	m.points[key] = p
	m.mostRecent, m.hasMostRecent = p.time, true
	if m.hooks.OnRawRead != nil {
		m.hooks.OnRawRead()
	}
}

// evictPoints 按插入顺序淘汰超出容量的原始价格。
func (m *Market) evictPoints() {
	over := len(m.pointKeys) - m.rawCapacity
	if over <= 0 {
		return
	}
	for _, key := range m.pointKeys[:over] {
		delete(m.points, key)
	}
	m.pointKeys = append(m.pointKeys[:0], m.pointKeys[over:]...)
	if m.hooks.OnCacheEvict != nil {
		m.hooks.OnCacheEvict(over)
	}
}

// closestPoint 返回缓存键与 t 最接近的原始价格。
func (m *Market) closestPoint(t int64) (*Point, error) {
	var (
		best     *Point
		bestDiff = int64(math.MaxInt64)
	)
	for _, key := range m.pointKeys {
		diff := key - t
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			best, bestDiff = m.points[key], diff
		}
	}
	if best == nil {
		return nil, ErrNoCachedPrice
	}
	return best, nil
}

// PriceAt 返回时间 t 的价格。依次尝试原始价格缓存、覆盖 t 的底层节点、CSV 文件。
// 数据缺失时返回 (nil, nil)。
func (m *Market) PriceAt(t int64) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priceAt(t)
}

func (m *Market) priceAt(t int64) (Quote, error) {
	if p, ok := m.points[t]; ok {
		return p, nil
	}
	if n := m.cachedNode(t, Bottom); n != nil {
		return n, nil
	}
	if m.source == nil || m.csvDisabled {
		return nil, fmt.Errorf("%w: %d", ErrNoData, t)
	}
	if m.hasSkip && t > m.skipFrom && t < m.skipTo {
		return nil, nil
	}

	var (
		row indexedcsv.Row
		ok  bool
		err error
	)
	if m.hasMostRecent && t > m.mostRecent && t <= m.mostRecent+m.rawStep {
		row, err = m.source.NextRow()
		ok = row.Len() > 0
	} else {
		row, ok, err = m.source.RowByIndex(t)
		if err == nil && ok {
			err = m.detectSkip(t, row)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("market: 读取 %d 的原始价格失败: %w", t, err)
	}
	if !ok {
		return nil, nil
	}

	p := pointFromRow(m, row)
	if !p.valid {
		return nil, nil
	}
	m.cachePoint(t, p)
	return p, nil
}

// detectSkip 在二分查找落到请求时间一步之前时，记录 [本行, 下一行) 为数据缺口。
func (m *Market) detectSkip(t int64, row indexedcsv.Row) error {
	idx, ok := row.Index()
	if !ok || idx >= t-m.rawStep {
		return nil
	}

	next, err := m.source.NextRow()
	if err != nil {
		return err
	}
	nextIdx, ok := next.Index()
	if !ok {
		return nil
	}

	m.skipFrom, m.skipTo, m.hasSkip = idx, nextIdx, true
	m.logger.Debug("发现原始数据缺口",
		zap.Int64("from", idx),
		zap.Int64("to", nextIdx),
		zap.Int64("requested", t),
	)
	return nil
}

// NextPrice 顺序读取 CSV 的下一行并以其自身时间缓存。
func (m *Market) NextPrice() (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.nextPrice()
	if p == nil || err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Market) nextPrice() (*Point, error) {
	if m.source == nil || m.csvDisabled {
		return nil, ErrNoData
	}
	row, err := m.source.NextRow()
	if err != nil {
		return nil, fmt.Errorf("market: 顺序读取原始价格失败: %w", err)
	}
	p := pointFromRow(m, row)
	if !p.valid {
		return nil, nil
	}
	m.cachePoint(p.time, p)
	return p, nil
}

// CombinedPrice 返回覆盖 t 的指定周期节点，必要时递归聚合并缓存。无数据时返回 (nil, nil)。
func (m *Market) CombinedPrice(t int64, interval Interval) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.combined(t, interval, m.strict)
}

// Candle 返回覆盖 t 的节点值拷贝。
func (m *Market) Candle(t int64, interval Interval) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.combined(t, interval, m.strict)
	if err != nil || n == nil {
		return Snapshot{}, false, err
	}
	return n.Snapshot(), true, nil
}

// Shifts 在锁内计算覆盖 t 的节点的价格偏移序列。
func (m *Market) Shifts(t int64, interval Interval, maxShifts int) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.combined(t, interval, m.strict)
	if err != nil || n == nil {
		return nil, err
	}
	return n.shifts(maxShifts, func(x *Node) (*Node, error) {
		return m.combined(x.time-int64(x.interval), x.interval, m.strict)
	}), nil
}

// History 返回截至 t（含）的最近 count 个同周期节点值拷贝，按时间升序，遇到缺失即停止。
func (m *Market) History(t int64, interval Interval, count int) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.combined(t, interval, m.strict)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, count)
	for n != nil && len(out) < count {
		out = append(out, n.Snapshot())
		if n, err = m.combined(n.time-int64(interval), interval, m.strict); err != nil {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Market) combined(t int64, interval Interval, strict bool) (*Node, error) {
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInterval, int64(interval))
	}

	from := interval.Align(t)
	if n := m.nodes[interval][from]; n != nil {
		return n, nil
	}

	var n *Node
	if interval == Bottom {
		sources, err := m.collectSources(from, strict)
		if err != nil {
			return nil, err
		}
		if len(sources) == 0 {
			return nil, nil
		}
		n = newBottomNode(m, from, sources)
	} else {
		children, err := m.collectChildren(from, interval, strict)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, nil
		}
		n = newCombinedNode(m, interval, from, children)
	}

	m.storeNode(n)
	m.evictPoints()
	if m.hooks.OnNodeBuilt != nil {
		m.hooks.OnNodeBuilt(interval)
	}
	return n, nil
}

// collectSources 遍历底层时间桶内每个原始粒度槽位；缺失时以缓存中最近的点代替。
func (m *Market) collectSources(from int64, strict bool) ([]Quote, error) {
	to := from + int64(Bottom)
	want := int(int64(Bottom) / m.rawStep)

	sources := make([]Quote, 0, want)
	for slot := from; slot < to; slot += m.rawStep {
		q, err := m.priceAt(slot)
		if err != nil {
			return nil, err
		}
		if q != nil && q.Time() >= from && q.Time() < to {
			sources = append(sources, q)
			continue
		}

		closest, err := m.closestPoint(slot)
		if err != nil {
			m.logger.Debug("时间槽无可用原始价格", zap.Int64("slot", slot))
			continue
		}
		sources = append(sources, closest)
	}

	if len(sources) != want && strict {
		return nil, fmt.Errorf("%w: %d has %d of %d points", ErrIncompleteBucket, from, len(sources), want)
	}
	return sources, nil
}

// collectChildren 递归获取下一级周期的全部子节点；非严格模式下吞掉子节点错误。
func (m *Market) collectChildren(from int64, interval Interval, strict bool) ([]*Node, error) {
	lower, _ := interval.Lower()
	to := from + int64(interval)

	children := make([]*Node, 0, interval.ChildCount())
	for ft := from; ft < to; ft += int64(lower) {
		child, err := m.combined(ft, lower, strict)
		if err != nil {
			if strict {
				return nil, err
			}
			continue
		}
		if child != nil {
			children = append(children, child)
		}
	}
	return children, nil
}

// PushCandle 将一根新的底层K线写入缓存并逐级更新上层节点，期间不做完整性检查。
func (m *Market) PushCandle(c Candle) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCandle(c)
}

func (m *Market) pushCandle(c Candle) (*Node, error) {
	c.Time = Bottom.Align(c.Time)

	n := newBottomNode(m, c.Time, []Quote{pointFromCandle(m, c)})
	if c.Price != 0 {
		n.SetPrice(c.Price)
	} else {
		n.ClearPrice()
	}

	if err := m.propagate(n); err != nil {
		return nil, err
	}
	if m.hooks.OnCandlePushed != nil {
		m.hooks.OnCandlePushed(c.Time)
	}
	return n, nil
}

// propagate 缓存节点并自下而上合并到每一级父节点后重新计算。
func (m *Market) propagate(n *Node) error {
	m.storeNode(n)

	current := n
	for {
		higher, ok := current.interval.Higher()
		if !ok {
			return nil
		}

		parent, err := m.combined(current.time, higher, false)
		if err != nil {
			return fmt.Errorf("market: 更新 %s 父节点失败: %w", higher, err)
		}
		if parent == nil {
			parent = newCombinedNode(m, higher, higher.Align(current.time), nil)
			m.storeNode(parent)
		}

		parent.MergeUpdatedChild(current)
		parent.Recalc()
		current = parent
	}
}
