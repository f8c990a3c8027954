package market

import (
	"fmt"
	"sort"

	"histmarket/internal/codec"
)

// Node 是某个周期某个时间桶的 OHLCV 聚合节点。
// 底层周期的节点持有原始报价 sources，其余周期持有下一级子节点 children。
type Node struct {
	market *Market

	interval Interval
	time     int64

	open   float64
	close  float64
	high   float64
	low    float64
	volume float64

	price    float64
	priceSet bool

	children []*Node
	sources  []Quote
}

// Snapshot 为节点在某一时刻的值拷贝，可脱离市场锁安全读取。
type Snapshot struct {
	Interval Interval `json:"interval"`
	Time     int64    `json:"time"`
	Open     float64  `json:"open"`
	High     float64  `json:"high"`
	Low      float64  `json:"low"`
	Close    float64  `json:"close"`
	Volume   float64  `json:"volume"`
	Price    float64  `json:"price"`
	Children int      `json:"children"`
	Full     bool     `json:"full"`
}

func newBottomNode(m *Market, t int64, sources []Quote) *Node {
	n := &Node{market: m, interval: Bottom, time: t, sources: sources}
	n.calc(sources)
	return n
}

func newCombinedNode(m *Market, interval Interval, t int64, children []*Node) *Node {
	n := &Node{market: m, interval: interval, time: t, children: children}
	n.calc(n.childQuotes())
	return n
}

func (n *Node) childQuotes() []Quote {
	quotes := make([]Quote, len(n.children))
	for i, c := range n.children {
		quotes[i] = c
	}
	return quotes
}

// calc 从有序报价重新计算 OHLCV，price 取各报价 Price 的平均值。
func (n *Node) calc(quotes []Quote) {
	if len(quotes) == 0 {
		n.priceSet = false
		return
	}

	n.open = quotes[0].Open()
	n.close = quotes[len(quotes)-1].Close()
	n.high = quotes[0].High()
	n.low = quotes[0].Low()
	n.volume = 0

	var total float64
	for _, q := range quotes {
		n.volume += q.Volume()
		total += q.Price()
		if q.High() > n.high {
			n.high = q.High()
		}
		if q.Low() < n.low {
			n.low = q.Low()
		}
	}
	n.price = total / float64(len(quotes))
	n.priceSet = true
}

// Recalc 依据当前子节点重新计算聚合值；反序列化得到的底层节点没有原始报价，保持不变。
func (n *Node) Recalc() {
	if n.interval == Bottom {
		if len(n.sources) > 0 {
			n.calc(n.sources)
		}
		return
	}
	n.calc(n.childQuotes())
}

// SetPrice 直接指定代表价格。
func (n *Node) SetPrice(price float64) {
	n.price = price
	n.priceSet = true
}

// ClearPrice 清除直接指定的价格，之后 Price 回退为 (high+low)/2。
func (n *Node) ClearPrice() {
	n.price = 0
	n.priceSet = false
}

func (n *Node) Interval() Interval { return n.interval }
func (n *Node) Time() int64        { return n.time }
func (n *Node) Open() float64      { return n.open }
func (n *Node) High() float64      { return n.high }
func (n *Node) Low() float64       { return n.low }
func (n *Node) Close() float64     { return n.close }
func (n *Node) Volume() float64    { return n.volume }

// Price 返回代表价格，未设置时取 (high+low)/2。
func (n *Node) Price() float64 {
	if n.priceSet {
		return n.price
	}
	return (n.high + n.low) / 2
}

// Children 返回子节点的拷贝。
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Sources 返回底层节点持有的原始报价。
func (n *Node) Sources() []Quote {
	return append([]Quote(nil), n.sources...)
}

// IsFull 判断节点是否完整：底层恒为真，其余要求子节点数量正确且全部完整。
func (n *Node) IsFull() bool {
	if n.interval == Bottom {
		return true
	}
	if len(n.children) != n.interval.ChildCount() {
		return false
	}
	for _, c := range n.children {
		if !c.IsFull() {
			return false
		}
	}
	return true
}

// MergeUpdatedChild 以新子节点替换同一时间的旧子节点。
// 已包含同一实例时不做任何修改并返回 false；调用方需随后执行 Recalc。
func (n *Node) MergeUpdatedChild(child *Node) bool {
	for _, c := range n.children {
		if c == child {
			return false
		}
	}

	for i, c := range n.children {
		if c.time == child.time {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}

	at := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].time > child.time
	})
	n.children = append(n.children, nil)
	copy(n.children[at+1:], n.children[at:])
	n.children[at] = child
	return true
}

// Snapshot 拷贝当前值。
func (n *Node) Snapshot() Snapshot {
	return Snapshot{
		Interval: n.interval,
		Time:     n.time,
		Open:     n.open,
		High:     n.high,
		Low:      n.low,
		Close:    n.close,
		Volume:   n.volume,
		Price:    n.Price(),
		Children: len(n.children),
		Full:     n.IsFull(),
	}
}

// Prev 返回同周期的前一个节点。
func (n *Node) Prev() (*Node, error) {
	if n.market == nil {
		return nil, nil
	}
	return n.market.CombinedPrice(n.time-int64(n.interval), n.interval)
}

// Next 返回同周期的后一个节点。
func (n *Node) Next() (*Node, error) {
	if n.market == nil {
		return nil, nil
	}
	return n.market.CombinedPrice(n.time+int64(n.interval), n.interval)
}

// InInterval 返回覆盖本节点时间的另一周期节点。
func (n *Node) InInterval(interval Interval) (*Node, error) {
	if n.market == nil {
		return nil, nil
	}
	return n.market.CombinedPrice(n.time, interval)
}

// HigherInterval 返回上一级周期的节点，顶层返回 nil。
func (n *Node) HigherInterval() (*Node, error) {
	higher, ok := n.interval.Higher()
	if !ok {
		return nil, nil
	}
	return n.InInterval(higher)
}

// Shifts 沿 Prev 向前回溯 maxShifts+1 步，计算本节点价格相对每个历史节点的百分比变化。
// 缺失或为零的历史价格记为 0。
func (n *Node) Shifts(maxShifts int) []float64 {
	return n.shifts(maxShifts, (*Node).Prev)
}

func (n *Node) shifts(maxShifts int, prev func(*Node) (*Node, error)) []float64 {
	shifts := make([]float64, 0, maxShifts+1)
	current := n.Price()

	back, err := prev(n)
	if err != nil {
		back = nil
	}
	for step := 0; step <= maxShifts; step++ {
		if back != nil && back.Price() != 0 {
			shifts = append(shifts, (current/back.Price()-1)*100)
		} else {
			shifts = append(shifts, 0)
		}

		if back != nil {
			if back, err = prev(back); err != nil {
				back = nil
			}
		}
	}
	return shifts
}

func (n *Node) encodedSize() int {
	size := codec.HeaderSize
	for _, c := range n.children {
		size += c.encodedSize()
	}
	return size
}

// MarshalBinary 先序序列化整棵子树；底层节点的原始报价不写入。
func (n *Node) MarshalBinary() ([]byte, error) {
	if len(n.children) > 255 {
		return nil, fmt.Errorf("market: 节点 %s@%d 子节点过多: %d", n.interval, n.time, len(n.children))
	}
	buf := make([]byte, n.encodedSize())
	n.encodeInto(buf)
	return buf, nil
}

func (n *Node) encodeInto(dst []byte) int {
	codec.PackInto(dst, codec.Record{
		Length:   uint32(n.encodedSize()),
		Children: uint8(len(n.children)),
		Open:     n.open,
		Close:    n.close,
		High:     n.high,
		Low:      n.low,
		Volume:   n.volume,
		Time:     uint64(n.time),
		Interval: uint32(n.interval),
	})

	offset := codec.HeaderSize
	for _, c := range n.children {
		offset += c.encodeInto(dst[offset:])
	}
	return offset
}

// UnmarshalNode 解码一棵完整子树，失败时不返回任何部分结构。
func UnmarshalNode(buf []byte) (*Node, error) {
	rec, err := codec.Unpack(buf)
	if err != nil {
		return nil, err
	}
	if int(rec.Length) > len(buf) {
		return nil, fmt.Errorf("%w: record declares %d bytes, have %d", codec.ErrTruncated, rec.Length, len(buf))
	}

	interval := Interval(rec.Interval)
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: interval %d not in ladder", codec.ErrMalformed, rec.Interval)
	}

	n := &Node{
		interval: interval,
		time:     int64(rec.Time),
		open:     rec.Open,
		close:    rec.Close,
		high:     rec.High,
		low:      rec.Low,
		volume:   rec.Volume,
	}

	if rec.Children > 0 {
		lower, ok := interval.Lower()
		if !ok {
			return nil, fmt.Errorf("%w: bottom interval record declares %d children", codec.ErrMalformed, rec.Children)
		}

		body := buf[:rec.Length]
		offset := codec.HeaderSize
		n.children = make([]*Node, 0, rec.Children)
		for i := 0; i < int(rec.Children); i++ {
			length, err := codec.PeekLength(body[offset:])
			if err != nil {
				return nil, err
			}
			if offset+int(length) > len(body) {
				return nil, fmt.Errorf("%w: child %d overruns parent record", codec.ErrTruncated, i)
			}

			child, err := UnmarshalNode(body[offset : offset+int(length)])
			if err != nil {
				return nil, err
			}
			if child.interval != lower {
				return nil, fmt.Errorf("%w: child interval %s under %s", codec.ErrMalformed, child.interval, interval)
			}
			n.children = append(n.children, child)
			offset += int(length)
		}
		if offset != len(body) {
			return nil, fmt.Errorf("%w: record length %d, children end at %d", codec.ErrMalformed, rec.Length, offset)
		}
	}

	return n, nil
}

// adopt 将子树挂到市场并逐个写入缓存。
func (n *Node) adopt(m *Market) {
	n.market = m
	for _, c := range n.children {
		c.adopt(m)
	}
	m.storeNode(n)
}
