package market

import "histmarket/internal/indexedcsv"

// Quote 是原始价格点与聚合节点共同满足的读取契约。
type Quote interface {
	Time() int64
	Open() float64
	High() float64
	Low() float64
	Close() float64
	Volume() float64
	Price() float64
}

// Candle 为外部推送或回填得到的一根原始K线，Price 为 0 表示未直接给出。
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Price  float64
}

// Point 是从 CSV 读取的一条原始价格，创建后不再修改。
type Point struct {
	market *Market

	time   int64
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
	valid  bool
}

// 表头缺失时按位置回退。
const (
	colTime = iota
	colOpen
	colHigh
	colLow
	colClose
	colVolume
)

func pointFromRow(m *Market, row indexedcsv.Row) *Point {
	p := &Point{market: m}

	ts, ok := row.Float("time", colTime)
	if !ok {
		return p
	}
	p.time = int64(ts)
	p.valid = true

	p.open, _ = row.Float("open", colOpen)
	p.high, _ = row.Float("high", colHigh)
	p.low, _ = row.Float("low", colLow)
	p.close, _ = row.Float("close", colClose)
	p.volume, _ = row.Float("volume", colVolume)
	return p
}

func pointFromCandle(m *Market, c Candle) *Point {
	return &Point{
		market: m,
		time:   c.Time,
		open:   c.Open,
		high:   c.High,
		low:    c.Low,
		close:  c.Close,
		volume: c.Volume,
		valid:  true,
	}
}

// Valid 表示时间字段是否为数值。
func (p *Point) Valid() bool { return p.valid }

func (p *Point) Time() int64     { return p.time }
func (p *Point) Open() float64   { return p.open }
func (p *Point) High() float64   { return p.high }
func (p *Point) Low() float64    { return p.low }
func (p *Point) Close() float64  { return p.close }
func (p *Point) Volume() float64 { return p.volume }

// Price 以开盘价作为原始点的代表价格。
func (p *Point) Price() float64 { return p.open }

// CombinedPrice 返回覆盖该点的指定周期聚合节点。
func (p *Point) CombinedPrice(interval Interval) (*Node, error) {
	if p.market == nil {
		return nil, nil
	}
	return p.market.CombinedPrice(p.time, interval)
}
