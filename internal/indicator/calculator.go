package indicator

import (
	"errors"
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"histmarket/internal/market"
)

// MinCandles 为计算全部指标所需的最少节点数。
const MinCandles = 60

// ErrInsufficientData 表示节点数量不足以计算指标。
var ErrInsufficientData = errors.New("indicator: 节点数量不足")

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64 `json:"value"`
	Signal        float64 `json:"signal"`
	Histogram     float64 `json:"histogram"`
	PrevHistogram float64 `json:"prev_histogram"`
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Bandwidth float64 `json:"bandwidth"`
	Position  float64 `json:"position"`
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64 `json:"absolute"`
	Relative     float64 `json:"relative"`
	PrevAbsolute float64 `json:"prev_absolute"`
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64 `json:"current"`
	Average20 float64 `json:"average20"`
	Ratio     float64 `json:"ratio"`
}

// Result 为一次指标计算的汇总。
type Result struct {
	Symbol        string          `json:"symbol"`
	Interval      market.Interval `json:"-"`
	Timeframe     string          `json:"timeframe"`
	Series        Series          `json:"-"`
	Complete      bool            `json:"complete"`
	EMA12         float64         `json:"ema12"`
	EMA26         float64         `json:"ema26"`
	EMA50         float64         `json:"ema50"`
	MACD          MACDResult      `json:"macd"`
	Bollinger     BollingerResult `json:"bollinger"`
	RSI           float64         `json:"rsi"`
	ATR           ATRResult       `json:"atr"`
	ADX           float64         `json:"adx"`
	Volume        VolumeResult    `json:"volume"`
	Close         float64         `json:"close"`
	PreviousClose float64         `json:"previous_close"`
	Price         float64         `json:"price"`
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供技术指标计算并带有简单缓存。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据同一周期的连续节点快照计算常用技术指标。最后一个节点的收盘价与成交量
// 参与缓存键，因此推送新K线后同一时间点会重新计算。
func (c *Calculator) Compute(symbol string, interval market.Interval, candles []market.Snapshot) (Result, error) {
	if len(candles) < MinCandles {
		return Result{}, fmt.Errorf("%w: %s %s 需要 %d 个，实际 %d 个", ErrInsufficientData, symbol, interval, MinCandles, len(candles))
	}

	series := NewSeries(candles)
	last := candles[len(candles)-1]
	slot := symbol + "/" + interval.String()
	cacheKey := fmt.Sprintf("%d:%d:%g:%g", series.Len(), last.Time, last.Close, last.Volume)

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result, err := c.calculate(interval, series)
	if err != nil {
		return Result{}, err
	}
	result.Symbol = symbol

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(interval market.Interval, series Series) (Result, error) {
	closePrices := series.Close
	highs := series.High
	lows := series.Low
	volumes := series.Volume

	ema12 := talib.Ema(closePrices, 12)
	ema26 := talib.Ema(closePrices, 26)
	ema50 := talib.Ema(closePrices, 50)

	macd, macdSignal, macdHist := talib.Macd(closePrices, 12, 26, 9)

	bbUpper, bbMiddle, bbLower := talib.BBands(closePrices, 20, 2, 2, talib.EMA)

	rsi := talib.Rsi(closePrices, 14)

	atr := talib.Atr(highs, lows, closePrices, 14)

	adx := talib.Adx(highs, lows, closePrices, 14)

	volumeAvg20 := average(SliceTail(volumes, 20))
	volumeCurrent := Last(volumes)
	volumeRatio := SafeDivide(volumeCurrent, volumeAvg20)

	lastClose := Last(closePrices)
	prevClose := Prev(closePrices)

	atrAbs := Last(atr)
	prevAtr := Prev(atr)
	atrRel := SafeDivide(atrAbs, lastClose)

	bollinger := buildBollinger(closePrices, bbUpper, bbMiddle, bbLower)

	if math.IsNaN(lastClose) || lastClose == 0 {
		return Result{}, fmt.Errorf("indicator: %s 最新收盘价无效", interval)
	}

	result := Result{
		Interval:      interval,
		Timeframe:     interval.String(),
		Series:        series,
		Complete:      series.Complete(),
		EMA12:         Last(ema12),
		EMA26:         Last(ema26),
		EMA50:         Last(ema50),
		MACD:          buildMACD(macd, macdSignal, macdHist),
		Bollinger:     bollinger,
		RSI:           Last(rsi),
		ATR:           ATRResult{Absolute: atrAbs, Relative: atrRel, PrevAbsolute: prevAtr},
		ADX:           Last(adx),
		Volume:        VolumeResult{Current: volumeCurrent, Average20: volumeAvg20, Ratio: volumeRatio},
		Close:         lastClose,
		PreviousClose: prevClose,
		Price:         Last(series.Price),
	}

	return result, nil
}

func buildMACD(macd, signal, hist []float64) MACDResult {
	return MACDResult{
		Value:         Last(macd),
		Signal:        Last(signal),
		Histogram:     Last(hist),
		PrevHistogram: Prev(hist),
	}
}

func buildBollinger(close, upper, middle, lower []float64) BollingerResult {
	u := Last(upper)
	m := Last(middle)
	l := Last(lower)
	histWidth := u - l
	bandwidth := SafeDivide(histWidth, m)

	position := 0.0
	if histWidth > 0 {
		position = SafeDivide(Last(close)-l, histWidth)
	}

	// 将位置限制在[0,1]区间，便于后续使用。
	position = math.Max(0, math.Min(1, position))

	return BollingerResult{
		Upper:     u,
		Middle:    m,
		Lower:     l,
		Bandwidth: bandwidth,
		Position:  position,
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
