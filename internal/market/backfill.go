package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CandleSource 按时间区间 [from, to) 拉取底层周期K线。
type CandleSource interface {
	FetchCandles(ctx context.Context, symbol string, from, to int64) ([]Candle, error)
}

// BackfillOptions 控制回填批次，零值字段使用默认值。
type BackfillOptions struct {
	Concurrency int
	Window      time.Duration
	Lookback    time.Duration
	BatchDelay  time.Duration
}

func (o BackfillOptions) withDefaults() BackfillOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Window <= 0 {
		o.Window = 24 * time.Hour
	}
	if o.Lookback <= 0 {
		o.Lookback = 8 * 24 * time.Hour
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	return o
}

// BackfillResult 汇总一次回填。
type BackfillResult struct {
	From    int64
	To      int64
	Batches int
	Pushed  int
}

// Backfill 从 EndTime-Lookback 拉取到 now 为止的K线。每批最多 Concurrency 个互不重叠的时间窗口并发拉取，
// 全部返回后按时间顺序逐根推送；批次之间等待 BatchDelay 以遵守交易所限频。
func (m *Market) Backfill(ctx context.Context, src CandleSource, symbol string, now time.Time, opts BackfillOptions) (BackfillResult, error) {
	opts = opts.withDefaults()

	end, ok := m.EndTime()
	if !ok {
		return BackfillResult{}, fmt.Errorf("market: 缓存为空，无法确定回填起点: %w", ErrNoData)
	}

	res := BackfillResult{From: end - opts.Lookback.Milliseconds(), To: now.UnixMilli()}
	window := opts.Window.Milliseconds()

	for from := res.From; from < res.To; {
		var starts []int64
		for i := 0; i < opts.Concurrency && from < res.To; i++ {
			starts = append(starts, from)
			from += window
		}

		batches := make([][]Candle, len(starts))
		g, gctx := errgroup.WithContext(ctx)
		for i, start := range starts {
			g.Go(func() error {
				candles, err := src.FetchCandles(gctx, symbol, start, start+window)
				if err != nil {
					return fmt.Errorf("market: 拉取 %s [%d, %d) 失败: %w", symbol, start, start+window, err)
				}
				batches[i] = candles
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}

		var items []Candle
		for _, b := range batches {
			items = append(items, b...)
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].Time < items[j].Time })

		for _, c := range items {
			if _, err := m.PushCandle(c); err != nil {
				return res, err
			}
		}
		res.Batches++
		res.Pushed += len(items)

		m.logger.Debug("回填批次完成",
			zap.String("symbol", symbol),
			zap.Int("windows", len(starts)),
			zap.Int("candles", len(items)),
		)

		if from < res.To && opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.BatchDelay):
			}
		}
	}

	m.logger.Info("回填完成",
		zap.String("symbol", symbol),
		zap.Int("batches", res.Batches),
		zap.Int("pushed", res.Pushed),
	)
	return res, nil
}
