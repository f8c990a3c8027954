package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"histmarket/internal/config"
	"histmarket/internal/indexedcsv"
	"histmarket/internal/log"
	"histmarket/internal/market"
	"histmarket/internal/monitor"
)

// tracked 为服务模式下的一个交易对。jobMu 串行化同一交易对的刷新与保存。
type tracked struct {
	cfg    config.MarketConfig
	market *market.Market
	logger *zap.Logger

	jobMu sync.Mutex
}

// RefreshReport 汇总一次刷新。
type RefreshReport struct {
	Symbol    string
	RunID     string
	Backfill  market.BackfillResult
	Recent    int
	Older     int
	TopLevel  int
	Integrity error
	Saved     string
}

func (a *App) newMarket(symbol string, opts ...market.Option) *market.Market {
	base := []market.Option{
		market.WithLogger(log.ForMarket(a.logger, symbol)),
		market.WithRawStep(a.cfg.Cache.RawStep.Milliseconds()),
		market.WithRawCacheCapacity(a.cfg.Cache.RawCacheCapacity),
		market.WithStrictAggregation(a.cfg.Cache.Strict),
		market.WithHooks(a.metrics.Hooks(symbol)),
		market.WithClock(a.now),
	}
	return market.New(append(base, opts...)...)
}

// track 构建交易对缓存：存在 dat 文件时加载，配置了 CSV 时作为原始价格来源，否则停用 CSV。
func (a *App) track(ctx context.Context, mc config.MarketConfig) (*tracked, error) {
	if t, ok := a.markets[mc.Symbol]; ok {
		return t, nil
	}

	var opts []market.Option
	if mc.CSV != "" {
		opts = append(opts, market.WithSource(indexedcsv.Open(mc.CSV, mc.CSVHeader)))
	}
	m := a.newMarket(mc.Symbol, opts...)
	if mc.CSV == "" {
		m.DisableCSV()
	}

	t := &tracked{cfg: mc, market: m, logger: log.ForMarket(a.logger, mc.Symbol)}
	if err := a.load(ctx, t, mc.Dat, ""); err != nil {
		return nil, err
	}

	a.markets[mc.Symbol] = t
	a.order = append(a.order, mc.Symbol)
	return t, nil
}

// load 读取 dat 文件。文件不存在时从空缓存开始。
func (a *App) load(ctx context.Context, t *tracked, path, runID string) error {
	started := a.now()
	n, err := t.market.ReadFromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.logger.Warn("dat 文件不存在，从空缓存开始", zap.String("path", path))
			return nil
		}
		a.monitor.RecordError(ctx, t.cfg.Symbol, "加载 dat 失败", err, map[string]interface{}{"path": path})
		return fmt.Errorf("加载 %s 失败: %w", t.cfg.Symbol, err)
	}

	payload := monitor.DatPayload{
		Path:     path,
		TopLevel: n,
		Points:   t.market.MinIntervalPointsCount(),
	}
	payload.StartTime, _ = t.market.StartTime()
	payload.EndTime, _ = t.market.EndTime()
	a.monitor.RecordDatLoaded(ctx, t.cfg.Symbol, runID, payload)

	t.logger.Info("dat 文件已加载",
		zap.String("path", path),
		zap.Int("top_level", n),
		zap.Int64("end_time", payload.EndTime),
		zap.Duration("elapsed", a.now().Sub(started)),
	)
	return nil
}

// refresh 从交易所回填至当前时间，填补近期与历史缺口后检查完整性。
// 单个步骤失败只记录事件，不中断后续步骤；仅 ctx 取消时返回错误。
func (a *App) refresh(ctx context.Context, t *tracked) (RefreshReport, error) {
	t.jobMu.Lock()
	defer t.jobMu.Unlock()

	symbol := t.cfg.Symbol
	report := RefreshReport{Symbol: symbol, RunID: monitor.NewRunID()}
	started := a.now()
	logger := t.logger.With(zap.String("run_id", report.RunID))

	res, err := t.market.Backfill(ctx, a.source, symbol, a.now(), market.BackfillOptions{
		Concurrency: a.cfg.Backfill.Concurrency,
		Window:      a.cfg.Backfill.Window,
		Lookback:    a.cfg.Backfill.Lookback,
		BatchDelay:  a.cfg.Backfill.BatchDelay,
	})
	report.Backfill = res
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		logger.Warn("回填失败", zap.Error(err))
		a.metrics.RefreshFailed(symbol, "backfill")
		a.monitor.RecordError(ctx, symbol, "回填失败", err, map[string]interface{}{"run_id": report.RunID})
	} else {
		a.monitor.RecordBackfill(ctx, symbol, report.RunID, monitor.BackfillPayload{
			From:    res.From,
			To:      res.To,
			Batches: res.Batches,
			Pushed:  res.Pushed,
		})
	}

	if report.Recent, err = t.market.FillGaps(a.cfg.Gaps.RecentWindow); err != nil {
		logger.Warn("填补近期缺口失败", zap.Error(err))
		a.metrics.RefreshFailed(symbol, "fill_gaps")
	}
	if a.cfg.Gaps.FillOlder {
		if report.Older, err = t.market.FillOlderGaps(); err != nil {
			logger.Warn("修补历史缺口失败", zap.Error(err))
			a.metrics.RefreshFailed(symbol, "fill_older_gaps")
		}
	}
	a.monitor.RecordGapFill(ctx, symbol, report.RunID, monitor.GapFillPayload{Recent: report.Recent, Older: report.Older})

	report.Integrity = t.market.CheckIntegrity()
	report.TopLevel = len(t.market.TopLevel())
	a.monitor.RecordIntegrity(ctx, symbol, report.RunID, report.Integrity)
	a.metrics.ObserveRefresh(symbol, started, report.TopLevel, report.Integrity)

	logger.Info("刷新完成",
		zap.Int("pushed", res.Pushed),
		zap.Int("recent_filled", report.Recent),
		zap.Int("older_filled", report.Older),
		zap.Int("top_level", report.TopLevel),
		zap.Bool("integrity_ok", report.Integrity == nil),
	)
	return report, nil
}

// save 在完整性检查通过时把缓存写回 dat 文件，path 为空时写回配置的路径。
func (a *App) save(ctx context.Context, t *tracked, path string) (string, error) {
	t.jobMu.Lock()
	defer t.jobMu.Unlock()
	return a.saveLocked(ctx, t, path, "")
}

func (a *App) saveLocked(ctx context.Context, t *tracked, path, runID string) (string, error) {
	if path == "" {
		path = t.cfg.Dat
	}
	if err := t.market.CheckIntegrity(); err != nil {
		t.logger.Warn("完整性检查未通过，跳过保存", zap.String("path", path), zap.Error(err))
		return "", err
	}

	n, err := t.market.SaveToFile(path)
	if err != nil {
		a.monitor.RecordError(ctx, t.cfg.Symbol, "保存 dat 失败", err, map[string]interface{}{"path": path})
		return "", err
	}

	payload := monitor.DatPayload{Path: path, TopLevel: n, Points: t.market.MinIntervalPointsCount()}
	payload.StartTime, _ = t.market.StartTime()
	payload.EndTime, _ = t.market.EndTime()
	a.monitor.RecordDatSaved(ctx, t.cfg.Symbol, runID, payload)
	return path, nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
