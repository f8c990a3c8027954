package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"histmarket/internal/config"
	"histmarket/internal/indexedcsv"
	"histmarket/internal/log"
	"histmarket/internal/market"
)

// CacheReport 汇总一次 CSV 到 dat 的转换。
type CacheReport struct {
	Output string
	Built  int
	Saved  int
}

// CacheCSV 读取 CSV 逐周构建顶层节点并保存到同名 .dat 文件。
// fromTime 不大于当前秒级时间戳时按秒解释，否则按毫秒；0 表示从头开始。
func (a *App) CacheCSV(ctx context.Context, csvPath string, hasHeader bool, maxWeeks int, fromTime int64) (CacheReport, error) {
	report := CacheReport{Output: strings.TrimSuffix(csvPath, ".csv") + ".dat"}
	if report.Output == csvPath {
		report.Output = csvPath + ".dat"
	}

	if fromTime > 0 && fromTime <= a.now().Unix() {
		fromTime *= 1000
	}

	src := indexedcsv.Open(csvPath, hasHeader)
	defer src.Close()

	a.logger.Info("开始缓存 CSV",
		zap.String("csv", csvPath),
		zap.String("output", report.Output),
		zap.Int("max_weeks", maxWeeks),
		zap.Int64("from_time", fromTime),
	)
	if err := src.PrepareMemory(); err != nil {
		return report, fmt.Errorf("读取 CSV 失败: %w", err)
	}

	m := a.newMarket(csvPath, market.WithSource(src))
	built, err := m.PrepareFromSource(ctx, maxWeeks, fromTime)
	report.Built = built
	if err != nil {
		return report, fmt.Errorf("构建缓存失败: %w", err)
	}

	if report.Saved, err = m.SaveToFile(report.Output); err != nil {
		return report, err
	}
	a.logger.Info("CSV 已缓存，可用 testdat 检查结果", zap.Int("built", built), zap.Int("saved", report.Saved))
	return report, nil
}

// RefreshDat 加载 dat 文件，从交易所补齐至当前并填补缺口；完整性通过时保存为 *_updated.dat。
func (a *App) RefreshDat(ctx context.Context, datPath, symbol string) (RefreshReport, error) {
	m := a.newMarket(symbol)
	m.DisableCSV()
	t := &tracked{
		cfg:    config.MarketConfig{Symbol: symbol, Dat: datPath},
		market: m,
		logger: log.ForMarket(a.logger, symbol),
	}
	if _, err := m.ReadFromFile(datPath); err != nil {
		return RefreshReport{Symbol: symbol}, err
	}

	report, err := a.refresh(ctx, t)
	if err != nil {
		return report, err
	}
	if report.Integrity != nil {
		return report, report.Integrity
	}

	out := strings.TrimSuffix(datPath, ".dat") + "_updated.dat"
	if report.Saved, err = a.saveLocked(ctx, t, out, report.RunID); err != nil {
		return report, err
	}
	return report, nil
}

// RefreshAll 刷新配置中的全部市场并原地保存，返回完整性未通过的交易对。
func (a *App) RefreshAll(ctx context.Context) ([]RefreshReport, error) {
	reports := make([]RefreshReport, 0, len(a.cfg.Markets))
	var failed []string
	for _, mc := range a.cfg.Markets {
		t, err := a.track(ctx, mc)
		if err != nil {
			return reports, err
		}
		report, err := a.refresh(ctx, t)
		if err != nil {
			return reports, err
		}
		if report.Integrity == nil {
			report.Saved, err = a.save(ctx, t, "")
			if err != nil {
				return reports, err
			}
		} else {
			failed = append(failed, mc.Symbol)
		}
		reports = append(reports, report)
	}
	if len(failed) > 0 {
		return reports, fmt.Errorf("%w: %s", market.ErrIntegrity, strings.Join(failed, ", "))
	}
	return reports, nil
}

// TestReport 为 dat 文件自检结果。
type TestReport struct {
	Start, End     int64
	ExpectedPoints int
	CachedPoints   int
	Walked         int
	Missing        int
	NotFull        []int64
	TopLevel       int
	PriceOnStart   float64
	PriceOnEnd     float64
	Elapsed        time.Duration
}

// OK 在逐点遍历数、期望数与缓存的底层节点数一致时成立。
func (r TestReport) OK() bool {
	return r.Walked == r.ExpectedPoints && r.Walked == r.CachedPoints && r.Missing == 0
}

// TestDat 加载 dat 文件并逐个底层周期读取价格，核对点数与顶层完整性。
func (a *App) TestDat(datPath string) (TestReport, error) {
	var report TestReport

	m := a.newMarket(datPath)
	m.DisableCSV()
	if _, err := m.ReadFromFile(datPath); err != nil {
		return report, err
	}

	var ok bool
	if report.Start, ok = m.StartTime(); !ok {
		return report, fmt.Errorf("%s 为空: %w", datPath, market.ErrNoData)
	}
	report.End, _ = m.EndTime()

	step := int64(market.Bottom)
	report.ExpectedPoints = int((report.End-report.Start)/step) + 1
	report.CachedPoints = m.MinIntervalPointsCount()

	top := m.TopLevel()
	report.TopLevel = len(top)
	for _, n := range top {
		if !n.IsFull() {
			report.NotFull = append(report.NotFull, n.Time())
		}
	}

	started := a.now()
	for t := report.Start; t <= report.End; t += step {
		q, err := m.PriceAt(t)
		if err != nil && !errors.Is(err, market.ErrNoData) {
			return report, err
		}
		if q == nil {
			report.Missing++
		} else {
			if t == report.Start {
				report.PriceOnStart = q.Price()
			}
			report.PriceOnEnd = q.Price()
		}
		report.Walked++
	}
	report.Elapsed = a.now().Sub(started)

	a.logger.Info("dat 自检完成",
		zap.String("path", datPath),
		zap.Time("start", msToTime(report.Start)),
		zap.Time("end", msToTime(report.End)),
		zap.Int("expected_points", report.ExpectedPoints),
		zap.Int("cached_points", report.CachedPoints),
		zap.Int("walked", report.Walked),
		zap.Int("missing", report.Missing),
		zap.Int("not_full", len(report.NotFull)),
		zap.Float64("price_on_start", report.PriceOnStart),
		zap.Float64("price_on_end", report.PriceOnEnd),
		zap.Bool("ok", report.OK()),
	)
	return report, nil
}
