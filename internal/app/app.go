package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"histmarket/internal/config"
	"histmarket/internal/exchange"
	"histmarket/internal/indicator"
	"histmarket/internal/market"
	"histmarket/internal/metrics"
	"histmarket/internal/monitor"
	"histmarket/internal/store"
)

// App 聚合核心依赖并驱动缓存维护的生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	monitor *monitor.Service
	metrics *metrics.Metrics
	calc    *indicator.Calculator
	source  market.CandleSource
	now     func() time.Time

	markets map[string]*tracked
	order   []string
}

// Option 调整 App 的依赖。
type Option func(*App)

// WithCandleSource 替换默认的交易所K线来源。
func WithCandleSource(src market.CandleSource) Option {
	return func(a *App) { a.source = src }
}

// WithClock 替换当前时间来源。
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		monitor: monitorSvc,
		metrics: metrics.New(),
		calc:    indicator.NewCalculator(),
		now:     time.Now,
		markets: make(map[string]*tracked, len(cfg.Markets)),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.source == nil {
		client, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
		if err != nil {
			return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
		}
		a.source = client
	}

	return a, nil
}

// Run 加载全部配置的市场，完成首次刷新后按 cron 计划刷新与保存，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("历史行情缓存服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Int("markets", len(a.cfg.Markets)),
	)

	if len(a.cfg.Markets) == 0 {
		return errors.New("未配置任何市场")
	}

	for _, mc := range a.cfg.Markets {
		if _, err := a.track(ctx, mc); err != nil {
			return err
		}
	}

	a.refreshAll(ctx)

	sched, err := a.newScheduler(ctx)
	if err != nil {
		return err
	}
	sched.Start()

	if a.cfg.Server.Enabled {
		if err := a.startServer(ctx); err != nil {
			stopCtx := sched.Stop()
			<-stopCtx.Done()
			return err
		}
	}

	<-ctx.Done()
	a.logger.Info("系统收到退出信号，正在停止")

	stopCtx := sched.Stop()
	<-stopCtx.Done()

	// 退出前保存一次；ctx 已取消，使用独立的上下文记录事件。
	a.saveAll(context.Background())

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}

// Market 返回已加载的交易对缓存。
func (a *App) Market(symbol string) (*market.Market, bool) {
	t, ok := a.markets[symbol]
	if !ok {
		return nil, false
	}
	return t.market, true
}

func (a *App) refreshAll(ctx context.Context) {
	for _, symbol := range a.order {
		if ctx.Err() != nil {
			return
		}
		if _, err := a.refresh(ctx, a.markets[symbol]); err != nil {
			a.logger.Error("刷新失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (a *App) saveAll(ctx context.Context) {
	for _, symbol := range a.order {
		if _, err := a.save(ctx, a.markets[symbol], ""); err != nil {
			a.logger.Error("保存失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}
