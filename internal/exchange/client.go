package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"histmarket/internal/config"
	"histmarket/internal/market"
)

// defaultPageLimit 为单次 FetchOHLCV 请求的最大K线数。
const defaultPageLimit int64 = 300

// ohlcvAPI 为底层交易所接口的最小子集。
type ohlcvAPI interface {
	loadMarkets() error
	fetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error)
}

type binanceAPI struct {
	ex *ccxt.Binanceusdm
}

func (a binanceAPI) loadMarkets() error {
	_, err := a.ex.LoadMarkets()
	return err
}

func (a binanceAPI) fetchOHLCV(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
	return a.ex.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVSince(since),
		ccxt.WithFetchOHLCVLimit(limit),
	)
}

// Client 负责从交易所分页拉取历史K线并实现重试机制。
type Client struct {
	cfg       config.ExchangeConfig
	logger    *zap.Logger
	api       ohlcvAPI
	timeframe market.Interval

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ market.CandleSource = (*Client)(nil)

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name := strings.ToLower(cfg.Name); name != "" && name != "binanceusdm" {
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(cfg, binanceAPI{ex: ex}, logger), nil
}

func newClient(cfg config.ExchangeConfig, api ohlcvAPI, logger *zap.Logger) *Client {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		api:       api,
		timeframe: market.Bottom,
	}
}

// FetchCandles 拉取 [from, to) 内的底层周期K线，按 PageLimit 分页直到覆盖区间。
func (c *Client) FetchCandles(ctx context.Context, symbol string, from, to int64) ([]market.Candle, error) {
	if to <= from {
		return nil, nil
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	step := c.timeframe.Duration().Milliseconds()
	timeframe := c.timeframe.String()
	candles := make([]market.Candle, 0, (to-from)/step+1)

	since := from
	for since < to {
		var page []ccxt.OHLCV
		err := c.callWithRetry(ctx, fmt.Sprintf("fetch_ohlcv_%s", timeframe), func() error {
			result, err := c.api.fetchOHLCV(symbol, timeframe, since, c.cfg.PageLimit)
			if err != nil {
				return err
			}
			page = result
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		last := since
		for _, item := range page {
			if item.Timestamp < since || item.Timestamp >= to {
				continue
			}
			candles = append(candles, toCandle(item))
			last = item.Timestamp
		}

		next := page[len(page)-1].Timestamp + step
		if next <= since || int64(len(page)) < c.cfg.PageLimit {
			break
		}
		since = next

		c.logger.Debug("K线分页拉取",
			zap.String("symbol", symbol),
			zap.Int64("last", last),
			zap.Int("count", len(candles)),
		)
	}

	return candles, nil
}

func toCandle(item ccxt.OHLCV) market.Candle {
	return market.Candle{
		Time:   item.Timestamp,
		Open:   item.Open,
		High:   item.High,
		Low:    item.Low,
		Close:  item.Close,
		Volume: item.Volume,
	}
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.api.loadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if ccxtErr.Type == ccxt.OnMaintenanceErrType {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		}
		return err, IsRetryable(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
