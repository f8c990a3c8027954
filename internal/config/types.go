package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Markets   []MarketConfig  `mapstructure:"markets"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	Gaps      GapsConfig      `mapstructure:"gaps"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// MarketConfig 描述一个交易对对应的 dat 缓存与可选的原始 CSV。
type MarketConfig struct {
	Symbol    string `mapstructure:"symbol"`
	Dat       string `mapstructure:"dat"`
	CSV       string `mapstructure:"csv"`
	CSVHeader bool   `mapstructure:"csv_header"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	PageLimit  int64       `mapstructure:"page_limit"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CacheConfig 控制聚合缓存。
type CacheConfig struct {
	RawStep          time.Duration `mapstructure:"raw_step"`
	RawCacheCapacity int           `mapstructure:"raw_cache_capacity"`
	Strict           bool          `mapstructure:"strict"`
}

// BackfillConfig 控制从交易所补齐历史K线。
type BackfillConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Window      time.Duration `mapstructure:"window"`
	Lookback    time.Duration `mapstructure:"lookback"`
	BatchDelay  time.Duration `mapstructure:"batch_delay"`
}

// GapsConfig 控制缺口填补范围。
type GapsConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
	FillOlder    bool          `mapstructure:"fill_older"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 使用 cron 表达式安排刷新与保存。
type SchedulerConfig struct {
	RefreshSpec string `mapstructure:"refresh_spec"`
	SaveSpec    string `mapstructure:"save_spec"`
}

// ServerConfig 控制只读查询与指标 HTTP 服务。
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Market 按交易对查找配置。
func (c *Config) Market(symbol string) (MarketConfig, bool) {
	for _, m := range c.Markets {
		if m.Symbol == symbol {
			return m, true
		}
	}
	return MarketConfig{}, false
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" {
			err = multierr.Append(err, fmt.Errorf("markets[%d].symbol 不能为空", i))
		}
		if m.Dat == "" {
			err = multierr.Append(err, fmt.Errorf("markets[%d].dat 不能为空", i))
		}
		if seen[m.Symbol] {
			err = multierr.Append(err, fmt.Errorf("markets[%d].symbol %q 重复", i, m.Symbol))
		}
		seen[m.Symbol] = true
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.PageLimit <= 0 {
		err = multierr.Append(err, errors.New("exchange.page_limit 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Cache.RawStep <= 0 || (5*time.Minute)%c.Cache.RawStep != 0 {
		err = multierr.Append(err, errors.New("cache.raw_step 必须为正且整除 5m"))
	}
	if c.Cache.RawCacheCapacity <= 0 {
		err = multierr.Append(err, errors.New("cache.raw_cache_capacity 必须大于0"))
	}
	if c.Backfill.Concurrency <= 0 {
		err = multierr.Append(err, errors.New("backfill.concurrency 必须大于0"))
	}
	if c.Backfill.Window <= 0 {
		err = multierr.Append(err, errors.New("backfill.window 必须大于0"))
	}
	if c.Backfill.Lookback < 0 || c.Backfill.BatchDelay < 0 {
		err = multierr.Append(err, errors.New("backfill.lookback 与 batch_delay 不能为负"))
	}
	if c.Gaps.RecentWindow <= 0 {
		err = multierr.Append(err, errors.New("gaps.recent_window 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.RefreshSpec == "" {
		err = multierr.Append(err, errors.New("scheduler.refresh_spec 不能为空"))
	}
	if c.Scheduler.SaveSpec == "" {
		err = multierr.Append(err, errors.New("scheduler.save_spec 不能为空"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		err = multierr.Append(err, errors.New("server.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
