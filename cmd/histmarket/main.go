package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"histmarket/internal/app"
	"histmarket/internal/config"
	"histmarket/internal/log"
	"histmarket/internal/store"
)

const usage = `用法: histmarket [-config path] <command> [args]

命令:
  serve                              加载配置中的全部市场，定时刷新并提供查询接口（默认）
  cachecsv <csv> [maxWeeks] [fromTime]  将 CSV 逐周聚合后保存为同名 .dat
  refreshdat <dat> <symbol>          从交易所补齐 dat 至当前，完整时另存为 *_updated.dat
  refreshall                         刷新配置中的全部市场并原地保存
  testdat <dat>                      检查 dat 文件的完整性
`

func main() {
	var (
		configPath string
		noHeader   bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.BoolVar(&noHeader, "no-header", false, "cachecsv 的 CSV 没有表头")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg, err := loadConfig(configPath, command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	histApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, histApp, command, args, !noHeader); err != nil {
		logger.Error("命令执行失败", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("已安全退出", zap.String("command", command))
}

func run(ctx context.Context, a *app.App, command string, args []string, hasHeader bool) error {
	switch command {
	case "serve":
		return a.Run(ctx)
	case "cachecsv":
		if len(args) < 1 {
			return errors.New("cachecsv 需要 CSV 路径")
		}
		maxWeeks, err := optionalInt(args, 1)
		if err != nil {
			return fmt.Errorf("maxWeeks: %w", err)
		}
		fromTime, err := optionalInt(args, 2)
		if err != nil {
			return fmt.Errorf("fromTime: %w", err)
		}
		_, err = a.CacheCSV(ctx, args[0], hasHeader, int(maxWeeks), fromTime)
		return err
	case "refreshdat":
		if len(args) < 2 {
			return errors.New("refreshdat 需要 dat 路径与交易对")
		}
		_, err := a.RefreshDat(ctx, args[0], args[1])
		return err
	case "refreshall":
		_, err := a.RefreshAll(ctx)
		return err
	case "testdat":
		if len(args) < 1 {
			return errors.New("testdat 需要 dat 路径")
		}
		report, err := a.TestDat(args[0])
		if err != nil {
			return err
		}
		if !report.OK() {
			return fmt.Errorf("时间点数量不一致: expected=%d cached=%d walked=%d missing=%d",
				report.ExpectedPoints, report.CachedPoints, report.Walked, report.Missing)
		}
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("未知命令 %q", command)
	}
}

// loadConfig 读取配置文件。离线命令在未指定且缺少默认配置文件时使用默认值和内存数据库。
func loadConfig(path, command string) (*config.Config, error) {
	offline := command == "cachecsv" || command == "testdat" || command == "refreshdat"
	if path == "" && offline {
		if _, err := os.Stat("configs/config.yaml"); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			cfg.Database.InMemory = true
			return cfg, nil
		}
	}
	return config.Load(path)
}

func optionalInt(args []string, i int) (int64, error) {
	if len(args) <= i || args[i] == "" {
		return 0, nil
	}
	return strconv.ParseInt(args[i], 10, 64)
}
