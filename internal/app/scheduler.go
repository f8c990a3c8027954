package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger 把 cron 的日志接到 zap。
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// newScheduler 注册刷新与保存任务。上一轮尚未结束时跳过本轮。
func (a *App) newScheduler(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{sugar: a.logger.Named("scheduler").Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(a.cfg.Scheduler.RefreshSpec, func() { a.refreshAll(ctx) }); err != nil {
		return nil, fmt.Errorf("注册刷新任务失败: %w", err)
	}
	if _, err := c.AddFunc(a.cfg.Scheduler.SaveSpec, func() { a.saveAll(ctx) }); err != nil {
		return nil, fmt.Errorf("注册保存任务失败: %w", err)
	}

	a.logger.Info("调度已注册",
		zap.String("refresh", a.cfg.Scheduler.RefreshSpec),
		zap.String("save", a.cfg.Scheduler.SaveSpec),
	)
	return c, nil
}
