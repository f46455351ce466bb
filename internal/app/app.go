package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	kcfg "kestrel/internal/config"
	"kestrel/internal/logger"
	"kestrel/internal/market"
	"kestrel/internal/session"
	"kestrel/internal/store"
	"kestrel/internal/trader"
	apihttp "kestrel/internal/transport/http/api"
)

// App 负责应用级编排：加载配置→初始化依赖→启动控制面与会话。
type App struct {
	cfg       *kcfg.Config
	scheduler *session.Scheduler
	server    *apihttp.Server

	source      market.Source
	tradeStore  store.TradeStore
	driverClose func() error
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *kcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Scheduler 暴露会话调度器（测试与回放工具使用）。
func (a *App) Scheduler() *session.Scheduler {
	if a == nil {
		return nil
	}
	return a.scheduler
}

// Run 启动控制面 HTTP 服务；配置了策略时自动拉起一个会话。
// ctx 取消后停止会话并强制平仓，然后优雅关闭。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("api server error: %w", err)
		}
		return nil
	})

	if len(a.cfg.Trading.Strategies) > 0 {
		params := a.startParamsFromConfig()
		sess, err := a.scheduler.Start(ctx, params)
		if err != nil {
			logger.Errorf("auto-start session failed: %v", err)
		} else {
			logger.Infof("✓ 会话自动启动: %s", sess.ID)
		}
	} else {
		logger.Infof("no strategies configured, waiting for /api/session/start")
	}

	group.Go(func() error {
		<-ctx.Done()
		if a.scheduler.IsRunning() {
			a.scheduler.Stop(true)
		}
		return nil
	})

	return group.Wait()
}

func (a *App) startParamsFromConfig() session.StartParams {
	cfg := a.cfg
	mode := session.ModePaper
	if parsed, ok := session.ParseMode(cfg.Trading.Mode); ok {
		mode = parsed
	}
	exit := exitConfig(cfg.Exit)
	return session.StartParams{
		Mode:           mode,
		Interval:       cfg.Trading.Interval,
		Strategies:     cfg.Trading.Strategies,
		Direction:      directionFromConfig(cfg.Trading.Direction),
		MarginPerTrade: cfg.Trading.MarginPerTrade,
		Leverage:       cfg.Trading.Leverage,
		MaxOpenTrades:  cfg.Trading.MaxOpenTrades,
		Exit:           &exit,
		CustomSymbols:  cfg.Trading.CustomSymbols,
	}
}

// Close 释放外部资源。重复调用安全。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			logger.Warnf("close market source: %v", err)
		}
		a.source = nil
	}
	if a.tradeStore != nil {
		if err := a.tradeStore.Close(); err != nil {
			logger.Warnf("close trade store: %v", err)
		}
		a.tradeStore = nil
	}
	if a.driverClose != nil {
		if err := a.driverClose(); err != nil {
			logger.Warnf("close backtest cache: %v", err)
		}
		a.driverClose = nil
	}
}

func directionFromConfig(raw string) trader.DirectionFilter {
	switch trader.DirectionFilter(strings.ToLower(strings.TrimSpace(raw))) {
	case trader.DirectionOnlyLongs:
		return trader.DirectionOnlyLongs
	case trader.DirectionOnlyShorts:
		return trader.DirectionOnlyShorts
	default:
		return trader.DirectionBoth
	}
}
