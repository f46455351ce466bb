package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kestrel/internal/backtest"
	kcfg "kestrel/internal/config"
	cfgloader "kestrel/internal/config/loader"
	"kestrel/internal/gateway/binance"
	"kestrel/internal/logger"
	"kestrel/internal/market"
	"kestrel/internal/session"
	"kestrel/internal/store"
	"kestrel/internal/store/sqlite"
	"kestrel/internal/trader"
	apihttp "kestrel/internal/transport/http/api"
)

type AppBuilder struct {
	cfg *kcfg.Config

	sourceFn   func(*kcfg.Config) (market.Source, error)
	storeFn    func(*kcfg.Config) (store.TradeStore, error)
	profilesFn func(*kcfg.Config) (*cfgloader.Registry, error)
	driverFn   func(*kcfg.Config) (session.BacktestDriver, func() error, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *kcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		sourceFn:   buildMarketSource,
		storeFn:    buildTradeStore,
		profilesFn: buildProfileRegistry,
		driverFn:   buildBacktestDriver,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	source, err := b.sourceFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build market source: %w", err)
	}

	tradeStore, err := b.storeFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build trade store: %w", err)
	}
	if tradeStore != nil {
		logger.Infof("✓ 交易存储就绪: %s", cfg.Store.Path)
	}

	profiles, err := b.profilesFn(cfg)
	if err != nil {
		// 画像文件缺失不挡启动，离场参数回落到 [exit] 配置段
		logger.Warnf("risk profile registry unavailable: %v", err)
		profiles = nil
	}

	var recorder trader.Recorder
	if tradeStore != nil {
		recorder = tradeStore
	}
	manager := trader.NewManager(managerConfig(cfg), recorder)
	if profiles != nil && strings.TrimSpace(cfg.Risk.ActiveProfile) != "" {
		bindActiveProfile(profiles, manager, cfg.Risk.ActiveProfile)
	}

	fetcher := market.NewSnapshotFetcher(market.SnapshotFetcherConfig{
		Source:      source,
		Concurrency: cfg.Market.SnapshotConcurrency,
		HardCap:     cfg.Market.BarHardCap,
	})

	driver, driverClose, err := b.driverFn(cfg)
	if err != nil {
		return nil, fmt.Errorf("build backtest driver: %w", err)
	}

	scheduler := session.NewScheduler(session.Config{
		Align:               cfg.Cycle.Align,
		AlignOffset:         time.Duration(cfg.Cycle.AlignOffsetMs) * time.Millisecond,
		SymbolRefreshCycles: cfg.Cycle.SymbolRefreshCycles,
		Cooldown:            time.Duration(cfg.Cycle.CooldownMs) * time.Millisecond,
		SymbolSelection:     cfg.Trading.SymbolSelection,
		SymbolCount:         cfg.Trading.SymbolCount,
		CustomSymbols:       cfg.Trading.CustomSymbols,
		PaperBalance:        cfg.Trading.PaperBalance,
		MaxBars:             cfg.Market.MaxBars,
	}, session.Deps{
		Source:  source,
		Fetcher: fetcher,
		Manager: manager,
		Driver:  driver,
	})

	server, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Deps: apihttp.Deps{
			Scheduler: scheduler,
			Manager:   manager,
			Trades:    tradeStore,
			Profiles:  profiles,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build api server: %w", err)
	}

	return &App{
		cfg:         cfg,
		scheduler:   scheduler,
		server:      server,
		source:      source,
		tradeStore:  tradeStore,
		driverClose: driverClose,
	}, nil
}

func buildMarketSource(cfg *kcfg.Config) (market.Source, error) {
	return binance.New(binance.Config{
		RESTBaseURL:  cfg.Market.RESTBaseURL,
		HTTPTimeout:  time.Duration(cfg.Market.HTTPTimeoutSeconds) * time.Second,
		ProxyEnabled: cfg.Market.ProxyEnabled,
		RESTProxyURL: cfg.Market.RESTProxyURL,
	})
}

func buildTradeStore(cfg *kcfg.Config) (store.TradeStore, error) {
	path := strings.TrimSpace(cfg.Store.Path)
	if path == "" {
		return nil, nil
	}
	st, err := sqlite.NewSqliteStore(path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildProfileRegistry(cfg *kcfg.Config) (*cfgloader.Registry, error) {
	path := strings.TrimSpace(cfg.Risk.ProfilesPath)
	if path == "" {
		return nil, fmt.Errorf("risk profiles_path not configured")
	}
	return cfgloader.NewRegistry(path)
}

func buildBacktestDriver(cfg *kcfg.Config) (session.BacktestDriver, func() error, error) {
	cachePath := strings.TrimSpace(cfg.Backtest.CachePath)
	if cachePath == "" {
		return nil, nil, nil
	}
	btStore, err := backtest.NewStore(cachePath)
	if err != nil {
		return nil, nil, err
	}
	btSource := backtest.NewBinanceSource(cfg.Backtest.RESTBaseURL)
	runner := backtest.NewRunner(backtest.Config{MaxBars: cfg.Market.MaxBars}, btStore, btSource)
	return runner, btStore.Close, nil
}

// bindActiveProfile 订阅画像热更新：active 画像变化时替换默认离场参数。
// 已开持仓保持原契约，只影响之后开的仓。
func bindActiveProfile(profiles *cfgloader.Registry, manager *trader.Manager, active string) {
	active = strings.TrimSpace(active)
	profiles.Subscribe(func(snap cfgloader.Snapshot) {
		p, ok := snap.Profiles[active]
		if !ok {
			logger.Warnf("active risk profile %q missing from registry (version %d)", active, snap.Version)
			return
		}
		exit, err := p.ExitConfig()
		if err != nil {
			logger.Errorf("active risk profile %q invalid: %v", active, err)
			return
		}
		manager.UpdateExitMode(exit)
		logger.Infof("✓ 风险画像生效: %s (registry version %d)", active, snap.Version)
	})
}

func managerConfig(cfg *kcfg.Config) trader.Config {
	return trader.Config{
		MaxOpenTrades:  cfg.Trading.MaxOpenTrades,
		Direction:      trader.DirectionFilter(cfg.Trading.Direction),
		MarginPerTrade: cfg.Trading.MarginPerTrade,
		Leverage:       cfg.Trading.Leverage,
		Exit:           exitConfig(cfg.Exit),
	}
}

func exitConfig(cfg kcfg.ExitConfig) trader.ExitConfig {
	return trader.ExitConfig{
		Mode:          trader.ExitMode(strings.ToLower(strings.TrimSpace(cfg.Mode))),
		TakeProfitPct: cfg.TakeProfitPct,
		StopLossPct:   cfg.StopLossPct,
		PnLTargetPct:  cfg.PnLTargetPct,
		Trailing: trader.TrailingConfig{
			ActivationPct:     cfg.TrailingActivationPct,
			ActivationATRMult: cfg.TrailingATRMult,
			CallbackPct:       cfg.TrailingCallbackPct,
		},
	}
}
