package config

import "strings"

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = "/data/logs/kestrel.log"

	defaultMarketREST         = "https://fapi.binance.com"
	defaultMarketTimeout      = 15
	defaultSnapshotConcurrent = 5
	defaultMaxBars            = 400
	defaultBarHardCap         = 1000

	defaultCycleAlignOffsetMs = 250
	defaultSymbolRefreshCycle = 20
	defaultCycleCooldownMs    = 2000

	defaultTradingMode      = "paper"
	defaultTradingDirection = "both"
	defaultTradingInterval  = "15m"
	defaultMarginPerTrade   = 100
	defaultTradingLeverage  = 10
	defaultMaxOpenTrades    = 8
	defaultPaperBalance     = 10000
	defaultSymbolSelection  = "volume"
	defaultSymbolCount      = 20

	defaultExitMode          = "take_profit"
	defaultTakeProfitPct     = 0.03
	defaultStopLossPct       = 0.015
	defaultPnLTargetPct      = 0.05
	defaultTrailActivatePct  = 0.02
	defaultTrailCallbackPct  = 0.01
	defaultRiskProfilesPath  = "configs/risk_profiles.yaml"
	defaultStorePath         = "/data/db/kestrel.db"
	defaultBacktestCachePath = "/data/db/kline_cache.db"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Cycle.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Exit.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		fieldDefault{
			key:   "market.http_timeout_seconds",
			need:  func() bool { return m.HTTPTimeoutSeconds <= 0 },
			apply: func() { m.HTTPTimeoutSeconds = defaultMarketTimeout },
		},
		fieldDefault{
			key:   "market.snapshot_concurrency",
			need:  func() bool { return m.SnapshotConcurrency <= 0 },
			apply: func() { m.SnapshotConcurrency = defaultSnapshotConcurrent },
		},
		fieldDefault{
			key:   "market.max_bars",
			need:  func() bool { return m.MaxBars <= 0 },
			apply: func() { m.MaxBars = defaultMaxBars },
		},
		fieldDefault{
			key:   "market.bar_hard_cap",
			need:  func() bool { return m.BarHardCap <= 0 },
			apply: func() { m.BarHardCap = defaultBarHardCap },
		},
	)
	if m.BarHardCap > 0 && m.MaxBars > m.BarHardCap {
		m.MaxBars = m.BarHardCap
	}
}

func (c *CycleConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("cycle.align", &c.Align, true),
		fieldDefault{
			key:   "cycle.align_offset_ms",
			need:  func() bool { return c.AlignOffsetMs <= 0 },
			apply: func() { c.AlignOffsetMs = defaultCycleAlignOffsetMs },
		},
		fieldDefault{
			key:   "cycle.symbol_refresh_cycles",
			need:  func() bool { return c.SymbolRefreshCycles <= 0 },
			apply: func() { c.SymbolRefreshCycles = defaultSymbolRefreshCycle },
		},
		fieldDefault{
			key:   "cycle.cooldown_ms",
			need:  func() bool { return c.CooldownMs <= 0 },
			apply: func() { c.CooldownMs = defaultCycleCooldownMs },
		},
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.mode", &t.Mode, defaultTradingMode),
		stringFieldDefault("trading.direction", &t.Direction, defaultTradingDirection),
		stringFieldDefault("trading.interval", &t.Interval, defaultTradingInterval),
		stringFieldDefault("trading.symbol_selection", &t.SymbolSelection, defaultSymbolSelection),
		fieldDefault{
			key:   "trading.margin_per_trade",
			need:  func() bool { return t.MarginPerTrade <= 0 },
			apply: func() { t.MarginPerTrade = defaultMarginPerTrade },
		},
		fieldDefault{
			key:   "trading.leverage",
			need:  func() bool { return t.Leverage <= 0 },
			apply: func() { t.Leverage = defaultTradingLeverage },
		},
		fieldDefault{
			key:   "trading.max_open_trades",
			need:  func() bool { return t.MaxOpenTrades <= 0 },
			apply: func() { t.MaxOpenTrades = defaultMaxOpenTrades },
		},
		fieldDefault{
			key:   "trading.paper_balance",
			need:  func() bool { return t.PaperBalance <= 0 },
			apply: func() { t.PaperBalance = defaultPaperBalance },
		},
		fieldDefault{
			key:   "trading.symbol_count",
			need:  func() bool { return t.SymbolCount <= 0 },
			apply: func() { t.SymbolCount = defaultSymbolCount },
		},
	)
	if len(t.Strategies) == 0 {
		t.Strategies = nil
	}
}

func (e *ExitConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exit.mode", &e.Mode, defaultExitMode),
		fieldDefault{
			key:   "exit.take_profit_pct",
			need:  func() bool { return e.TakeProfitPct <= 0 },
			apply: func() { e.TakeProfitPct = defaultTakeProfitPct },
		},
		fieldDefault{
			key:   "exit.stop_loss_pct",
			need:  func() bool { return e.StopLossPct <= 0 },
			apply: func() { e.StopLossPct = defaultStopLossPct },
		},
		fieldDefault{
			key:   "exit.pnl_target_pct",
			need:  func() bool { return e.PnLTargetPct <= 0 },
			apply: func() { e.PnLTargetPct = defaultPnLTargetPct },
		},
		fieldDefault{
			key:   "exit.trailing_activation_pct",
			need:  func() bool { return e.TrailingActivationPct <= 0 },
			apply: func() { e.TrailingActivationPct = defaultTrailActivatePct },
		},
		fieldDefault{
			key:   "exit.trailing_callback_pct",
			need:  func() bool { return e.TrailingCallbackPct <= 0 },
			apply: func() { e.TrailingCallbackPct = defaultTrailCallbackPct },
		},
	)
	if e.TrailingATRMult < 0 {
		e.TrailingATRMult = 0
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.profiles_path", &r.ProfilesPath, defaultRiskProfilesPath),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.cache_path", &b.CachePath, defaultBacktestCachePath),
		stringFieldDefault("backtest.rest_base_url", &b.RESTBaseURL, defaultMarketREST),
	)
}

// Helper functions

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
