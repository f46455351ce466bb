package config

import "strings"

// Config 是 kestrel 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Market   MarketConfig   `toml:"market"`
	Cycle    CycleConfig    `toml:"cycle"`
	Trading  TradingConfig  `toml:"trading"`
	Exit     ExitConfig     `toml:"exit"`
	Risk     RiskConfig     `toml:"risk"`
	Store    StoreConfig    `toml:"store"`
	Backtest BacktestConfig `toml:"backtest"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// MarketConfig 描述行情来源与快照抓取参数。
type MarketConfig struct {
	RESTBaseURL         string `toml:"rest_base_url"`
	HTTPTimeoutSeconds  int    `toml:"http_timeout_seconds"`
	ProxyEnabled        bool   `toml:"proxy_enabled"`
	RESTProxyURL        string `toml:"rest_proxy_url"`
	SnapshotConcurrency int    `toml:"snapshot_concurrency"`
	MaxBars             int    `toml:"max_bars"`
	BarHardCap          int    `toml:"bar_hard_cap"`
}

// CycleConfig 控制周期节奏。
type CycleConfig struct {
	Align               bool `toml:"align"`
	AlignOffsetMs       int  `toml:"align_offset_ms"`
	SymbolRefreshCycles int  `toml:"symbol_refresh_cycles"`
	CooldownMs          int  `toml:"cooldown_ms"`
}

// TradingConfig 控制会话的资金与选币行为。
type TradingConfig struct {
	Mode            string   `toml:"mode"` // "paper" | "live" | "backtest"
	Direction       string   `toml:"direction"`
	Strategies      []string `toml:"strategies"`
	Interval        string   `toml:"interval"`
	MarginPerTrade  float64  `toml:"margin_per_trade"`
	Leverage        float64  `toml:"leverage"`
	MaxOpenTrades   int      `toml:"max_open_trades"`
	PaperBalance    float64  `toml:"paper_balance"`
	SymbolSelection string   `toml:"symbol_selection"` // "volume" | "volatility" | "custom"
	SymbolCount     int      `toml:"symbol_count"`
	CustomSymbols   []string `toml:"custom_symbols"`
}

// ExitConfig 是默认离场参数；风险画像热更新时覆盖。
type ExitConfig struct {
	Mode                  string  `toml:"mode"`
	TakeProfitPct         float64 `toml:"take_profit_pct"`
	StopLossPct           float64 `toml:"stop_loss_pct"`
	PnLTargetPct          float64 `toml:"pnl_target_pct"`
	TrailingActivationPct float64 `toml:"trailing_activation_pct"`
	TrailingATRMult       float64 `toml:"trailing_atr_mult"`
	TrailingCallbackPct   float64 `toml:"trailing_callback_pct"`
}

type RiskConfig struct {
	ProfilesPath  string `toml:"profiles_path"`
	ActiveProfile string `toml:"active_profile"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

// BacktestConfig 控制历史数据来源与缓存。
type BacktestConfig struct {
	CachePath   string `toml:"cache_path"`
	RESTBaseURL string `toml:"rest_base_url"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
