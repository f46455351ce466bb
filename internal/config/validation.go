package config

import (
	"fmt"
	"strings"

	"kestrel/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Cycle.validate(); err != nil {
		return err
	}
	if err := c.Exit.validate(); err != nil {
		return err
	}
	return nil
}

func (t *TradingConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(t.Mode)) {
	case "paper", "live", "backtest":
	default:
		return fmt.Errorf("trading.mode must be paper, live or backtest, got %q", t.Mode)
	}
	switch strings.ToLower(strings.TrimSpace(t.Direction)) {
	case "both", "only_longs", "only_shorts":
	default:
		return fmt.Errorf("trading.direction must be both, only_longs or only_shorts, got %q", t.Direction)
	}
	if _, ok := scheduler.ParseIntervalDuration(t.Interval); !ok {
		return fmt.Errorf("trading.interval %q is not a valid timeframe", t.Interval)
	}
	switch strings.ToLower(strings.TrimSpace(t.SymbolSelection)) {
	case "volume", "volatility":
	case "custom":
		if len(t.CustomSymbols) == 0 {
			return fmt.Errorf("trading.symbol_selection=custom requires trading.custom_symbols")
		}
	default:
		return fmt.Errorf("trading.symbol_selection must be volume, volatility or custom, got %q", t.SymbolSelection)
	}
	return nil
}

func (c *CycleConfig) validate() error {
	if c.AlignOffsetMs < 0 {
		return fmt.Errorf("cycle.align_offset_ms must be >= 0")
	}
	if c.SymbolRefreshCycles < 1 {
		return fmt.Errorf("cycle.symbol_refresh_cycles must be >= 1")
	}
	return nil
}

func (e *ExitConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(e.Mode)) {
	case "take_profit", "trailing_stop", "pnl_percent":
	default:
		return fmt.Errorf("exit.mode must be take_profit, trailing_stop or pnl_percent, got %q", e.Mode)
	}
	if e.TrailingCallbackPct >= e.TrailingActivationPct && e.TrailingATRMult <= 0 {
		return fmt.Errorf("exit.trailing_callback_pct must be smaller than exit.trailing_activation_pct")
	}
	return nil
}
