package trader

import "math"

// initExitState 根据离场模式把入场时的静态目标价固化到 Trade 上。
func initExitState(t *Trade, atr float64) {
	switch t.Exit.Mode {
	case ExitTakeProfit:
		t.TakeProfitPrice = relativeTarget(t.EntryPrice, t.Exit.TakeProfitPct, t.Side)
		t.StopLossPrice = relativeTarget(t.EntryPrice, -t.Exit.StopLossPct, t.Side)
	case ExitTrailingStop:
		cfg := t.Exit.Trailing
		activationPct := cfg.ActivationPct
		if cfg.ActivationATRMult > 0 && atr > 0 && t.EntryPrice > 0 {
			activationPct = atr * cfg.ActivationATRMult / t.EntryPrice
		}
		t.Trailing = TrailingState{
			Armed:           false,
			ActivationPrice: relativeTarget(t.EntryPrice, activationPct, t.Side),
			CallbackPct:     cfg.CallbackPct,
		}
	}
}

// advanceExitState 用当前价推进一笔持仓的离场状态机，命中时返回 true。
// 只做状态判断与水位线更新，平仓本身由调用方完成。
func advanceExitState(t *Trade, price float64) bool {
	switch t.Exit.Mode {
	case ExitTakeProfit:
		if takeProfitHit(t.Side, price, t.TakeProfitPrice) {
			return true
		}
		return stopLossHit(t.Side, price, t.StopLossPrice)
	case ExitTrailingStop:
		return advanceTrailing(t, price)
	case ExitPnLPercent:
		target := t.Exit.PnLTargetPct
		if target <= 0 {
			return false
		}
		// 双向触发：达到目标盈利或等幅亏损都会平仓。
		return math.Abs(t.UnrealizedPct(price)) >= target
	}
	return false
}

func advanceTrailing(t *Trade, price float64) bool {
	st := &t.Trailing
	if !st.Armed {
		if activationHit(t.Side, price, st.ActivationPrice) {
			st.Armed = true
			st.Watermark = price
			st.StopPrice = trailingStopFor(t.Side, price, st.CallbackPct)
		}
		return false
	}
	if shouldUpdateWatermark(t.Side, price, st.Watermark) {
		st.Watermark = price
		if next := trailingStopFor(t.Side, price, st.CallbackPct); shouldUpdateStop(t.Side, next, st.StopPrice) {
			st.StopPrice = next
		}
	}
	return priceBreachedStop(t.Side, price, st.StopPrice)
}
