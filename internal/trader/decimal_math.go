package trader

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne      = decimal.NewFromInt(1)
	decimalEps  = decimal.NewFromFloat(1e-8)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }
func decimalGT(a, b float64) bool  { return decimalCompare(a, b) > 0 }

// relativeTarget 返回入场价沿盈利方向偏移 pct 后的价位。
func relativeTarget(entry, pct float64, side Side) float64 {
	if entry <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pctDec := decFromFloat(pct)
	var factor decimal.Decimal
	switch side {
	case SideShort:
		factor = decOne.Sub(pctDec)
	default:
		factor = decOne.Add(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

func takeProfitHit(side Side, price, target float64) bool {
	if price <= 0 || target <= 0 {
		return false
	}
	switch side {
	case SideShort:
		return decimalLTE(price, target)
	default:
		return decimalGTE(price, target)
	}
}

func stopLossHit(side Side, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	switch side {
	case SideShort:
		return decimalGTE(price, target)
	default:
		return decimalLTE(price, target)
	}
}

func activationHit(side Side, price, activation float64) bool {
	if price <= 0 || activation <= 0 {
		return false
	}
	switch side {
	case SideShort:
		return decimalLTE(price, activation)
	default:
		return decimalGTE(price, activation)
	}
}

func shouldUpdateWatermark(side Side, price, mark float64) bool {
	if price <= 0 || mark <= 0 {
		return false
	}
	switch side {
	case SideShort:
		return decimalLT(price, mark)
	default:
		return decimalGT(price, mark)
	}
}

// trailingStopFor 从水位线按回调比例推出止损价。
func trailingStopFor(side Side, mark, pct float64) float64 {
	if mark <= 0 || pct <= 0 {
		return 0
	}
	base := decFromFloat(mark)
	pctDec := decFromFloat(pct)
	var factor decimal.Decimal
	switch side {
	case SideShort:
		factor = decOne.Add(pctDec)
	default:
		factor = decOne.Sub(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

func shouldUpdateStop(side Side, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	switch side {
	case SideShort:
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	default:
		return cand.Cmp(curr.Add(decimalEps)) > 0
	}
}

func priceBreachedStop(side Side, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	switch side {
	case SideShort:
		return decimalGTE(price, stop)
	default:
		return decimalLTE(price, stop)
	}
}
