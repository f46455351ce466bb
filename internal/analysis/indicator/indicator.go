package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"kestrel/internal/market"
)

// Series 把一批 K 线拆成 talib 需要的列式数组。
type Series struct {
	Opens   []float64
	Highs   []float64
	Lows    []float64
	Closes  []float64
	Volumes []float64
}

func NewSeries(candles []market.Candle) Series {
	s := Series{
		Opens:   make([]float64, len(candles)),
		Highs:   make([]float64, len(candles)),
		Lows:    make([]float64, len(candles)),
		Closes:  make([]float64, len(candles)),
		Volumes: make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Opens[i] = c.Open
		s.Highs[i] = c.High
		s.Lows[i] = c.Low
		s.Closes[i] = c.Close
		s.Volumes[i] = c.Volume
	}
	return s
}

// EMA 计算指数均线序列，去掉 TALib 的零值前导段。
func EMA(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}
	return trimLeadingZeros(sanitizeSeries(talib.Ema(closes, period)))
}

// RSI 计算相对强弱指标序列。
func RSI(closes []float64, period int) []float64 {
	if period <= 0 {
		period = 14
	}
	if len(closes) <= period {
		return nil
	}
	return sanitizeSeries(talib.Rsi(closes, period))
}

// ATRSeries 单独计算 ATR 序列，供波动率选币与移动止损激活使用。
func ATRSeries(candles []market.Candle, period int) ([]float64, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles")
	}
	if period <= 0 {
		period = 14
	}
	s := NewSeries(candles)
	series := sanitizeSeries(talib.Atr(s.Highs, s.Lows, s.Closes, period))
	if len(series) == 0 {
		return nil, fmt.Errorf("atr series empty")
	}
	return series, nil
}

// LastValid 返回序列中最后一个有效值；全部无效时为 0。
func LastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// trimLeadingZeros drops TALib's zero-seeded warmup values.
func trimLeadingZeros(series []float64) []float64 {
	start := 0
	for start < len(series) && math.Abs(series[start]) <= 1e-9 {
		start++
	}
	return series[start:]
}
