package backtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"kestrel/internal/market"
)

// BinanceSource 基于 Binance USDT 合约 REST /fapi/v1/klines。
// 响应是嵌套数组而非对象，数值还混着字符串，用 gjson 逐行取列。
type BinanceSource struct {
	baseURL string
	client  *http.Client
}

func NewBinanceSource(base string) *BinanceSource {
	if base == "" {
		base = "https://fapi.binance.com"
	}
	return &BinanceSource{
		baseURL: base,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) Fetch(ctx context.Context, req FetchRequest) ([]market.Candle, error) {
	if req.Symbol == "" || req.Interval == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > 1500 {
		limit = 1000
	}
	u, _ := url.Parse(b.baseURL)
	u.Path = "/fapi/v1/klines"
	q := u.Query()
	q.Set("symbol", req.Symbol)
	q.Set("interval", req.Interval)
	q.Set("limit", strconv.Itoa(limit))
	if req.Start > 0 {
		q.Set("startTime", strconv.FormatInt(req.Start, 10))
	}
	if req.End > 0 {
		q.Set("endTime", strconv.FormatInt(req.End, 10))
	}
	u.RawQuery = q.Encode()

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("binance 返回状态码 %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return ParseKlines(body), nil
}

// ParseKlines 解析 /fapi/v1/klines 的裸数组响应。
// 每行至少 9 列：openTime, open, high, low, close, volume, closeTime, quoteVolume, trades。
func ParseKlines(body []byte) []market.Candle {
	rows := gjson.ParseBytes(body).Array()
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		cols := row.Array()
		if len(cols) < 9 {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  cols[0].Int(),
			Open:      cols[1].Float(),
			High:      cols[2].Float(),
			Low:       cols[3].Float(),
			Close:     cols[4].Float(),
			Volume:    cols[5].Float(),
			CloseTime: cols[6].Int(),
			Trades:    cols[8].Int(),
		})
	}
	return out
}
