package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"kestrel/internal/market"
	symbolpkg "kestrel/internal/pkg/symbol"
	"kestrel/internal/scheduler"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Source 基于 go-binance SDK 实现 market.Source。
type Source struct {
	cfg    Config
	client *futures.Client

	statsMu sync.Mutex
	stats   market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{
		cfg:    final,
		client: client,
	}, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	// Binance requires symbols without slashes (e.g., ETHUSDT)
	cleanSymbol := symbolpkg.Binance.ToExchange(symbol)

	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	svc := s.client.NewKlinesService().Symbol(cleanSymbol).Interval(interval).Limit(limit)
	kls, err := svc.Do(ctx)
	if err != nil {
		s.recordFetchError(err)
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		c := market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		}
		out = append(out, c)
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

// CurrentPrices 返回请求交易对的最新价格。单个交易对缺失不视为错误，
// 调用方按 map 是否包含该 symbol 判断。
func (s *Source) CurrentPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	wanted := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		normalized := symbolpkg.Normalize(sym)
		if normalized == "" {
			continue
		}
		wanted[symbolpkg.Binance.ToExchange(normalized)] = normalized
	}
	prices, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		s.recordFetchError(err)
		return nil, err
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		original, ok := wanted[strings.ToUpper(strings.TrimSpace(p.Symbol))]
		if !ok {
			continue
		}
		price := parseFloat(p.Price)
		if price <= 0 {
			continue
		}
		out[original] = price
	}
	return out, nil
}

func (s *Source) TickerStats(ctx context.Context) ([]market.TickerStat, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		s.recordFetchError(err)
		return nil, err
	}
	out := make([]market.TickerStat, 0, len(stats))
	for _, st := range stats {
		if st == nil {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(st.Symbol))
		if symbol == "" {
			continue
		}
		out = append(out, market.TickerStat{
			Symbol:             symbol,
			LastPrice:          parseFloat(st.LastPrice),
			PriceChangePercent: parseFloat(st.PriceChangePercent),
			QuoteVolume:        parseFloat(st.QuoteVolume),
		})
	}
	return out, nil
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ClearLastError resets the cached error so downstream stats don't keep
// reporting older failures after a successful cycle.
func (s *Source) ClearLastError() {
	s.statsMu.Lock()
	s.stats.LastError = ""
	s.statsMu.Unlock()
}

func (s *Source) Close() error {
	return nil
}

func (s *Source) recordFetchError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.FetchErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
