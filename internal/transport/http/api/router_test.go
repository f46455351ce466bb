package apihttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"kestrel/internal/market"
	"kestrel/internal/session"
	"kestrel/internal/strategy"
	"kestrel/internal/trader"
)

type flatSource struct{}

func (flatSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	out := make([]market.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      100, High: 100, Low: 100, Close: 100,
		})
	}
	return out, nil
}

func (flatSource) CurrentPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		out[sym] = 100
	}
	return out, nil
}

func (flatSource) TickerStats(ctx context.Context) ([]market.TickerStat, error) {
	return nil, nil
}

func (flatSource) Stats() market.SourceStats { return market.SourceStats{} }
func (flatSource) Close() error              { return nil }

type apiIdle struct{}

func (apiIdle) Name() string                                { return "api_idle_test" }
func (apiIdle) BarsNeeded() int                             { return 5 }
func (apiIdle) Evaluate(*market.Snapshot) []strategy.Signal { return nil }

func init() {
	strategy.Register("api_idle_test", func() strategy.Evaluator { return apiIdle{} })
}

func newTestServer(t *testing.T) (*Server, *session.Scheduler) {
	t.Helper()
	src := flatSource{}
	mgr := trader.NewManager(trader.Config{}, nil)
	fetcher := market.NewSnapshotFetcher(market.SnapshotFetcherConfig{Source: src, Concurrency: 2})
	sched := session.NewScheduler(session.Config{
		SymbolSelection: session.SelectCustom,
		CustomSymbols:   []string{"BTC/USDT"},
		Cooldown:        10 * time.Millisecond,
	}, session.Deps{Source: src, Fetcher: fetcher, Manager: mgr})

	srv, err := NewServer(ServerConfig{Deps: Deps{Scheduler: sched, Manager: mgr}})
	require.NoError(t, err)
	return srv, sched
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRouter_StartStopLifecycle(t *testing.T) {
	srv, sched := newTestServer(t)
	defer sched.Stop(false)

	rec := doJSON(t, srv, http.MethodGet, "/api/session/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", gjson.Get(rec.Body.String(), "state").String())

	start := `{"mode":"paper","interval":"1m","strategies":["api_idle_test"]}`
	rec = doJSON(t, srv, http.MethodPost, "/api/session/start", start)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := gjson.Get(rec.Body.String(), "session_id").String()
	require.NotEmpty(t, sessionID)

	// 重复启动：409，带当前会话 ID，状态不变
	rec = doJSON(t, srv, http.MethodPost, "/api/session/start", start)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, sessionID, gjson.Get(rec.Body.String(), "session_id").String())
	assert.True(t, sched.IsRunning())

	rec = doJSON(t, srv, http.MethodPost, "/api/session/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", gjson.Get(rec.Body.String(), "state").String())
	assert.False(t, sched.IsRunning())
}

func TestRouter_StartValidation(t *testing.T) {
	srv, sched := newTestServer(t)
	defer sched.Stop(false)

	rec := doJSON(t, srv, http.MethodPost, "/api/session/start", `{"mode":"warp","interval":"1m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 没选策略
	rec = doJSON(t, srv, http.MethodPost, "/api/session/start", `{"mode":"paper","interval":"1m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/session/start",
		`{"mode":"paper","interval":"1m","strategies":["api_idle_test"],"direction":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.False(t, sched.IsRunning())
}

func TestRouter_MetricsAndTrades(t *testing.T) {
	srv, sched := newTestServer(t)
	defer sched.Stop(false)

	rec := doJSON(t, srv, http.MethodGet, "/api/session/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "summary").Exists())
	assert.True(t, gjson.Get(body, "margin_capped").Exists())

	rec = doJSON(t, srv, http.MethodGet, "/api/session/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// 未配置存储时按会话查询返回 503
	rec = doJSON(t, srv, http.MethodGet, "/api/session/trades?session_id=x", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
