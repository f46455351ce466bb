package apihttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"kestrel/internal/config/loader"
	"kestrel/internal/logger"
	"kestrel/internal/metrics"
	"kestrel/internal/session"
	"kestrel/internal/store"
	"kestrel/internal/trader"
)

// Deps 是控制面接口的依赖集合。Trades 与 Profiles 可为空，
// 对应接口返回 503。
type Deps struct {
	Scheduler *session.Scheduler
	Manager   *trader.Manager
	Trades    store.TradeStore
	Profiles  *loader.Registry
}

// Router 暴露会话生命周期与查询接口。
type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps}
}

// Register 将会话路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/trades", r.handleTrades)
	group.GET("/metrics", r.handleMetrics)
	group.GET("/history", r.handleHistory)
	group.GET("/profiles", r.handleProfiles)
}

type startRequest struct {
	Mode           string   `json:"mode"`
	Interval       string   `json:"interval"`
	Strategies     []string `json:"strategies"`
	Direction      string   `json:"direction"`
	MarginPerTrade float64  `json:"margin_per_trade"`
	Leverage       float64  `json:"leverage"`
	MaxOpenTrades  int      `json:"max_open_trades"`
	RiskProfile    string   `json:"risk_profile"`
	CustomSymbols  []string `json:"custom_symbols"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mode := session.ModePaper
	if strings.TrimSpace(req.Mode) != "" {
		parsed, ok := session.ParseMode(req.Mode)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode: " + req.Mode})
			return
		}
		mode = parsed
	}
	params := session.StartParams{
		Mode:           mode,
		Interval:       req.Interval,
		Strategies:     req.Strategies,
		MarginPerTrade: req.MarginPerTrade,
		Leverage:       req.Leverage,
		MaxOpenTrades:  req.MaxOpenTrades,
		CustomSymbols:  req.CustomSymbols,
	}
	if dir := strings.TrimSpace(req.Direction); dir != "" {
		switch trader.DirectionFilter(dir) {
		case trader.DirectionBoth, trader.DirectionOnlyLongs, trader.DirectionOnlyShorts:
			params.Direction = trader.DirectionFilter(dir)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown direction: " + dir})
			return
		}
	}
	if id := strings.TrimSpace(req.RiskProfile); id != "" {
		if r.deps.Profiles == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "风险画像未启用"})
			return
		}
		profile, ok := r.deps.Profiles.Profile(id)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown risk profile: " + id})
			return
		}
		exit, err := profile.ExitConfig()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params.Exit = &exit
	}
	var err error
	if params.StartDate, err = parseDate(req.StartDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.EndDate, err = parseDate(req.EndDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := r.deps.Scheduler.Start(c.Request.Context(), params)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			current, _ := r.deps.Scheduler.Current()
			logger.Warnf("[api] start rejected ip=%s: session %s already running", c.ClientIP(), current.ID)
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "session_id": current.ID})
			return
		}
		logger.Errorf("[api] session start failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] session start ip=%s id=%s mode=%s interval=%s", c.ClientIP(), sess.ID, sess.Mode, sess.Interval)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"mode":       sess.Mode,
		"interval":   sess.Interval,
		"started_at": sess.StartedAt,
	})
}

func (r *Router) handleStop(c *gin.Context) {
	closeAll := parseBoolDefaultTrue(c.DefaultQuery("close_all", "1"))
	logger.Infof("[api] session stop ip=%s close_all=%v", c.ClientIP(), closeAll)
	r.deps.Scheduler.Stop(closeAll)
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"state":  r.deps.Scheduler.StateNow().String(),
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := gin.H{
		"state":   r.deps.Scheduler.StateNow().String(),
		"balance": r.deps.Scheduler.Balance(),
	}
	if sess, ok := r.deps.Scheduler.Current(); ok {
		resp["session"] = gin.H{
			"id":         sess.ID,
			"mode":       sess.Mode,
			"interval":   sess.Interval,
			"started_at": sess.StartedAt,
		}
	}
	if r.deps.Manager != nil {
		resp["open_trades"] = r.deps.Manager.OpenCount()
		resp["closed_trades"] = len(r.deps.Manager.ClosedTrades())
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleTrades(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID != "" {
		if r.deps.Trades == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易存储未启用"})
			return
		}
		trades, err := r.deps.Trades.Trades(c.Request.Context(), sessionID)
		if err != nil {
			logger.Errorf("[api] trades query failed ip=%s session=%s err=%v", c.ClientIP(), sessionID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "trades": trades})
		return
	}
	if r.deps.Manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manager unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"open":   r.deps.Manager.OpenTrades(),
		"closed": r.deps.Manager.ClosedTrades(),
	})
}

func (r *Router) handleMetrics(c *gin.Context) {
	if r.deps.Manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manager unavailable"})
		return
	}
	var trades []*trader.Trade
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID != "" && r.deps.Trades != nil {
		var err error
		trades, err = r.deps.Trades.Trades(c.Request.Context(), sessionID)
		if err != nil {
			logger.Errorf("[api] metrics query failed ip=%s session=%s err=%v", c.ClientIP(), sessionID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		trades = r.deps.Manager.ClosedTrades()
	}
	margin := r.deps.Manager.CurrentConfig().MarginPerTrade
	c.JSON(http.StatusOK, gin.H{
		"summary":       metrics.Compute(trades),
		"margin_capped": metrics.ComputeCapped(trades, margin),
	})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.deps.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "交易存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	sessions, err := r.deps.Trades.Sessions(c.Request.Context(), limit)
	if err != nil {
		logger.Errorf("[api] session history failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (r *Router) handleProfiles(c *gin.Context) {
	if r.deps.Profiles == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "风险画像未启用"})
		return
	}
	snap := r.deps.Profiles.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"profiles":  snap.Profiles,
	})
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("invalid date: " + raw)
}

func parseBoolDefaultTrue(val string) bool {
	s := strings.TrimSpace(strings.ToLower(val))
	if s == "" {
		return true
	}
	if s == "0" || s == "false" {
		return false
	}
	return true
}
