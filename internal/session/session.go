package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode 是会话运行模式。
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "backtest":
		return ModeBacktest, true
	case "paper", "live-paper", "paper-trading":
		return ModePaper, true
	case "live", "live-real":
		return ModeLive, true
	}
	return "", false
}

// State 是会话生命周期状态。转换只发生在调度器的互斥锁内。
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// Session 描述一次从 Start 到 Stop 的运行。
type Session struct {
	ID        string
	Mode      Mode
	Interval  string
	StartedAt time.Time
	EndedAt   time.Time
}

// newSessionID 用时间戳加 uuid 前 8 位生成会话标识。
func newSessionID(now time.Time) string {
	return now.Format("20060102150405") + "-" + uuid.NewString()[:8]
}
