package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/trader"
)

const sampleProfiles = `
risk_profiles:
  conservative:
    description: tight stops
    exit_mode: take_profit
    params:
      take_profit_pct: 0.02
      stop_loss_pct: 0.01
  balanced:
    exit_mode: trailing_stop
    params:
      trailing_activation_pct: 0.02
      trailing_callback_pct: 0.01
`

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_LoadAndTranslate(t *testing.T) {
	reg, err := NewRegistry(writeProfiles(t, sampleProfiles))
	require.NoError(t, err)

	assert.Equal(t, []string{"balanced", "conservative"}, reg.Names())

	p, ok := reg.Profile("conservative")
	require.True(t, ok)
	exit, err := p.ExitConfig()
	require.NoError(t, err)
	assert.Equal(t, trader.ExitTakeProfit, exit.Mode)
	assert.InDelta(t, 0.02, exit.TakeProfitPct, 1e-9)
	assert.InDelta(t, 0.01, exit.StopLossPct, 1e-9)

	p, ok = reg.Profile("balanced")
	require.True(t, ok)
	exit, err = p.ExitConfig()
	require.NoError(t, err)
	assert.Equal(t, trader.ExitTrailingStop, exit.Mode)
	assert.InDelta(t, 0.02, exit.Trailing.ActivationPct, 1e-9)
	assert.InDelta(t, 0.01, exit.Trailing.CallbackPct, 1e-9)

	_, ok = reg.Profile("missing")
	assert.False(t, ok)
}

func TestRegistry_SubscribeImmediate(t *testing.T) {
	reg, err := NewRegistry(writeProfiles(t, sampleProfiles))
	require.NoError(t, err)

	var got Snapshot
	reg.Subscribe(func(snap Snapshot) { got = snap })
	assert.Len(t, got.Profiles, 2)
	assert.Positive(t, got.Version)
}

func TestRegistry_RejectsInvalidProfiles(t *testing.T) {
	// schema 不认识的参数
	_, err := NewRegistry(writeProfiles(t, `
risk_profiles:
  bad:
    exit_mode: take_profit
    params:
      mystery_knob: 0.5
`))
	require.Error(t, err)

	// 未知离场模式
	_, err = NewRegistry(writeProfiles(t, `
risk_profiles:
  bad:
    exit_mode: moonshot
    params:
      take_profit_pct: 0.02
`))
	require.Error(t, err)

	// yaml 字段拼错（KnownFields）
	_, err = NewRegistry(writeProfiles(t, `
risk_profilez:
  bad: {}
`))
	require.Error(t, err)
}
