package trader

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replayTrade(id int, entry, exit time.Time) *Trade {
	return &Trade{
		ID:        fmt.Sprintf("t%d", id),
		Symbol:    fmt.Sprintf("SYM%d/USDT", id),
		Side:      SideLong,
		EntryTime: entry,
		ExitTime:  exit,
		Status:    StatusClosed,
	}
}

func TestSimulateAdmission_CapTwoSkipsThirdOverlap(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

	// t0..t9 ordered by entry; t0,t1,t2 overlap so the cap of 2 must skip
	// exactly one of them, and it must be the latest-entered (t2).
	trades := []*Trade{
		replayTrade(0, at(0), at(30)),
		replayTrade(1, at(5), at(25)),
		replayTrade(2, at(10), at(40)),
		replayTrade(3, at(31), at(50)),
		replayTrade(4, at(45), at(60)),
		replayTrade(5, at(61), at(70)),
		replayTrade(6, at(65), at(80)),
		replayTrade(7, at(81), at(90)),
		replayTrade(8, at(85), at(95)),
		replayTrade(9, at(96), at(99)),
	}

	results := SimulateAdmission(trades, 2)

	require.Len(t, results, 10)
	skipped := 0
	for _, r := range results {
		if !r.Admitted {
			skipped++
			assert.Equal(t, "t2", r.Trade.ID, "earliest-entered trades keep priority")
			assert.Contains(t, r.SkipReason, "cap 2")
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestSimulateAdmission_DoesNotMutateInput(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []*Trade{
		replayTrade(1, base.Add(time.Hour), base.Add(2*time.Hour)),
		replayTrade(0, base, base.Add(3*time.Hour)),
	}

	SimulateAdmission(trades, 1)

	assert.Equal(t, "t1", trades[0].ID, "input order untouched")
	assert.Equal(t, StatusClosed, trades[0].Status)
}

func TestSimulateAdmission_ExitAtEntryFreesSlot(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []*Trade{
		replayTrade(0, base, base.Add(10*time.Minute)),
		// entry exactly at t0's exit: slot is free again
		replayTrade(1, base.Add(10*time.Minute), base.Add(20*time.Minute)),
	}

	results := SimulateAdmission(trades, 1)

	for _, r := range results {
		assert.True(t, r.Admitted, "trade %s", r.Trade.ID)
	}
}

func TestAdmittedTrades_FiltersSkips(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []*Trade{
		replayTrade(0, base, base.Add(time.Hour)),
		replayTrade(1, base.Add(time.Minute), base.Add(time.Hour)),
	}

	admitted := AdmittedTrades(SimulateAdmission(trades, 1))

	require.Len(t, admitted, 1)
	assert.Equal(t, "t0", admitted[0].ID)
}
