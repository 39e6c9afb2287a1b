package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buffquant/buffrun/internal/ohlcv"
)

func barsFromCloses(closes []float64) []ohlcv.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]ohlcv.Bar, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		bars[i] = ohlcv.Bar{
			Ts:     base.Add(time.Duration(i) * time.Minute),
			Open:   open,
			High:   c + 0.5,
			Low:    c - 0.5,
			Close:  c,
			Volume: 10,
		}
	}
	return bars
}

func holdConfig(risk int) Config {
	return Config{
		RunID:     "run_test00000001",
		Symbol:    "BTC-USD",
		Timeframe: "1m",
		Strategy:  Hold{},
		RiskLevel: risk,
		Seed:      42,
	}
}

func TestHoldFiveBarSample(t *testing.T) {
	bars := barsFromCloses([]float64{100, 100.5, 101, 100.8, 101.2})
	res, err := Run(holdConfig(3), bars)
	require.NoError(t, err)

	require.Len(t, res.Decisions, 5)
	wantActions := []Action{ActionEnterLong, ActionHold, ActionHold, ActionHold, ActionExitLong}
	for i, d := range res.Decisions {
		assert.Equal(t, wantActions[i], d.Action, "seq %d", i)
		assert.Equal(t, i, d.Seq)
		assert.Equal(t, "dr.v1", d.SchemaVersion)
	}

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	qty := InitialEquity * 0.3 / bars[0].Open
	assert.InDelta(t, qty, trade.Qty, 1e-9)
	assert.InDelta(t, qty*(101.2-100.0), trade.PnL, 1e-9)
	assert.Equal(t, 0.0, trade.Fees)
	assert.Equal(t, "LONG", trade.Side)

	m := res.Metrics
	assert.Equal(t, 1, m.NumTrades)
	assert.Equal(t, 1, m.NumRecords)
	assert.InDelta(t, (m.FinalEquity-10000)/10000, m.TotalReturn, 1e-12)
	assert.Equal(t, 1.0, m.WinRate)
	assert.Equal(t, InitialEquity, m.InitialEquity)
}

func TestHoldFinalEquityIsCashAfterCloseOut(t *testing.T) {
	bars := barsFromCloses([]float64{100, 101, 102})
	res, err := Run(holdConfig(5), bars)
	require.NoError(t, err)

	last := res.Equity[len(res.Equity)-1]
	// Post close-out there is no open position; equity equals cash.
	assert.InDelta(t, InitialEquity+res.Trades[0].PnL, last.Equity, 1e-9)
}

func TestHoldSingleBarExitsImmediately(t *testing.T) {
	bars := barsFromCloses([]float64{100})
	res, err := Run(holdConfig(3), bars)
	require.NoError(t, err)

	// The lone bar both enters and force-closes; the single decision keeps
	// the close-out exit.
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, ActionExitLong, res.Decisions[0].Action)

	require.Len(t, res.Trades, 1)
	assert.InDelta(t, bars[0].Open, res.Trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, bars[0].Close, res.Trades[0].ExitPrice, 1e-9)

	require.Len(t, res.Equity, 1)
	assert.InDelta(t, InitialEquity+res.Trades[0].PnL, res.Equity[0].Equity, 1e-9)
}

func TestMaCrossEntryAndExit(t *testing.T) {
	// Crafted series: fast(2)/slow(3) cross up around bar 3, back down at bar 7.
	closes := []float64{100, 99, 98, 103, 106, 107, 106, 98, 95, 94}
	bars := barsFromCloses(closes)

	cfg := Config{
		RunID:     "run_test00000002",
		Symbol:    "BTC-USD",
		Timeframe: "1m",
		Strategy:  MaCross{Fast: 2, Slow: 3},
		RiskLevel: 3,
	}
	res, err := Run(cfg, bars)
	require.NoError(t, err)

	require.NotEmpty(t, res.Trades)
	trade := res.Trades[0]
	assert.Equal(t, "LONG", trade.Side)

	// Signal on bar 3 executes at bar 4's open; exit signal on bar 7
	// executes at bar 8's open.
	assert.Equal(t, ActionEnterLong, res.Decisions[3].Action)
	assert.InDelta(t, bars[4].Open, trade.EntryPrice, 1e-9)
	assert.Equal(t, ActionExitLong, res.Decisions[7].Action)
	assert.InDelta(t, bars[8].Open, trade.ExitPrice, 1e-9)
}

func TestMaCrossNoLookAhead(t *testing.T) {
	closes := []float64{100, 99, 98, 103, 106, 107, 106, 98, 95, 94}
	cfg := Config{RunID: "run_a", Symbol: "X", Timeframe: "1m", Strategy: MaCross{Fast: 2, Slow: 3}, RiskLevel: 1}

	base, err := Run(cfg, barsFromCloses(closes))
	require.NoError(t, err)

	mutated := append([]float64{}, closes...)
	mutated[9] = 1000 // future bar only
	alt, err := Run(cfg, barsFromCloses(mutated))
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		assert.Equal(t, base.Decisions[i].Action, alt.Decisions[i].Action, "bar %d changed", i)
	}
}

func TestContradictorySignalsCollapseToHold(t *testing.T) {
	// Monotonic rise: fast stays above slow after the first cross, so no
	// repeated entries may appear.
	closes := []float64{100, 98, 96, 101, 104, 108, 112, 116, 120, 124}
	cfg := Config{RunID: "run_b", Symbol: "X", Timeframe: "1m", Strategy: MaCross{Fast: 2, Slow: 3}, RiskLevel: 2}
	res, err := Run(cfg, barsFromCloses(closes))
	require.NoError(t, err)

	entries := 0
	for _, d := range res.Decisions {
		if d.Action == ActionEnterLong {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestSlippageAndCommissionAccounting(t *testing.T) {
	bars := barsFromCloses([]float64{100, 100, 100})
	cfg := holdConfig(5)
	cfg.CommissionBps = 10 // 0.1%
	cfg.SlippageBps = 20   // 0.2%
	res, err := Run(cfg, bars)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]

	effEntry := 100.0 * (1 + 20.0/10000)
	qty := InitialEquity * 0.5 / effEntry
	entryComm := qty * effEntry * 10.0 / 10000
	effExit := 100.0 * (1 - 20.0/10000)
	exitComm := qty * effExit * 10.0 / 10000

	assert.InDelta(t, effEntry, trade.EntryPrice, 1e-9)
	assert.InDelta(t, effExit, trade.ExitPrice, 1e-9)
	assert.InDelta(t, entryComm+exitComm, trade.Fees, 1e-9)
	assert.InDelta(t, (effExit-effEntry)*qty-entryComm-exitComm, trade.PnL, 1e-9)
	assert.True(t, trade.PnL < 0, "round trip at flat price must lose the costs")
}

func TestMaxDrawdown(t *testing.T) {
	bars := barsFromCloses([]float64{100, 110, 99, 105})
	res, err := Run(holdConfig(5), bars)
	require.NoError(t, err)

	m := res.Metrics
	assert.True(t, m.MaxDrawdown > 0)
	assert.False(t, math.IsNaN(m.MaxDrawdown))

	// Drawdown is measured against the running equity peak.
	peak, maxDD := 0.0, 0.0
	for _, p := range res.Equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if dd := (peak - p.Equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	assert.InDelta(t, maxDD, m.MaxDrawdown, 1e-12)
}

func TestDeterminism(t *testing.T) {
	closes := []float64{100, 99, 98, 103, 106, 107, 106, 98, 95, 94}
	cfg := Config{RunID: "run_c", Symbol: "X", Timeframe: "1m", Strategy: MaCross{Fast: 2, Slow: 3}, RiskLevel: 4, CommissionBps: 5, SlippageBps: 5, Seed: 7}

	first, err := Run(cfg, barsFromCloses(closes))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Run(cfg, barsFromCloses(closes))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDemoThresholdBehavesAsHold(t *testing.T) {
	bars := barsFromCloses([]float64{100, 101, 102, 103})
	cfg := holdConfig(3)
	hold, err := Run(cfg, bars)
	require.NoError(t, err)

	cfg.Strategy = DemoThreshold{Threshold: 5}
	demo, err := Run(cfg, bars)
	require.NoError(t, err)

	assert.Equal(t, hold.Trades, demo.Trades)
	assert.Equal(t, hold.Equity, demo.Equity)
}

func TestNewStrategyValidation(t *testing.T) {
	_, err := NewStrategy("hold", nil)
	assert.NoError(t, err)

	_, err = NewStrategy("ma_cross", map[string]any{"fast": 2, "slow": 5})
	assert.NoError(t, err)

	invalid := []map[string]any{
		{"fast": 5, "slow": 2},
		{"fast": 0, "slow": 3},
		{"fast": 2},
		{"fast": 2.5, "slow": 5},
	}
	for _, params := range invalid {
		_, err := NewStrategy("ma_cross", params)
		assert.Error(t, err, "%v", params)
	}

	_, err = NewStrategy("demo_threshold", map[string]any{"threshold": 11.0})
	assert.Error(t, err)

	_, err = NewStrategy("unknown_strategy", nil)
	assert.Error(t, err)
}

func TestRiskFraction(t *testing.T) {
	assert.InDelta(t, 0.1, RiskFraction(1), 1e-12)
	assert.InDelta(t, 0.5, RiskFraction(5), 1e-12)
	assert.InDelta(t, 0.1, RiskFraction(0), 1e-12)
	assert.InDelta(t, 0.5, RiskFraction(9), 1e-12)
}

func TestEmptySeriesFails(t *testing.T) {
	_, err := Run(holdConfig(3), nil)
	assert.Error(t, err)
}
