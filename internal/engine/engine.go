// Package engine runs the deterministic bar-close simulation: strategy
// dispatch, risk sizing, fee and slippage accounting, and mark-to-market
// equity tracking. The engine is single-threaded and synchronous; identical
// inputs produce identical outputs on every host.
package engine

import (
	"math/rand"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/ohlcv"
	"github.com/buffquant/buffrun/internal/timeutil"
)

// InitialEquity is the fixed starting cash of every simulation.
const InitialEquity = 10_000.0

// Config holds everything one simulation needs.
type Config struct {
	RunID         string
	Symbol        string
	Timeframe     string
	Strategy      Strategy
	RiskLevel     int
	CommissionBps float64
	SlippageBps   float64
	Seed          int64
}

// Decision is one per-bar decision record (dr.v1).
type Decision struct {
	SchemaVersion string  `json:"schema_version"`
	RunID         string  `json:"run_id"`
	Seq           int     `json:"seq"`
	TsUTC         string  `json:"ts_utc"`
	Action        Action  `json:"action"`
	Price         float64 `json:"price"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	StrategyID    string  `json:"strategy_id"`
	RiskLevel     int     `json:"risk_level"`
}

// Trade is one closed long round-trip.
type Trade struct {
	EntryTime  string  `json:"entry_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitTime   string  `json:"exit_time"`
	ExitPrice  float64 `json:"exit_price"`
	Qty        float64 `json:"qty"`
	PnL        float64 `json:"pnl"`
	Fees       float64 `json:"fees"`
	Side       string  `json:"side"`
}

// EquityPoint is the mark-to-market equity after one bar close.
type EquityPoint struct {
	T      string  `json:"t"`
	Equity float64 `json:"equity"`
}

// Result is the full ordered output stream of one simulation.
type Result struct {
	Decisions []Decision
	Trades    []Trade
	Equity    []EquityPoint
	Metrics   Metrics
}

// RiskFraction converts a risk level to the entry sizing fraction.
func RiskFraction(level int) float64 {
	if level < 1 {
		level = 1
	}
	if level > 5 {
		level = 5
	}
	return float64(level) * 0.1
}

// position tracks the open long, if any.
type position struct {
	open            bool
	qty             float64
	entryPrice      float64 // effective (slippage-adjusted) entry price
	entryCommission float64
	entryTime       string
}

// Run executes the simulation over a validated bar series.
func Run(cfg Config, bars []ohlcv.Bar) (*Result, error) {
	if len(bars) == 0 {
		return nil, apperr.New(apperr.CodeDataInvalid, 400, "cannot simulate an empty bar series")
	}
	if cfg.Strategy == nil {
		return nil, apperr.New(apperr.CodeStrategyInvalid, 400, "strategy is required")
	}

	// Seeded source for strategies that ask for randomness. The built-in
	// strategies never draw from it, so determinism does not depend on it.
	_ = rand.New(rand.NewSource(cfg.Seed))

	riskFraction := RiskFraction(cfg.RiskLevel)
	n := len(bars)
	cash := InitialEquity
	var pos position
	var pending Action = ActionHold

	res := &Result{
		Decisions: make([]Decision, 0, n),
		Trades:    make([]Trade, 0),
		Equity:    make([]EquityPoint, 0, n),
	}

	enter := func(price float64, ts string) {
		effective := price * (1 + cfg.SlippageBps/10_000)
		qty := cash * riskFraction / effective
		commission := abs(qty*effective) * cfg.CommissionBps / 10_000
		cash -= qty*effective + commission
		pos = position{open: true, qty: qty, entryPrice: effective, entryCommission: commission, entryTime: ts}
	}
	exit := func(price float64, ts string) {
		effective := price * (1 - cfg.SlippageBps/10_000)
		commission := abs(pos.qty*effective) * cfg.CommissionBps / 10_000
		pnl := (effective-pos.entryPrice)*pos.qty - pos.entryCommission - commission
		cash += pos.qty*effective - commission
		res.Trades = append(res.Trades, Trade{
			EntryTime:  pos.entryTime,
			EntryPrice: pos.entryPrice,
			ExitTime:   ts,
			ExitPrice:  effective,
			Qty:        pos.qty,
			PnL:        pnl,
			Fees:       pos.entryCommission + commission,
			Side:       "LONG",
		})
		pos = position{}
	}

	for i, bar := range bars {
		ts := timeutil.Format(bar.Ts)

		// Execute the signal carried over from the previous bar at this
		// bar's open (no look-ahead).
		switch pending {
		case ActionEnterLong:
			if !pos.open {
				enter(bar.Open, ts)
			}
		case ActionExitLong:
			if pos.open {
				exit(bar.Open, ts)
			}
		}
		pending = ActionHold

		// Hold-shaped strategies enter directly at the first bar's open.
		if i == 0 && cfg.Strategy.holdShaped() {
			enter(bar.Open, ts)
		}

		action := cfg.Strategy.Signal(i, bars)
		// Signals that contradict the current position collapse to HOLD.
		if (action == ActionEnterLong && pos.open) || (action == ActionExitLong && !pos.open) {
			action = ActionHold
		}
		if action != ActionHold && i < n-1 {
			pending = action
		}

		res.Decisions = append(res.Decisions, Decision{
			SchemaVersion: "dr.v1",
			RunID:         cfg.RunID,
			Seq:           i,
			TsUTC:         ts,
			Action:        action,
			Price:         bar.Close,
			Symbol:        cfg.Symbol,
			Timeframe:     cfg.Timeframe,
			StrategyID:    cfg.Strategy.ID(),
			RiskLevel:     cfg.RiskLevel,
		})

		equity := cash + pos.qty*bar.Close
		if i == n-1 && pos.open {
			// Force close-out at the last bar's close. The final equity
			// point equals cash post-close and the final decision becomes
			// an exit.
			exit(bar.Close, ts)
			equity = cash
			res.Decisions[n-1].Action = ActionExitLong
		}
		res.Equity = append(res.Equity, EquityPoint{T: ts, Equity: equity})
	}

	if cfg.Strategy.holdShaped() {
		rewriteHoldDecisions(res.Decisions)
	}

	res.Metrics = computeMetrics(cfg, res)
	return res, nil
}

// rewriteHoldDecisions forces the hold-family decision shape: enter at seq 0,
// exit at the final seq, hold everywhere else. On a single-bar series the
// exit wins, matching the force close-out that already happened at that bar.
func rewriteHoldDecisions(decisions []Decision) {
	for i := range decisions {
		switch {
		case i == len(decisions)-1:
			decisions[i].Action = ActionExitLong
		case i == 0:
			decisions[i].Action = ActionEnterLong
		default:
			decisions[i].Action = ActionHold
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
