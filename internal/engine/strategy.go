package engine

import (
	"encoding/json"

	"github.com/buffquant/buffrun/internal/apperr"
	"github.com/buffquant/buffrun/internal/ohlcv"
)

// Action is a per-bar strategy decision.
type Action string

const (
	ActionHold      Action = "HOLD"
	ActionEnterLong Action = "ENTER_LONG"
	ActionExitLong  Action = "EXIT_LONG"
)

// Strategy is the closed set of built-in strategies. Signal is pure: it may
// look at bars [0..i] only, never ahead.
type Strategy interface {
	ID() string
	// Signal returns the raw action emitted on bar i.
	Signal(i int, bars []ohlcv.Bar) Action
	// holdShaped reports hold-style semantics: immediate entry at bar 0's
	// open and a post-hoc decision rewrite (enter at 0, exit at the end).
	holdShaped() bool
}

// Hold enters at the first bar and exits at the last.
type Hold struct{}

func (Hold) ID() string                     { return "hold" }
func (Hold) Signal(int, []ohlcv.Bar) Action { return ActionHold }
func (Hold) holdShaped() bool               { return true }

// DemoThreshold behaves as Hold; the threshold is retained for schema
// stability only.
type DemoThreshold struct {
	Threshold float64
}

func (DemoThreshold) ID() string                     { return "demo_threshold" }
func (DemoThreshold) Signal(int, []ohlcv.Bar) Action { return ActionHold }
func (DemoThreshold) holdShaped() bool               { return true }

// MaCross trades simple moving-average crossovers of the close series.
type MaCross struct {
	Fast int
	Slow int
}

func (MaCross) ID() string       { return "ma_cross" }
func (MaCross) holdShaped() bool { return false }

// Signal emits ENTER_LONG on an upward fast/slow cross and EXIT_LONG on the
// mirror cross. Signals only exist for bars in [1, N-2]; a window without
// enough history (min_periods == window) yields HOLD.
func (s MaCross) Signal(i int, bars []ohlcv.Bar) Action {
	if i < 1 || i > len(bars)-2 {
		return ActionHold
	}
	fastPrev, okFP := sma(bars, s.Fast, i-1)
	slowPrev, okSP := sma(bars, s.Slow, i-1)
	fastCur, okFC := sma(bars, s.Fast, i)
	slowCur, okSC := sma(bars, s.Slow, i)
	if !okFP || !okSP || !okFC || !okSC {
		return ActionHold
	}
	if fastPrev <= slowPrev && fastCur > slowCur {
		return ActionEnterLong
	}
	if fastPrev >= slowPrev && fastCur < slowCur {
		return ActionExitLong
	}
	return ActionHold
}

// sma returns the simple moving average of closes over the window ending at
// i, or ok=false when fewer than window bars are available.
func sma(bars []ohlcv.Bar, window, i int) (float64, bool) {
	if i+1 < window {
		return 0, false
	}
	sum := 0.0
	for j := i - window + 1; j <= i; j++ {
		sum += bars[j].Close
	}
	return sum / float64(window), true
}

// NewStrategy builds a Strategy from its wire id and params, validating
// every parameter.
func NewStrategy(id string, params map[string]any) (Strategy, error) {
	switch id {
	case "hold":
		return Hold{}, nil
	case "demo_threshold":
		threshold := 5.0
		if raw, ok := params["threshold"]; ok {
			v, ok := asFloat(raw)
			if !ok || v < 0 || v > 10 {
				return nil, apperr.New(apperr.CodeStrategyInvalid, 400, "demo_threshold.threshold must be in [0, 10]")
			}
			threshold = v
		}
		return DemoThreshold{Threshold: threshold}, nil
	case "ma_cross":
		fast, okF := asInt(params["fast"])
		slow, okS := asInt(params["slow"])
		if !okF || !okS || fast <= 0 || fast >= slow {
			return nil, apperr.New(apperr.CodeStrategyInvalid, 400, "ma_cross requires 0 < fast < slow")
		}
		return MaCross{Fast: fast, Slow: slow}, nil
	default:
		return nil, apperr.Newf(apperr.CodeStrategyInvalid, 400, "unknown strategy %q", id)
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
