package engine

// Costs echoes the cost model into the metrics payload.
type Costs struct {
	CommissionBps float64 `json:"commission_bps"`
	SlippageBps   float64 `json:"slippage_bps"`
}

// Metrics is the run-level summary emitted to metrics.json.
type Metrics struct {
	TotalReturn   float64 `json:"total_return"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	NumTrades     int     `json:"num_trades"`
	WinRate       float64 `json:"win_rate"`
	InitialEquity float64 `json:"initial_equity"`
	FinalEquity   float64 `json:"final_equity"`
	NumRecords    int     `json:"num_records"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	StrategyID    string  `json:"strategy_id"`
	RiskLevel     int     `json:"risk_level"`
	Costs         Costs   `json:"costs"`
}

func computeMetrics(cfg Config, res *Result) Metrics {
	finalEquity := InitialEquity
	if len(res.Equity) > 0 {
		finalEquity = res.Equity[len(res.Equity)-1].Equity
	}

	totalReturn := 0.0
	if InitialEquity != 0 {
		totalReturn = (finalEquity - InitialEquity) / InitialEquity
	}

	maxDrawdown := 0.0
	peak := 0.0
	for _, point := range res.Equity {
		if point.Equity > peak {
			peak = point.Equity
		}
		if peak > 0 {
			if dd := (peak - point.Equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	wins := 0
	for _, trade := range res.Trades {
		if trade.PnL > 0 {
			wins++
		}
	}
	winRate := 0.0
	if len(res.Trades) > 0 {
		winRate = float64(wins) / float64(len(res.Trades))
	}

	return Metrics{
		TotalReturn:   totalReturn,
		MaxDrawdown:   maxDrawdown,
		NumTrades:     len(res.Trades),
		WinRate:       winRate,
		InitialEquity: InitialEquity,
		FinalEquity:   finalEquity,
		NumRecords:    len(res.Trades),
		Symbol:        cfg.Symbol,
		Timeframe:     cfg.Timeframe,
		StrategyID:    cfg.Strategy.ID(),
		RiskLevel:     cfg.RiskLevel,
		Costs:         Costs{CommissionBps: cfg.CommissionBps, SlippageBps: cfg.SlippageBps},
	}
}
