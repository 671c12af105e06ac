package backtest

import "time"

// Result aggregates one completed run. PnL figures are net of commission as
// reported by the ledger; MaxDrawdown is measured over the sequence of closed
// trades, not intrabar equity.
type Result struct {
	Symbol         string    `json:"symbol"`
	Strategy       string    `json:"strategy"`
	SessionID      string    `json:"session_id"`
	AuditDir       string    `json:"audit_dir"`
	Bars           int       `json:"bars"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`

	TotalTrades     int     `json:"total_trades"`
	WinningTrades   int     `json:"winning_trades"`
	LosingTrades    int     `json:"losing_trades"`
	WinRate         float64 `json:"win_rate"`
	NetPnL          float64 `json:"net_pnl"`
	TotalCommission float64 `json:"total_commission"`
	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`

	SignalsRejected       int     `json:"signals_rejected"`
	AvgTradeDurationHours float64 `json:"avg_trade_duration_hours"`
}

func (r *Runner) buildResult(bars []Bar, finalBalance float64) *Result {
	res := &Result{
		Symbol:          r.cfg.Symbol,
		Strategy:        r.strategy.Name(),
		SessionID:       r.sessionID,
		AuditDir:        r.cfg.AuditDir,
		Bars:            len(bars),
		StartTime:       bars[0].Time,
		EndTime:         bars[len(bars)-1].Time,
		InitialBalance:  r.cfg.InitialBalance,
		FinalBalance:    finalBalance,
		NetPnL:          finalBalance - r.cfg.InitialBalance,
		TotalCommission: r.book.TotalCommission(),
		SignalsRejected: r.rejected,
	}

	var grossWin, grossLoss, totalDuration float64
	for _, trade := range r.trades {
		res.TotalTrades++
		totalDuration += trade.closedAt.Sub(trade.openedAt).Hours()
		if trade.pnl >= 0 {
			res.WinningTrades++
			grossWin += trade.pnl
			if trade.pnl > res.LargestWin {
				res.LargestWin = trade.pnl
			}
		} else {
			res.LosingTrades++
			grossLoss += -trade.pnl
			if trade.pnl < res.LargestLoss {
				res.LargestLoss = trade.pnl
			}
		}
	}
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades)
		res.AvgTradeDurationHours = totalDuration / float64(res.TotalTrades)
	}
	if res.WinningTrades > 0 {
		res.AverageWin = grossWin / float64(res.WinningTrades)
	}
	if res.LosingTrades > 0 {
		res.AverageLoss = -grossLoss / float64(res.LosingTrades)
	}
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		res.ProfitFactor = grossWin
	}

	res.MaxDrawdown, res.MaxDrawdownPct = r.maxDrawdown()
	return res
}

// maxDrawdown walks the closed-trade equity curve tracking the running peak.
func (r *Runner) maxDrawdown() (drawdown, drawdownPct float64) {
	equity := r.cfg.InitialBalance
	peak := equity
	for _, trade := range r.trades {
		equity += trade.pnl
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > drawdown {
			drawdown = dd
			if peak > 0 {
				drawdownPct = dd / peak
			}
		}
	}
	return drawdown, drawdownPct
}
