package engine

import (
	"sync"
	"time"
)

// Mode selects whether orders reach a real venue.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Session is one bounded run of the trading loop. At most one session is open
// at a time.
type Session struct {
	ID             string    `json:"id"`
	Mode           Mode      `json:"mode"`
	StrategyName   string    `json:"strategy_name"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
}

// tradeRecord is one fully closed position, kept for performance metrics.
type tradeRecord struct {
	Symbol   string
	PnL      float64
	ClosedAt time.Time
}

// performanceLog accumulates closed trades for a session.
type performanceLog struct {
	mu     sync.Mutex
	trades []tradeRecord
}

func (p *performanceLog) record(symbol string, pnl float64, closedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, tradeRecord{Symbol: symbol, PnL: pnl, ClosedAt: closedAt})
}

func (p *performanceLog) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = nil
}

// Metrics summarizes closed-trade performance.
type Metrics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	LargestWin    float64 `json:"largest_win"`
	LargestLoss   float64 `json:"largest_loss"`
}

func (p *performanceLog) metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var m Metrics
	var grossProfit, grossLoss float64
	for _, t := range p.trades {
		m.TotalTrades++
		m.TotalPnL += t.PnL
		if t.PnL >= 0 {
			m.WinningTrades++
			grossProfit += t.PnL
			if t.PnL > m.LargestWin {
				m.LargestWin = t.PnL
			}
		} else {
			m.LosingTrades++
			grossLoss += -t.PnL
			if t.PnL < m.LargestLoss {
				m.LargestLoss = t.PnL
			}
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = -grossLoss / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		m.ProfitFactor = grossProfit
	}
	return m
}
