package domain

import "time"

// Account holds the single trading account's balance, margin and risk limits.
// Every field except ID, Name and InitialBalance is mutated exclusively by the
// account ledger and written through to the repository after each change.
type Account struct {
	ID               int64
	Name             string
	InitialBalance   float64
	CurrentBalance   float64 // Must stay >= 0 after any committed operation
	TotalMarginUsed  float64 // Equals the sum of MarginUsed over open positions
	BrokerageCharges float64 // Cumulative fees paid

	DailyTradesCount int       // Cached count of positions entered on LastTradeDate
	LastTradeDate    time.Time // UTC calendar day the counter refers to

	// Risk configuration
	DailyTradesLimit int
	MaxPositionSize  float64 // Cap on margin committed to a single position
	RiskPerTrade     float64 // Fraction of balance risked per trade (e.g., 0.1)
	MaxLeverage      int

	// Aggregate statistics over closed positions
	TotalTrades      int
	ProfitableTrades int
	LosingTrades     int
	TotalProfit      float64
	TotalLoss        float64

	AlgoRunning bool // Run/stop flag for the trading loop
	UpdatedAt   time.Time
}

// WinRate returns the fraction of closed trades that were profitable, in percent.
func (a *Account) WinRate() float64 {
	if a.TotalTrades == 0 {
		return 0
	}
	return float64(a.ProfitableTrades) / float64(a.TotalTrades) * 100
}

// AvailableBalance returns the balance not currently committed as margin.
func (a *Account) AvailableBalance() float64 {
	return a.CurrentBalance
}

// AccountSummary is a display snapshot of the account. Reads may be stale by
// one sweep interval; it carries no authority over the ledger's state.
type AccountSummary struct {
	Name            string
	Balance         float64
	Equity          float64 // Balance plus unrealized PnL over open positions
	MarginUsed      float64
	MarginAvailable float64
	OpenPositions   int
	ClosedPositions int
	UnrealizedPNL   float64
	TotalTrades     int
	WinRate         float64
	AlgoRunning     bool
}
