package domain

import "time"

// Position represents a single trading position tracked by the bot.
type Position struct {
	ID             int64          // Unique identifier for the position (assigned by the store)
	Symbol         string         // Trading symbol (e.g., "BTCUSD")
	Side           Side           // LONG or SHORT
	EntryPrice     float64        // Price at which the position was entered
	ExitPrice      float64        // Price at which the position was exited (0 while open)
	Quantity       float64        // Size of the position in units of the symbol
	InvestedAmount float64        // Notional value at entry
	Leverage       int            // Leverage used for the position (>= 1)
	MarginUsed     float64        // Margin posted for the position, frozen at creation
	TradingFee     float64        // Entry fee, frozen at creation; exit fee is half of it
	StopLoss       float64        // Stop-loss price level (0 if unset)
	Target         float64        // Target price level (0 if unset)
	Status         PositionStatus // OPEN or CLOSED
	PNL            float64        // Recomputed from the current price while open, frozen at close
	StrategyName   string         // Name of the strategy that produced the entry signal
	AnalysisID     string         // Opaque provenance identifier for the originating analysis
	EntryTime      time.Time      // Timestamp when the position was entered (UTC)
	ExitTime       time.Time      // Timestamp when the position was exited (zero value while open)
	Notes          string         // Free-form notes; holds the close reason after exit
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// UnrealizedPNL computes the profit or loss of the position at the given price.
func (p *Position) UnrealizedPNL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Side.Sign()
}

// HoldingTime returns how long the position has been open, or the final
// open duration for a closed position. Timestamps are normalized to UTC.
func (p *Position) HoldingTime(now time.Time) time.Duration {
	end := now.UTC()
	if p.Status == StatusClosed && !p.ExitTime.IsZero() {
		end = p.ExitTime.UTC()
	}
	return end.Sub(p.EntryTime.UTC())
}

// ExitFee returns the fee charged when the position is closed.
func (p *Position) ExitFee() float64 {
	return p.TradingFee / 2
}

// MarginUsageRatio measures how much of the posted margin has been eroded by
// adverse price movement, bounded to [0, 1]. Favourable movement yields 0.
// Only meaningful for leveraged positions.
func (p *Position) MarginUsageRatio(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	adverse := (p.EntryPrice - price) / p.EntryPrice * p.Side.Sign()
	ratio := adverse * float64(p.Leverage)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
