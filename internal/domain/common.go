package domain

// Signal represents an externally produced trading recommendation.
type Signal string

const (
	SignalBuy     Signal = "BUY"
	SignalSell    Signal = "SELL"
	SignalNeutral Signal = "NEUTRAL"
)

// Side represents the direction of a position (LONG or SHORT).
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign returns the direction multiplier used in PnL arithmetic: +1 for LONG, -1 for SHORT.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// SideForSignal derives the position side opened by a signal.
func SideForSignal(sig Signal) Side {
	if sig == SignalSell {
		return Short
	}
	return Long
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// CloseReason indicates why a position was closed. It is recorded in the
// position's notes so exit causes can be audited later.
type CloseReason string

const (
	CloseReasonStopLoss CloseReason = "stop loss hit"
	CloseReasonTarget   CloseReason = "target hit"
	CloseReasonExpired  CloseReason = "holding time exceeded"
	CloseReasonManual   CloseReason = "manual close"
)
