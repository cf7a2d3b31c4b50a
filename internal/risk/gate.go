package risk

import (
	"fmt"

	"marginbot/internal/domain"
	"marginbot/internal/ports"
)

// Config holds the gate's risk parameters.
type Config struct {
	MinConfidence   float64 // Minimum signal confidence (0-100)
	DefaultLeverage int     // Applied when a signal carries no leverage
	MaxLeverage     int     // Hard cap; higher requests are clamped down
	StopLossPct     float64 // Stop-loss offset from entry, e.g. 0.02
	TargetPct       float64 // Target offset from entry, e.g. 0.06
}

// Gate is the pure decision layer in front of the ledger and the store:
// it validates signals, normalizes leverage and prices exit levels. It holds
// no state and touches no money.
type Gate struct {
	cfg Config
}

// New creates a risk gate.
func New(cfg Config) (*Gate, error) {
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 100 {
		return nil, fmt.Errorf("min confidence must be within 0-100: %w", ports.ErrConfigurationError)
	}
	if cfg.DefaultLeverage < 1 || cfg.MaxLeverage < 1 || cfg.DefaultLeverage > cfg.MaxLeverage {
		return nil, fmt.Errorf("leverage bounds must satisfy 1 <= default <= max: %w", ports.ErrConfigurationError)
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 || cfg.TargetPct <= 0 || cfg.TargetPct >= 1 {
		return nil, fmt.Errorf("stop-loss and target offsets must be in (0, 1): %w", ports.ErrConfigurationError)
	}
	return &Gate{cfg: cfg}, nil
}

// ValidateSignal checks the signal value and its confidence.
func (g *Gate) ValidateSignal(sig domain.TradeSignal) error {
	if sig.Signal != domain.SignalBuy && sig.Signal != domain.SignalSell {
		return fmt.Errorf("got %q: %w", sig.Signal, ports.ErrInvalidSignal)
	}
	if sig.Confidence < g.cfg.MinConfidence {
		return fmt.Errorf("confidence %.1f below threshold %.1f: %w", sig.Confidence, g.cfg.MinConfidence, ports.ErrConfidenceTooLow)
	}
	if sig.Price <= 0 {
		return fmt.Errorf("price must be positive, got %.4f: %w", sig.Price, ports.ErrInvalidSignal)
	}
	return nil
}

// ClampLeverage normalizes a requested leverage: zero means the configured
// default, and anything above the maximum is clamped to it.
func (g *Gate) ClampLeverage(requested int) int {
	if requested <= 0 {
		return g.cfg.DefaultLeverage
	}
	if requested > g.cfg.MaxLeverage {
		return g.cfg.MaxLeverage
	}
	return requested
}

// ExitLevels prices the stop-loss and target for an entry at the given side.
// LONG stops below and targets above the entry; SHORT is mirrored.
func (g *Gate) ExitLevels(side domain.Side, entryPrice float64) (stopLoss, target float64) {
	if side == domain.Short {
		return entryPrice * (1 + g.cfg.StopLossPct), entryPrice * (1 - g.cfg.TargetPct)
	}
	return entryPrice * (1 - g.cfg.StopLossPct), entryPrice * (1 + g.cfg.TargetPct)
}
