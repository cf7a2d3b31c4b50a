package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marginbot/internal/domain"
	"marginbot/internal/ledger"
	"marginbot/internal/ports"
	"marginbot/internal/positions"
	"marginbot/internal/risk"
)

// Executor turns trading signals into funded positions and unwinds them on
// exit triggers. It owns the cross-component choreography: every open is
// gate -> reserve margin -> create position, and every close is
// close position -> release margin -> refresh statistics, in that order.
// Reservation and creation are not atomic across the ledger and the store,
// so a failed create is compensated by an explicit margin refund.
type Executor struct {
	ledger  *ledger.Ledger
	store   *positions.Store
	gate    *risk.Gate
	logger  ports.Logger
	emitter ports.EventEmitter

	marginCallThreshold  float64
	liquidationThreshold float64
	maxHolding           time.Duration
	now                  func() time.Time
}

// Config holds the executor's dependencies and sweep thresholds.
type Config struct {
	Ledger               *ledger.Ledger
	Store                *positions.Store
	Gate                 *risk.Gate
	Logger               ports.Logger
	Emitter              ports.EventEmitter
	MarginCallThreshold  float64
	LiquidationThreshold float64
	MaxHolding           time.Duration
	Now                  func() time.Time // Defaults to time.Now; injectable for tests
}

// New creates a trade executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Ledger == nil || cfg.Store == nil || cfg.Gate == nil || cfg.Logger == nil || cfg.Emitter == nil {
		return nil, fmt.Errorf("missing required dependencies for Executor")
	}
	if cfg.MarginCallThreshold <= 0 || cfg.MarginCallThreshold >= cfg.LiquidationThreshold || cfg.LiquidationThreshold > 1 {
		return nil, fmt.Errorf("margin thresholds must satisfy 0 < call < liquidation <= 1: %w", ports.ErrConfigurationError)
	}
	if cfg.MaxHolding <= 0 {
		return nil, fmt.Errorf("max holding duration must be positive: %w", ports.ErrConfigurationError)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		ledger:               cfg.Ledger,
		store:                cfg.Store,
		gate:                 cfg.Gate,
		logger:               cfg.Logger,
		emitter:              cfg.Emitter,
		marginCallThreshold:  cfg.MarginCallThreshold,
		liquidationThreshold: cfg.LiquidationThreshold,
		maxHolding:           cfg.MaxHolding,
		now:                  now,
	}, nil
}

// ProcessSignal runs the full validation pipeline for a signal and, when
// every gate passes, opens a funded position. The first failing gate aborts
// with a cause-specific error and no mutation. Returns true when a position
// was opened.
func (e *Executor) ProcessSignal(ctx context.Context, sig domain.TradeSignal) (bool, error) {
	op := "ProcessSignal"

	// 1-2. Signal value and confidence.
	if err := e.gate.ValidateSignal(sig); err != nil {
		e.rejectSignal(ctx, sig, err.Error())
		return false, err
	}

	// 3. The daily counter must be verified against the store before any
	// limit decision; a failure here fails closed.
	if err := e.ledger.ReconcileDailyCount(ctx); err != nil {
		e.logger.Error(ctx, err, op+": daily count reconciliation failed, rejecting signal", map[string]interface{}{"symbol": sig.Symbol})
		return false, err
	}

	// 4. Authoritative daily count against the limit.
	count, limit := e.ledger.DailyTradesToday()
	if count >= limit {
		err := fmt.Errorf("%w (%d/%d)", ports.ErrDailyLimitReached, count, limit)
		e.rejectSignal(ctx, sig, err.Error())
		return false, err
	}

	// 5. One open position per (symbol, side).
	side := domain.SideForSignal(sig.Signal)
	if !e.store.CanOpen(sig.Symbol, side) {
		err := fmt.Errorf("%s %s: %w", sig.Symbol, side, ports.ErrDuplicatePosition)
		e.rejectSignal(ctx, sig, err.Error())
		return false, err
	}

	// 6. Leverage defaulted and clamped to the account maximum.
	leverage := e.gate.ClampLeverage(sig.Leverage)

	// 7. Affordability: sizing must yield a funded trade.
	notional, margin, fee := e.ledger.CalculatePositionSize(ctx, sig.Price, 0, leverage)
	if notional <= 0 || margin <= 0 {
		err := fmt.Errorf("no affordable position size at price %.4f: %w", sig.Price, ports.ErrInsufficientFunds)
		e.rejectSignal(ctx, sig, err.Error())
		return false, err
	}

	if ok, reason := e.ledger.CanOpenPosition(ctx, margin); !ok {
		err := fmt.Errorf("ledger refused open: %s", reason)
		e.rejectSignal(ctx, sig, reason)
		return false, err
	}

	stopLoss, target := e.gate.ExitLevels(side, sig.Price)

	// Reserve first; the position must never exist without its margin.
	if err := e.ledger.ReserveMargin(ctx, margin, fee); err != nil {
		e.logger.Error(ctx, err, op+": margin reservation failed", map[string]interface{}{"symbol": sig.Symbol, "margin": margin})
		return false, err
	}

	analysisID := sig.AnalysisID
	if analysisID == "" {
		analysisID = uuid.NewString()
	}

	pos := &domain.Position{
		Symbol:         sig.Symbol,
		Side:           side,
		EntryPrice:     sig.Price,
		Quantity:       notional / sig.Price,
		InvestedAmount: notional,
		Leverage:       leverage,
		MarginUsed:     margin,
		TradingFee:     fee,
		StopLoss:       stopLoss,
		Target:         target,
		StrategyName:   sig.StrategyName,
		AnalysisID:     analysisID,
		EntryTime:      e.now().UTC(),
	}

	created, err := e.store.Create(ctx, pos)
	if err != nil {
		// Two-phase rollback: the reservation committed but the position did
		// not, so refund margin and the entry fee exactly. Logged distinctly
		// from a normal release so drift can be audited.
		e.logger.Error(ctx, err, op+": position create failed after margin reservation, compensating", map[string]interface{}{"symbol": sig.Symbol, "margin": margin, "fee": fee})
		if relErr := e.ledger.ReleaseMargin(ctx, margin, 0, -fee); relErr != nil {
			e.logger.Error(ctx, relErr, op+": COMPENSATING MARGIN REFUND FAILED, ledger and store disagree", map[string]interface{}{"symbol": sig.Symbol, "margin": margin})
			return false, fmt.Errorf("create failed and compensation failed: %w", relErr)
		}
		e.emitter.EmitLog(ctx, domain.LogEvent{
			Message: fmt.Sprintf("refunded %.2f margin after failed position create for %s", margin, sig.Symbol),
			Level:   domain.LogLevelWarning,
			Source:  "executor",
			Time:    e.now().UTC(),
		})
		return false, err
	}

	if err := e.ledger.SyncDailyTradesAfterCreate(ctx); err != nil {
		// The position is live; a stale counter only risks a pessimistic
		// rejection later, so log and carry on.
		e.logger.Warn(ctx, op+": failed to resync daily counter after create", map[string]interface{}{"error": err.Error()})
	}

	e.emitter.EmitTrade(ctx, domain.TradeEvent{
		ID:         uuid.NewString(),
		Message:    fmt.Sprintf("opened %s %s @ %.4f (qty %.6f, lev %dx)", created.Side, created.Symbol, created.EntryPrice, created.Quantity, created.Leverage),
		Type:       domain.TradeEventOpen,
		PositionID: created.ID,
		Source:     sig.StrategyName,
		Time:       e.now().UTC(),
	})
	return true, nil
}

// rejectSignal surfaces a gate failure to the trade log; rejections mutate
// nothing, so the event stream is the only place they are visible.
func (e *Executor) rejectSignal(ctx context.Context, sig domain.TradeSignal, reason string) {
	e.logger.Info(ctx, "Signal rejected", map[string]interface{}{
		"symbol": sig.Symbol,
		"signal": string(sig.Signal),
		"reason": reason,
	})
	e.emitter.EmitTrade(ctx, domain.TradeEvent{
		ID:      uuid.NewString(),
		Message: fmt.Sprintf("rejected %s signal for %s: %s", sig.Signal, sig.Symbol, reason),
		Type:    domain.TradeEventSignal,
		Source:  sig.StrategyName,
		Time:    e.now().UTC(),
	})
}

// CheckOpenPositions runs one sweep over the open positions: refresh PnL,
// flag margin health, close triggered and expired positions, release their
// margin, then refresh aggregate statistics. Returns the closed position ids.
func (e *Executor) CheckOpenPositions(ctx context.Context, prices map[string]float64) ([]int64, error) {
	op := "CheckOpenPositions"

	if err := e.store.UpdatePnLs(ctx, prices); err != nil {
		e.logger.Error(ctx, err, op+": some PnL updates failed to persist")
	}

	// Alerts only; closing at liquidation risk is the operator's call.
	for _, alert := range e.store.MarginHealth(prices, e.marginCallThreshold, e.liquidationThreshold) {
		e.logger.Warn(ctx, op+": margin health alert", map[string]interface{}{
			"positionID": alert.PositionID,
			"symbol":     alert.Symbol,
			"usageRatio": alert.UsageRatio,
			"level":      string(alert.Level),
		})
		e.emitter.EmitLog(ctx, domain.LogEvent{
			Message: fmt.Sprintf("%s: position %d (%s) margin usage %.0f%%", alert.Level, alert.PositionID, alert.Symbol, alert.UsageRatio*100),
			Level:   domain.LogLevelWarning,
			Source:  "monitor",
			Time:    e.now().UTC(),
		})
	}

	var closedIDs []int64

	for _, hit := range e.store.CheckTriggers(prices) {
		pos, err := e.store.Close(ctx, hit.PositionID, hit.Price, hit.Reason)
		if err != nil {
			e.logger.Error(ctx, err, op+": failed to close triggered position", map[string]interface{}{"positionID": hit.PositionID})
			continue
		}
		if err := e.releaseForClose(ctx, pos); err != nil {
			e.logger.Error(ctx, err, op+": failed to release margin for closed position", map[string]interface{}{"positionID": pos.ID})
		}
		closedIDs = append(closedIDs, pos.ID)
	}

	expired, err := e.store.CheckExpired(ctx, prices, e.maxHolding)
	if err != nil {
		e.logger.Error(ctx, err, op+": some expiry closes failed")
	}
	for _, pos := range expired {
		if err := e.releaseForClose(ctx, pos); err != nil {
			e.logger.Error(ctx, err, op+": failed to release margin for expired position", map[string]interface{}{"positionID": pos.ID})
		}
		closedIDs = append(closedIDs, pos.ID)
	}

	if len(closedIDs) > 0 {
		if err := e.ledger.UpdateStatistics(ctx, e.store.All()); err != nil {
			e.logger.Error(ctx, err, op+": failed to refresh account statistics")
		}
	}
	return closedIDs, nil
}

// ForceClose closes a position at the given price for manual intervention,
// following the same close -> release -> statistics sequence as the sweep.
func (e *Executor) ForceClose(ctx context.Context, id int64, price float64, reason domain.CloseReason) error {
	pos, err := e.store.Close(ctx, id, price, reason)
	if err != nil {
		return err
	}
	if err := e.releaseForClose(ctx, pos); err != nil {
		return err
	}
	if err := e.ledger.UpdateStatistics(ctx, e.store.All()); err != nil {
		e.logger.Error(ctx, err, "ForceClose: failed to refresh account statistics", map[string]interface{}{"positionID": id})
	}
	return nil
}

// releaseForClose returns a closed position's margin and realized PnL to the
// ledger, charging the exit fee, and emits the close event.
func (e *Executor) releaseForClose(ctx context.Context, pos *domain.Position) error {
	if err := e.ledger.ReleaseMargin(ctx, pos.MarginUsed, pos.PNL, pos.ExitFee()); err != nil {
		return err
	}
	e.emitter.EmitTrade(ctx, domain.TradeEvent{
		ID:         uuid.NewString(),
		Message:    fmt.Sprintf("closed %s %s @ %.4f, pnl %.2f (%s)", pos.Side, pos.Symbol, pos.ExitPrice, pos.PNL, pos.Notes),
		Type:       domain.TradeEventClose,
		PositionID: pos.ID,
		Source:     pos.StrategyName,
		Time:       e.now().UTC(),
	})
	return nil
}

// Snapshot assembles the display summary from the ledger and the store.
func (e *Executor) Snapshot(prices map[string]float64) domain.AccountSummary {
	open, closed := e.store.Counts()
	return e.ledger.Snapshot(open, closed, e.store.UnrealizedPNL(prices))
}
