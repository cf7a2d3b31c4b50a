package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"marginbot/internal/domain"
	"marginbot/internal/ports"
)

// Ledger owns the single account's balance, margin-in-use, risk limits and
// daily trade counters. It is the one place allowed to mutate the account,
// and every mutation is written through to the repository before the call
// returns success. Access is serialized with a mutex because signals, sweeps
// and status refreshes can all call in concurrently.
type Ledger struct {
	mu        sync.Mutex
	account   *domain.Account
	accounts  ports.AccountRepository
	positions ports.PositionRepository
	logger    ports.Logger
	feeRate   float64
	now       func() time.Time
}

// Config holds the ledger's dependencies.
type Config struct {
	Accounts  ports.AccountRepository
	Positions ports.PositionRepository
	Logger    ports.Logger
	FeeRate   float64
	Now       func() time.Time // Defaults to time.Now; injectable for tests
}

// New creates an account ledger. Call Restore before any other operation.
func New(cfg Config) (*Ledger, error) {
	if cfg.Accounts == nil || cfg.Positions == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Ledger")
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		return nil, fmt.Errorf("fee rate must be in [0, 1): %w", ports.ErrConfigurationError)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		accounts:  cfg.Accounts,
		positions: cfg.Positions,
		logger:    cfg.Logger,
		feeRate:   cfg.FeeRate,
		now:       now,
	}, nil
}

// Restore loads the persisted account, or creates and persists defaults when
// this is a fresh database.
func (l *Ledger) Restore(ctx context.Context, defaults domain.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.accounts.FindAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if acct != nil {
		l.account = acct
		l.logger.Info(ctx, "Restored persisted account", map[string]interface{}{
			"accountID": acct.ID,
			"balance":   acct.CurrentBalance,
		})
		return nil
	}

	acct = &defaults
	acct.CurrentBalance = acct.InitialBalance
	acct.UpdatedAt = l.now().UTC()
	if err := l.accounts.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("failed to persist new account: %w", err)
	}
	l.account = acct
	l.logger.Info(ctx, "Created new account", map[string]interface{}{
		"accountID": acct.ID,
		"balance":   acct.CurrentBalance,
	})
	return nil
}

// persistLocked writes the account through to the repository.
// Callers must hold l.mu.
func (l *Ledger) persistLocked(ctx context.Context) error {
	l.account.UpdatedAt = l.now().UTC()
	if err := l.accounts.SaveAccount(ctx, l.account); err != nil {
		return fmt.Errorf("failed to persist account: %w", err)
	}
	return nil
}

// dayBounds returns the UTC calendar day [start, end) containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func sameUTCDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// reconcileLocked syncs the in-memory daily counter to the authoritative
// persisted count. The counter is a cache; crashes or external writers can
// desynchronize it, so it is never trusted for a limit decision on its own.
// Callers must hold l.mu.
func (l *Ledger) reconcileLocked(ctx context.Context) (int, error) {
	start, end := dayBounds(l.now())
	count, err := l.positions.CountEnteredBetween(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ports.ErrReconciliation, err)
	}

	if !sameUTCDay(l.account.LastTradeDate, start) {
		l.account.DailyTradesCount = count
		l.account.LastTradeDate = start
		if err := l.persistLocked(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ports.ErrReconciliation, err)
		}
		l.logger.Info(ctx, "Daily trade counter rolled to new day", map[string]interface{}{"count": count, "date": start.Format("2006-01-02")})
		return count, nil
	}

	if l.account.DailyTradesCount != count {
		l.logger.Warn(ctx, "Daily trade counter drifted from store, resyncing", map[string]interface{}{
			"cached":        l.account.DailyTradesCount,
			"authoritative": count,
		})
		l.account.DailyTradesCount = count
		if err := l.persistLocked(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ports.ErrReconciliation, err)
		}
	}
	return count, nil
}

// ReconcileDailyCount syncs the daily trade counter against the store.
// Must precede any daily-limit decision.
func (l *Ledger) ReconcileDailyCount(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.reconcileLocked(ctx)
	return err
}

// DailyTradesToday returns the cached daily counter and the configured limit.
// Only meaningful immediately after a successful ReconcileDailyCount.
func (l *Ledger) DailyTradesToday() (count, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account.DailyTradesCount, l.account.DailyTradesLimit
}

// CanOpenPosition reports whether a position requiring the given margin may
// be opened, with a human-readable reason on rejection. The daily counter is
// reconciled first; if that fails the answer is no (fail closed).
func (l *Ledger) CanOpenPosition(ctx context.Context, amount float64) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.reconcileLocked(ctx)
	if err != nil {
		l.logger.Error(ctx, err, "Cannot verify daily trade count, refusing to open")
		return false, "daily trade count could not be verified against the store"
	}
	if count >= l.account.DailyTradesLimit {
		return false, fmt.Sprintf("daily trade limit reached (%d/%d)", count, l.account.DailyTradesLimit)
	}
	if amount > l.account.CurrentBalance {
		return false, fmt.Sprintf("insufficient balance (%.2f) for required amount (%.2f)", l.account.CurrentBalance, amount)
	}
	if amount > l.account.MaxPositionSize {
		return false, fmt.Sprintf("amount %.2f exceeds max position size %.2f", amount, l.account.MaxPositionSize)
	}
	return true, ""
}

// ReserveMargin debits margin+fee from the balance and moves the margin into
// TotalMarginUsed, persisting before returning nil. On an insufficient
// balance nothing is mutated. On a persistence failure the in-memory state is
// not rolled back here; the caller must treat the error as "not committed"
// and not proceed to dependent steps.
func (l *Ledger) ReserveMargin(ctx context.Context, margin, fee float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if margin <= 0 {
		return fmt.Errorf("margin must be positive, got %.2f: %w", margin, ports.ErrInsufficientFunds)
	}
	total := margin + fee
	if total > l.account.CurrentBalance {
		return fmt.Errorf("reserve of %.2f exceeds balance %.2f: %w", total, l.account.CurrentBalance, ports.ErrInsufficientFunds)
	}

	l.account.CurrentBalance -= total
	l.account.TotalMarginUsed += margin
	l.account.BrokerageCharges += fee

	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.logger.Info(ctx, "Margin reserved", map[string]interface{}{
		"margin":  margin,
		"fee":     fee,
		"balance": l.account.CurrentBalance,
	})
	return nil
}

// ReleaseMargin returns margin plus realized pnl to the balance and charges
// the exit fee. A negative exitFee acts as a refund: the compensating path
// after a failed position create uses it to undo the entry fee exactly.
// TotalMarginUsed is floored at zero so rounding or a double release can
// never drive it negative.
func (l *Ledger) ReleaseMargin(ctx context.Context, margin, pnl, exitFee float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.account.CurrentBalance += margin + pnl
	if exitFee != 0 {
		l.account.CurrentBalance -= exitFee
		l.account.BrokerageCharges += exitFee
	}
	l.account.TotalMarginUsed -= margin
	if l.account.TotalMarginUsed < 0 {
		l.account.TotalMarginUsed = 0
	}

	if err := l.persistLocked(ctx); err != nil {
		return err
	}
	l.logger.Info(ctx, "Margin released", map[string]interface{}{
		"margin":  margin,
		"pnl":     pnl,
		"exitFee": exitFee,
		"balance": l.account.CurrentBalance,
	})
	return nil
}

// CalculatePositionSize sizes a prospective trade from the current balance.
// The entry fee comes out of the trade budget, so margin+fee never exceeds
// the risk amount: margin*(1+feeRate) == min(riskAmount, maxPositionSize).
// When even that overshoots the balance, 95% of the balance becomes the
// budget. Returns all zeros when nothing is affordable.
func (l *Ledger) CalculatePositionSize(ctx context.Context, price, riskPct float64, leverage int) (notional, margin, fee float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if price <= 0 || leverage < 1 || l.account.CurrentBalance <= 0 {
		return 0, 0, 0
	}
	if riskPct <= 0 {
		riskPct = l.account.RiskPerTrade
	}

	riskAmount := l.account.CurrentBalance * riskPct
	budget := math.Min(riskAmount, l.account.MaxPositionSize)

	margin = budget / (1 + l.feeRate)
	fee = budget - margin
	notional = margin * float64(leverage)

	if margin+fee > l.account.CurrentBalance {
		avail := l.account.CurrentBalance * 0.95
		fee = avail * l.feeRate / (1 + l.feeRate)
		margin = avail - fee
		notional = margin * float64(leverage)
	}

	if notional <= 0 || margin <= 0 {
		return 0, 0, 0
	}
	return notional, margin, fee
}

// SyncDailyTradesAfterCreate re-reads the authoritative daily count right
// after a successful position create so the cache is accurate for the next
// decision within the same run.
func (l *Ledger) SyncDailyTradesAfterCreate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, end := dayBounds(l.now())
	count, err := l.positions.CountEnteredBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("%w: %v", ports.ErrReconciliation, err)
	}
	l.account.DailyTradesCount = count
	l.account.LastTradeDate = start
	return l.persistLocked(ctx)
}

// UpdateStatistics recomputes aggregate trade statistics from the full
// position set and persists them.
func (l *Ledger) UpdateStatistics(ctx context.Context, positions []*domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total, profitable, losing int
	var profit, loss float64
	for _, p := range positions {
		if p.Status != domain.StatusClosed {
			continue
		}
		total++
		if p.PNL > 0 {
			profitable++
			profit += p.PNL
		} else {
			losing++
			loss += -p.PNL
		}
	}

	l.account.TotalTrades = total
	l.account.ProfitableTrades = profitable
	l.account.LosingTrades = losing
	l.account.TotalProfit = profit
	l.account.TotalLoss = loss

	return l.persistLocked(ctx)
}

// SetAlgoStatus flips the run/stop flag and persists it.
func (l *Ledger) SetAlgoStatus(ctx context.Context, running bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.account.AlgoRunning = running
	return l.persistLocked(ctx)
}

// Account returns a copy of the current account state.
func (l *Ledger) Account() domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.account
}

// Snapshot builds a display summary. The open/closed counts and unrealized
// PnL come from the position store; the result may be stale by one sweep.
func (l *Ledger) Snapshot(openCount, closedCount int, unrealizedPNL float64) domain.AccountSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	return domain.AccountSummary{
		Name:            l.account.Name,
		Balance:         l.account.CurrentBalance,
		Equity:          l.account.CurrentBalance + l.account.TotalMarginUsed + unrealizedPNL,
		MarginUsed:      l.account.TotalMarginUsed,
		MarginAvailable: l.account.CurrentBalance,
		OpenPositions:   openCount,
		ClosedPositions: closedCount,
		UnrealizedPNL:   unrealizedPNL,
		TotalTrades:     l.account.TotalTrades,
		WinRate:         l.account.WinRate(),
		AlgoRunning:     l.account.AlgoRunning,
	}
}
