package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginbot/internal/domain"
	"marginbot/internal/ledger"
	"marginbot/internal/ports"
	"marginbot/internal/positions"
	"marginbot/internal/risk"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockAccountRepo struct {
	stored *domain.Account
}

func (m *mockAccountRepo) SaveAccount(ctx context.Context, acct *domain.Account) error {
	if acct.ID == 0 {
		acct.ID = 1
	}
	cp := *acct
	m.stored = &cp
	return nil
}

func (m *mockAccountRepo) FindAccount(ctx context.Context) (*domain.Account, error) {
	if m.stored == nil {
		return nil, nil
	}
	cp := *m.stored
	return &cp, nil
}

type mockPositionRepo struct {
	nextID      int64
	stored      []*domain.Position
	createErr   error
	forcedCount int
	forceCount  bool
}

func (m *mockPositionRepo) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	pos.ID = m.nextID
	m.stored = append(m.stored, pos)
	return pos.ID, nil
}

func (m *mockPositionRepo) Update(ctx context.Context, pos *domain.Position) error { return nil }

func (m *mockPositionRepo) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	return nil, nil
}

func (m *mockPositionRepo) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	return nil, nil
}

func (m *mockPositionRepo) FindAll(ctx context.Context) ([]*domain.Position, error) {
	return m.stored, nil
}

func (m *mockPositionRepo) CountEnteredBetween(ctx context.Context, start, end time.Time) (int, error) {
	if m.forceCount {
		return m.forcedCount, nil
	}
	count := 0
	for _, p := range m.stored {
		if !p.EntryTime.Before(start) && p.EntryTime.Before(end) {
			count++
		}
	}
	return count, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	trades []domain.TradeEvent
	logs   []domain.LogEvent
}

func (c *captureEmitter) EmitTrade(ctx context.Context, ev domain.TradeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, ev)
}

func (c *captureEmitter) EmitLog(ctx context.Context, ev domain.LogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, ev)
}

func (c *captureEmitter) tradesOfType(t domain.TradeEventType) []domain.TradeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.TradeEvent
	for _, ev := range c.trades {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// harness wires a real ledger, store and gate over in-memory repositories so
// executor tests exercise the whole open/close choreography.
type harness struct {
	exec     *Executor
	led      *ledger.Ledger
	store    *positions.Store
	accounts *mockAccountRepo
	posRepo  *mockPositionRepo
	emitter  *captureEmitter
	now      time.Time
}

func newHarness(t *testing.T, balance float64) *harness {
	t.Helper()

	h := &harness{
		accounts: &mockAccountRepo{},
		posRepo:  &mockPositionRepo{},
		emitter:  &captureEmitter{},
		now:      time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return h.now }

	led, err := ledger.New(ledger.Config{
		Accounts:  h.accounts,
		Positions: h.posRepo,
		Logger:    &mockLogger{},
		FeeRate:   0.02,
		Now:       nowFn,
	})
	require.NoError(t, err)
	require.NoError(t, led.Restore(context.Background(), domain.Account{
		Name:             "test",
		InitialBalance:   balance,
		DailyTradesLimit: 5,
		MaxPositionSize:  1000.0,
		RiskPerTrade:     0.1,
		MaxLeverage:      10,
	}))
	h.led = led

	store, err := positions.NewStore(positions.Config{Repo: h.posRepo, Logger: &mockLogger{}, Now: nowFn})
	require.NoError(t, err)
	h.store = store

	gate, err := risk.New(risk.Config{
		MinConfidence:   70.0,
		DefaultLeverage: 1,
		MaxLeverage:     10,
		StopLossPct:     0.02,
		TargetPct:       0.06,
	})
	require.NoError(t, err)

	exec, err := New(Config{
		Ledger:               led,
		Store:                store,
		Gate:                 gate,
		Logger:               &mockLogger{},
		Emitter:              h.emitter,
		MarginCallThreshold:  0.8,
		LiquidationThreshold: 0.95,
		MaxHolding:           48 * time.Hour,
		Now:                  nowFn,
	})
	require.NoError(t, err)
	h.exec = exec
	return h
}

func buySignal() domain.TradeSignal {
	return domain.TradeSignal{
		Symbol:       "BTCUSD",
		Signal:       domain.SignalBuy,
		Confidence:   85.0,
		Price:        100.0,
		StrategyName: "trend",
	}
}

func TestExecutor_ProcessSignal_OpensPosition(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	opened, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)
	assert.True(t, opened)

	pos := h.store.Get(1)
	require.NotNil(t, pos)
	assert.Equal(t, domain.Long, pos.Side)
	assert.InDelta(t, 98.0392, pos.MarginUsed, 0.001)
	assert.InDelta(t, 1.9608, pos.TradingFee, 0.001)
	assert.InDelta(t, 98.0, pos.StopLoss, 0.0001)
	assert.InDelta(t, 106.0, pos.Target, 0.0001)
	assert.InDelta(t, 0.980392, pos.Quantity, 0.0001)
	assert.NotEmpty(t, pos.AnalysisID)

	// Margin plus fee left the balance; the full budget was 100.
	acct := h.led.Account()
	assert.InDelta(t, 900.0, acct.CurrentBalance, 0.0001)
	assert.InDelta(t, 98.0392, acct.TotalMarginUsed, 0.001)

	count, _ := h.led.DailyTradesToday()
	assert.Equal(t, 1, count)
	assert.Len(t, h.emitter.tradesOfType(domain.TradeEventOpen), 1)
}

func TestExecutor_ProcessSignal_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.TradeSignal)
		prepare func(*harness)
		wantErr error
	}{
		{
			name:    "neutral signal",
			mutate:  func(s *domain.TradeSignal) { s.Signal = domain.SignalNeutral },
			wantErr: ports.ErrInvalidSignal,
		},
		{
			name:    "confidence below threshold",
			mutate:  func(s *domain.TradeSignal) { s.Confidence = 50.0 },
			wantErr: ports.ErrConfidenceTooLow,
		},
		{
			name: "daily limit reached",
			prepare: func(h *harness) {
				h.posRepo.forceCount = true
				h.posRepo.forcedCount = 5
			},
			wantErr: ports.ErrDailyLimitReached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 1000.0)
			if tt.prepare != nil {
				tt.prepare(h)
			}
			sig := buySignal()
			if tt.mutate != nil {
				tt.mutate(&sig)
			}

			opened, err := h.exec.ProcessSignal(context.Background(), sig)
			assert.False(t, opened)
			assert.ErrorIs(t, err, tt.wantErr)

			// A rejection mutates nothing.
			acct := h.led.Account()
			assert.Equal(t, 1000.0, acct.CurrentBalance)
			assert.Zero(t, acct.TotalMarginUsed)
			assert.Empty(t, h.posRepo.stored)
			// The rejection itself is visible on the event stream.
			assert.Len(t, h.emitter.tradesOfType(domain.TradeEventSignal), 1)
		})
	}
}

func TestExecutor_ProcessSignal_RejectsDuplicate(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	opened, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)
	require.True(t, opened)
	balanceAfterFirst := h.led.Account().CurrentBalance

	opened, err = h.exec.ProcessSignal(ctx, buySignal())
	assert.False(t, opened)
	assert.ErrorIs(t, err, ports.ErrDuplicatePosition)
	assert.Len(t, h.posRepo.stored, 1)
	assert.Equal(t, balanceAfterFirst, h.led.Account().CurrentBalance)

	// A SELL on the same symbol opens the opposite side.
	sell := buySignal()
	sell.Signal = domain.SignalSell
	opened, err = h.exec.ProcessSignal(ctx, sell)
	require.NoError(t, err)
	assert.True(t, opened)
}

func TestExecutor_ProcessSignal_NothingAffordable(t *testing.T) {
	h := newHarness(t, 0)

	opened, err := h.exec.ProcessSignal(context.Background(), buySignal())
	assert.False(t, opened)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
}

func TestExecutor_ProcessSignal_CompensatesFailedCreate(t *testing.T) {
	h := newHarness(t, 1000.0)
	h.posRepo.createErr = assert.AnError

	opened, err := h.exec.ProcessSignal(context.Background(), buySignal())
	assert.False(t, opened)
	assert.Error(t, err)

	// The reservation was refunded exactly, fee included.
	acct := h.led.Account()
	assert.InDelta(t, 1000.0, acct.CurrentBalance, 0.0001)
	assert.InDelta(t, 0.0, acct.TotalMarginUsed, 0.0001)
	assert.InDelta(t, 0.0, acct.BrokerageCharges, 0.0001)

	// The refund is surfaced as a warning on the event stream.
	require.Len(t, h.emitter.logs, 1)
	assert.Equal(t, domain.LogLevelWarning, h.emitter.logs[0].Level)
	assert.Contains(t, h.emitter.logs[0].Message, "refunded")
}

func TestExecutor_CheckOpenPositions_StopLoss(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	opened, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)
	require.True(t, opened)

	closedIDs, err := h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 97.0})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, closedIDs)

	pos := h.store.Get(1)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Equal(t, 97.0, pos.ExitPrice)
	assert.Equal(t, string(domain.CloseReasonStopLoss), pos.Notes)
	assert.InDelta(t, -2.9412, pos.PNL, 0.001)

	// Balance: 900 + margin 98.0392 + pnl -2.9412 - exit fee 0.9804.
	acct := h.led.Account()
	assert.InDelta(t, 994.1176, acct.CurrentBalance, 0.001)
	assert.InDelta(t, 0.0, acct.TotalMarginUsed, 0.0001)
	assert.Equal(t, 1, acct.TotalTrades)
	assert.Equal(t, 1, acct.LosingTrades)

	assert.Len(t, h.emitter.tradesOfType(domain.TradeEventClose), 1)

	// A second sweep at the same price closes nothing further.
	closedIDs, err = h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 97.0})
	require.NoError(t, err)
	assert.Empty(t, closedIDs)
}

func TestExecutor_CheckOpenPositions_Target(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	_, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)

	closedIDs, err := h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 107.0})
	require.NoError(t, err)
	require.Len(t, closedIDs, 1)

	pos := h.store.Get(1)
	assert.Equal(t, string(domain.CloseReasonTarget), pos.Notes)
	assert.InDelta(t, 6.8627, pos.PNL, 0.001) // (107-100) * 0.980392

	acct := h.led.Account()
	assert.Equal(t, 1, acct.ProfitableTrades)
	assert.Greater(t, acct.CurrentBalance, 1000.0)
}

func TestExecutor_CheckOpenPositions_Expiry(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	_, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)

	// Price holds between stop and target, but the clock runs past the
	// maximum holding time.
	h.now = h.now.Add(49 * time.Hour)
	closedIDs, err := h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 101.0})
	require.NoError(t, err)
	require.Len(t, closedIDs, 1)

	pos := h.store.Get(1)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Equal(t, string(domain.CloseReasonExpired), pos.Notes)
	assert.Equal(t, 101.0, pos.ExitPrice)
	assert.InDelta(t, 0.0, h.led.Account().TotalMarginUsed, 0.0001)

	// Margin released exactly once.
	closedIDs, err = h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 101.0})
	require.NoError(t, err)
	assert.Empty(t, closedIDs)
	assert.InDelta(t, 0.0, h.led.Account().TotalMarginUsed, 0.0001)
}

func TestExecutor_CheckOpenPositions_MarginAlert(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	sig := buySignal()
	sig.Leverage = 10
	_, err := h.exec.ProcessSignal(ctx, sig)
	require.NoError(t, err)

	// 8.5% adverse at 10x leverage: margin call territory.
	_, err = h.exec.CheckOpenPositions(ctx, map[string]float64{"BTCUSD": 91.5})
	require.NoError(t, err)

	var found bool
	for _, ev := range h.emitter.logs {
		if ev.Level == domain.LogLevelWarning && strings.Contains(ev.Message, "MARGIN_CALL") {
			found = true
		}
	}
	assert.True(t, found, "expected a margin call event")
}

func TestExecutor_ForceClose(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	_, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)

	require.NoError(t, h.exec.ForceClose(ctx, 1, 101.0, domain.CloseReasonManual))
	pos := h.store.Get(1)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Equal(t, string(domain.CloseReasonManual), pos.Notes)

	// Terminal state: closing again fails.
	err = h.exec.ForceClose(ctx, 1, 102.0, domain.CloseReasonManual)
	assert.ErrorIs(t, err, ports.ErrPositionClosed)

	err = h.exec.ForceClose(ctx, 42, 102.0, domain.CloseReasonManual)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestExecutor_Snapshot(t *testing.T) {
	h := newHarness(t, 1000.0)
	ctx := context.Background()

	_, err := h.exec.ProcessSignal(ctx, buySignal())
	require.NoError(t, err)

	snap := h.exec.Snapshot(map[string]float64{"BTCUSD": 105.0})
	assert.Equal(t, 1, snap.OpenPositions)
	assert.Equal(t, 0, snap.ClosedPositions)
	assert.InDelta(t, 4.9020, snap.UnrealizedPNL, 0.001) // (105-100) * 0.980392
	assert.InDelta(t, 900.0, snap.Balance, 0.0001)
	assert.InDelta(t, 900.0+98.0392+4.9020, snap.Equity, 0.001)
}
