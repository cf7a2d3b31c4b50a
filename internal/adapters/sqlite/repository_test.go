package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginbot/internal/domain"
	"marginbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestRepo creates a repository backed by a fresh database file in a
// per-test temp directory.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testPosition(symbol string, side domain.Side, entryTime time.Time) *domain.Position {
	return &domain.Position{
		Symbol:         symbol,
		Side:           side,
		EntryPrice:     100.0,
		Quantity:       0.98,
		InvestedAmount: 98.0,
		Leverage:       2,
		MarginUsed:     98.0,
		TradingFee:     1.96,
		StopLoss:       98.0,
		Target:         106.0,
		Status:         domain.StatusOpen,
		StrategyName:   "trend",
		AnalysisID:     "analysis-1",
		EntryTime:      entryTime,
	}
}

func TestRepository_SaveAndFindAccount(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// Empty database: no account, no error.
	found, err := repo.FindAccount(ctx)
	require.NoError(t, err)
	assert.Nil(t, found)

	acct := &domain.Account{
		Name:             "main",
		InitialBalance:   1000.0,
		CurrentBalance:   1000.0,
		DailyTradesLimit: 5,
		MaxPositionSize:  1000.0,
		RiskPerTrade:     0.1,
		MaxLeverage:      10,
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, repo.SaveAccount(ctx, acct))
	assert.NotZero(t, acct.ID, "insert assigns the ID")

	// Mutate and save again: same row is updated.
	acct.CurrentBalance = 850.0
	acct.TotalMarginUsed = 148.0
	acct.DailyTradesCount = 2
	acct.LastTradeDate = time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	acct.AlgoRunning = true
	require.NoError(t, repo.SaveAccount(ctx, acct))

	found, err = repo.FindAccount(ctx)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, acct.ID, found.ID)
	assert.Equal(t, "main", found.Name)
	assert.InDelta(t, 850.0, found.CurrentBalance, 0.0001)
	assert.InDelta(t, 148.0, found.TotalMarginUsed, 0.0001)
	assert.Equal(t, 2, found.DailyTradesCount)
	assert.True(t, found.LastTradeDate.Equal(acct.LastTradeDate))
	assert.True(t, found.AlgoRunning)
}

func TestRepository_SaveAccount_UnknownID(t *testing.T) {
	repo := setupTestRepo(t)

	acct := &domain.Account{ID: 99, Name: "ghost", UpdatedAt: time.Now().UTC()}
	err := repo.SaveAccount(context.Background(), acct)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRepository_CreateAndFindPosition(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	entry := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	pos := testPosition("BTCUSD", domain.Long, entry)
	id, err := repo.Create(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, id, pos.ID)

	found, err := repo.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "BTCUSD", found.Symbol)
	assert.Equal(t, domain.Long, found.Side)
	assert.Equal(t, domain.StatusOpen, found.Status)
	assert.InDelta(t, 98.0, found.StopLoss, 0.0001)
	assert.InDelta(t, 106.0, found.Target, 0.0001)
	assert.Zero(t, found.ExitPrice, "NULL exit price reads back as zero")
	assert.True(t, found.ExitTime.IsZero())
	assert.Equal(t, "analysis-1", found.AnalysisID)
	assert.True(t, found.EntryTime.Equal(entry))

	missing, err := repo.FindByID(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_UpdatePosition(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	entry := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	pos := testPosition("BTCUSD", domain.Long, entry)
	_, err := repo.Create(ctx, pos)
	require.NoError(t, err)

	pos.Status = domain.StatusClosed
	pos.ExitPrice = 97.0
	pos.ExitTime = entry.Add(2 * time.Hour)
	pos.PNL = -2.94
	pos.Notes = string(domain.CloseReasonStopLoss)
	require.NoError(t, repo.Update(ctx, pos))

	found, err := repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, found.Status)
	assert.InDelta(t, 97.0, found.ExitPrice, 0.0001)
	assert.InDelta(t, -2.94, found.PNL, 0.0001)
	assert.Equal(t, string(domain.CloseReasonStopLoss), found.Notes)
	assert.True(t, found.ExitTime.Equal(pos.ExitTime))

	// Updating a row that does not exist is reported.
	ghost := testPosition("ETHUSD", domain.Long, entry)
	ghost.ID = 12345
	assert.ErrorIs(t, repo.Update(ctx, ghost), ports.ErrNotFound)
}

func TestRepository_OpenUniqueIndex(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	entry := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	first := testPosition("BTCUSD", domain.Long, entry)
	_, err := repo.Create(ctx, first)
	require.NoError(t, err)

	// Second OPEN row for the same (symbol, side) violates the partial index.
	dup := testPosition("BTCUSD", domain.Long, entry.Add(time.Minute))
	_, err = repo.Create(ctx, dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrPersistence)

	// Opposite side is fine.
	short := testPosition("BTCUSD", domain.Short, entry)
	_, err = repo.Create(ctx, short)
	require.NoError(t, err)

	// Once the first is closed, the pair is free again.
	first.Status = domain.StatusClosed
	first.ExitPrice = 99.0
	first.ExitTime = entry.Add(time.Hour)
	require.NoError(t, repo.Update(ctx, first))

	again := testPosition("BTCUSD", domain.Long, entry.Add(2*time.Hour))
	_, err = repo.Create(ctx, again)
	require.NoError(t, err)
}

func TestRepository_FindOpenAndAll(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	entry := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	open := testPosition("BTCUSD", domain.Long, entry)
	_, err := repo.Create(ctx, open)
	require.NoError(t, err)

	closed := testPosition("ETHUSD", domain.Short, entry.Add(-time.Hour))
	closed.Status = domain.StatusClosed
	closed.ExitPrice = 95.0
	closed.ExitTime = entry
	_, err = repo.Create(ctx, closed)
	require.NoError(t, err)

	openPositions, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	require.Len(t, openPositions, 1)
	assert.Equal(t, "BTCUSD", openPositions[0].Symbol)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Ordered by entry time: the older closed position first.
	assert.Equal(t, "ETHUSD", all[0].Symbol)
	assert.Equal(t, "BTCUSD", all[1].Symbol)
}

func TestRepository_CountEnteredBetween(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	dayStart := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	entries := []time.Time{
		dayStart,                        // first instant of the day counts
		dayStart.Add(12 * time.Hour),    // midday
		dayStart.Add(-time.Nanosecond),  // previous day
		dayEnd,                          // next day: [start, end) excludes it
	}
	sides := []domain.Side{domain.Long, domain.Short, domain.Long, domain.Short}
	for i, entryTime := range entries {
		pos := testPosition("BTCUSD", sides[i], entryTime)
		if i >= 2 {
			pos.Status = domain.StatusClosed
			pos.ExitPrice = 101.0
			pos.ExitTime = entryTime.Add(time.Minute)
		}
		_, err := repo.Create(ctx, pos)
		require.NoError(t, err)
	}

	count, err := repo.CountEnteredBetween(ctx, dayStart, dayEnd)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRepository_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()

	repo, err := NewRepository(Config{DBPath: dbPath, Logger: &mockLogger{}})
	require.NoError(t, err)
	pos := testPosition("BTCUSD", domain.Long, time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	_, err = repo.Create(ctx, pos)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	// A new process sees the same data.
	reopened, err := NewRepository(Config{DBPath: dbPath, Logger: &mockLogger{}})
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "BTCUSD", all[0].Symbol)
}
