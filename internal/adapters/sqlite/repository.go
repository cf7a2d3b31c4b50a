package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marginbot/internal/domain"
	"marginbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.AccountRepository and ports.PositionRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/marginbot.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection. WAL mode keeps reads from other processes cheap
	// while this process holds the single writer.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Single connection: the core serializes writes anyway, and SQLite
	// benefits from the Go driver not competing with itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		initial_balance REAL NOT NULL,
		current_balance REAL NOT NULL,
		total_margin_used REAL NOT NULL DEFAULT 0,
		brokerage_charges REAL NOT NULL DEFAULT 0,
		daily_trades_count INTEGER NOT NULL DEFAULT 0,
		last_trade_date TIMESTAMP DEFAULT NULL,
		daily_trades_limit INTEGER NOT NULL,
		max_position_size REAL NOT NULL,
		risk_per_trade REAL NOT NULL,
		max_leverage INTEGER NOT NULL,
		total_trades INTEGER NOT NULL DEFAULT 0,
		profitable_trades INTEGER NOT NULL DEFAULT 0,
		losing_trades INTEGER NOT NULL DEFAULT 0,
		total_profit REAL NOT NULL DEFAULT 0,
		total_loss REAL NOT NULL DEFAULT 0,
		algo_running INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL DEFAULT NULL,
		quantity REAL NOT NULL,
		invested_amount REAL NOT NULL,
		leverage INTEGER NOT NULL,
		margin_used REAL NOT NULL,
		trading_fee REAL NOT NULL,
		stop_loss REAL DEFAULT NULL,
		target REAL DEFAULT NULL,
		status TEXT NOT NULL,
		pnl REAL DEFAULT NULL,
		strategy_name TEXT NOT NULL DEFAULT '',
		analysis_id TEXT NOT NULL DEFAULT '',
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);
	-- Backstop for the store-level check: at most one OPEN position per (symbol, side)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol_side
		ON positions (symbol, side) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_positions_status_entry_time ON positions (status, entry_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// wrapPersistence tags an adapter error with the standard persistence sentinel.
func wrapPersistence(err error) error {
	return errors.Join(ports.ErrPersistence, err)
}

// --- AccountRepository Implementation ---

// SaveAccount inserts the account on first use and updates it afterwards.
func (r *Repository) SaveAccount(ctx context.Context, acct *domain.Account) error {
	var lastTradeDate sql.NullTime
	if !acct.LastTradeDate.IsZero() {
		lastTradeDate = sql.NullTime{Time: acct.LastTradeDate, Valid: true}
	}

	if acct.ID == 0 {
		const insert = `
		INSERT INTO accounts (name, initial_balance, current_balance, total_margin_used, brokerage_charges,
		                      daily_trades_count, last_trade_date, daily_trades_limit, max_position_size,
		                      risk_per_trade, max_leverage, total_trades, profitable_trades, losing_trades,
		                      total_profit, total_loss, algo_running, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		result, err := r.db.ExecContext(ctx, insert,
			acct.Name, acct.InitialBalance, acct.CurrentBalance, acct.TotalMarginUsed, acct.BrokerageCharges,
			acct.DailyTradesCount, lastTradeDate, acct.DailyTradesLimit, acct.MaxPositionSize,
			acct.RiskPerTrade, acct.MaxLeverage, acct.TotalTrades, acct.ProfitableTrades, acct.LosingTrades,
			acct.TotalProfit, acct.TotalLoss, acct.AlgoRunning, acct.UpdatedAt)
		if err != nil {
			return wrapPersistence(fmt.Errorf("failed to insert account '%s': %w", acct.Name, err))
		}
		id, err := result.LastInsertId()
		if err != nil {
			return wrapPersistence(fmt.Errorf("failed to get last insert ID for account '%s': %w", acct.Name, err))
		}
		acct.ID = id
		r.logger.Debug(ctx, "Account created", map[string]interface{}{"accountID": id, "name": acct.Name})
		return nil
	}

	const update = `
	UPDATE accounts
	SET name = ?, current_balance = ?, total_margin_used = ?, brokerage_charges = ?,
	    daily_trades_count = ?, last_trade_date = ?, daily_trades_limit = ?, max_position_size = ?,
	    risk_per_trade = ?, max_leverage = ?, total_trades = ?, profitable_trades = ?, losing_trades = ?,
	    total_profit = ?, total_loss = ?, algo_running = ?, updated_at = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, update,
		acct.Name, acct.CurrentBalance, acct.TotalMarginUsed, acct.BrokerageCharges,
		acct.DailyTradesCount, lastTradeDate, acct.DailyTradesLimit, acct.MaxPositionSize,
		acct.RiskPerTrade, acct.MaxLeverage, acct.TotalTrades, acct.ProfitableTrades, acct.LosingTrades,
		acct.TotalProfit, acct.TotalLoss, acct.AlgoRunning, acct.UpdatedAt,
		acct.ID)
	if err != nil {
		return wrapPersistence(fmt.Errorf("failed to update account ID %d: %w", acct.ID, err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapPersistence(fmt.Errorf("failed to get rows affected for account ID %d: %w", acct.ID, err))
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account ID %d not found for update: %w", acct.ID, ports.ErrNotFound)
	}
	return nil
}

// FindAccount retrieves the stored account, or nil, nil if none exists yet.
func (r *Repository) FindAccount(ctx context.Context) (*domain.Account, error) {
	const query = `
	SELECT id, name, initial_balance, current_balance, total_margin_used, brokerage_charges,
	       daily_trades_count, last_trade_date, daily_trades_limit, max_position_size,
	       risk_per_trade, max_leverage, total_trades, profitable_trades, losing_trades,
	       total_profit, total_loss, algo_running, updated_at
	FROM accounts
	ORDER BY id LIMIT 1`

	a := &domain.Account{}
	var lastTradeDate sql.NullTime
	err := r.db.QueryRowContext(ctx, query).Scan(
		&a.ID, &a.Name, &a.InitialBalance, &a.CurrentBalance, &a.TotalMarginUsed, &a.BrokerageCharges,
		&a.DailyTradesCount, &lastTradeDate, &a.DailyTradesLimit, &a.MaxPositionSize,
		&a.RiskPerTrade, &a.MaxLeverage, &a.TotalTrades, &a.ProfitableTrades, &a.LosingTrades,
		&a.TotalProfit, &a.TotalLoss, &a.AlgoRunning, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No account persisted yet")
			return nil, nil
		}
		return nil, wrapPersistence(fmt.Errorf("failed to query account: %w", err))
	}
	if lastTradeDate.Valid {
		a.LastTradeDate = lastTradeDate.Time
	}
	return a, nil
}

// --- PositionRepository Implementation ---

// Create saves a new position and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, invested_amount, leverage, margin_used,
	                       trading_fee, stop_loss, target, status, pnl, strategy_name, analysis_id,
	                       entry_time, notes)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, pos.InvestedAmount, pos.Leverage, pos.MarginUsed,
		pos.TradingFee, nullableFloat(pos.StopLoss), nullableFloat(pos.Target), pos.Status, pos.PNL,
		pos.StrategyName, pos.AnalysisID, pos.EntryTime, pos.Notes)
	if err != nil {
		return 0, wrapPersistence(fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, wrapPersistence(fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err))
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol, "side": pos.Side})
	return id, nil
}

// Update modifies an existing position based on its ID.
func (r *Repository) Update(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET exit_price = ?, quantity = ?, leverage = ?, margin_used = ?, trading_fee = ?,
	    stop_loss = ?, target = ?, status = ?, pnl = ?, exit_time = ?, notes = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		nullableFloat(pos.ExitPrice), pos.Quantity, pos.Leverage, pos.MarginUsed, pos.TradingFee,
		nullableFloat(pos.StopLoss), nullableFloat(pos.Target), pos.Status, pos.PNL, exitTime, pos.Notes,
		pos.ID)
	if err != nil {
		return wrapPersistence(fmt.Errorf("failed to update position ID %d: %w", pos.ID, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return wrapPersistence(fmt.Errorf("failed to get rows affected for update position ID %d: %w", pos.ID, err))
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

const positionColumns = `id, symbol, side, entry_price, COALESCE(exit_price, 0), quantity, invested_amount,
       leverage, margin_used, trading_fee, COALESCE(stop_loss, 0), COALESCE(target, 0), status,
       COALESCE(pnl, 0), strategy_name, analysis_id, entry_time, exit_time, notes`

// FindByID retrieves a position by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Position not found by ID", map[string]interface{}{"positionID": id})
			return nil, nil
		}
		return nil, wrapPersistence(fmt.Errorf("failed to query position by ID %d: %w", id, err))
	}
	return pos, nil
}

// FindOpen retrieves all open positions, ordered by entry time.
func (r *Repository) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ? ORDER BY entry_time`
	return r.queryPositions(ctx, query, domain.StatusOpen)
}

// FindAll retrieves all positions, ordered by entry time.
func (r *Repository) FindAll(ctx context.Context) ([]*domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions ORDER BY entry_time`
	return r.queryPositions(ctx, query)
}

// CountEnteredBetween counts positions whose entry time falls in [start, end).
func (r *Repository) CountEnteredBetween(ctx context.Context, start, end time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM positions WHERE entry_time >= ? AND entry_time < ?`
	var count int
	err := r.db.QueryRowContext(ctx, query, start.UTC(), end.UTC()).Scan(&count)
	if err != nil {
		return 0, wrapPersistence(fmt.Errorf("failed to count positions entered between %s and %s: %w", start, end, err))
	}
	return count, nil
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPersistence(fmt.Errorf("failed to query positions: %w", err))
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, wrapPersistence(fmt.Errorf("failed to scan position row: %w", err))
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, wrapPersistence(fmt.Errorf("error iterating position rows: %w", err))
	}
	return positions, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var exitTime sql.NullTime
	var side, status string
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.ExitPrice, &p.Quantity, &p.InvestedAmount,
		&p.Leverage, &p.MarginUsed, &p.TradingFee, &p.StopLoss, &p.Target, &status,
		&p.PNL, &p.StrategyName, &p.AnalysisID, &p.EntryTime, &exitTime, &p.Notes)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

// nullableFloat maps the zero value to NULL, matching the "unset" convention
// for exit_price, stop_loss and target.
func nullableFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
