package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.RiskStateRepository, ports.PositionRepository and
// ports.TradeRepository using SQLite.
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
		dbPath = "./data/trade_guard.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer at a time; the engine is the only client.
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
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS risk_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_counters (
		trading_day TEXT PRIMARY KEY,
		trades_executed INTEGER NOT NULL,
		realized_pnl REAL NOT NULL,
		limit_reached INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS open_positions (
		label TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		initial_stop_distance REAL NOT NULL,
		initial_stop_loss REAL NOT NULL,
		initial_take_profit REAL NOT NULL,
		current_stop_loss REAL NOT NULL,
		current_take_profit REAL NOT NULL,
		breakeven_applied INTEGER NOT NULL,
		partial_taken INTEGER NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_bar_index INTEGER NOT NULL,
		current_volume REAL NOT NULL,
		pip_size REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		volume REAL NOT NULL,
		net_profit REAL NOT NULL,
		pips REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL,
		counted_daily INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_risk_state_snapshot ON risk_state (snapshot_id);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_exit_time ON trade_history (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
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

// --- PositionRepository Implementation ---

// SaveOpen upserts the open position for its label.
func (r *Repository) SaveOpen(ctx context.Context, pos *domain.ManagedPosition) error {
	const query = `
	INSERT INTO open_positions (label, position_id, direction, entry_price, initial_stop_distance,
	       initial_stop_loss, initial_take_profit, current_stop_loss, current_take_profit,
	       breakeven_applied, partial_taken, entry_time, entry_bar_index, current_volume, pip_size)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(label) DO UPDATE SET
	       position_id = excluded.position_id, direction = excluded.direction,
	       entry_price = excluded.entry_price, initial_stop_distance = excluded.initial_stop_distance,
	       initial_stop_loss = excluded.initial_stop_loss, initial_take_profit = excluded.initial_take_profit,
	       current_stop_loss = excluded.current_stop_loss, current_take_profit = excluded.current_take_profit,
	       breakeven_applied = excluded.breakeven_applied, partial_taken = excluded.partial_taken,
	       entry_time = excluded.entry_time, entry_bar_index = excluded.entry_bar_index,
	       current_volume = excluded.current_volume, pip_size = excluded.pip_size`

	_, err := r.db.ExecContext(ctx, query,
		pos.Label, pos.ID, string(pos.Direction), pos.EntryPrice, pos.InitialStopDistance,
		pos.InitialStopLoss, pos.InitialTakeProfit, pos.CurrentStopLoss, pos.CurrentTakeProfit,
		pos.BreakevenApplied, pos.PartialTaken, pos.EntryTime.UTC(), pos.EntryBarIndex, pos.CurrentVolume, pos.PipSize)
	if err != nil {
		return fmt.Errorf("%w: save open position for label %s: %v", ports.ErrUpdateFailed, pos.Label, err)
	}
	r.logger.Debug(ctx, "Open position saved", map[string]interface{}{"label": pos.Label, "positionID": pos.ID})
	return nil
}

// FindOpenByLabel retrieves the open position for label, if any.
func (r *Repository) FindOpenByLabel(ctx context.Context, label string) (*domain.ManagedPosition, error) {
	const query = `
	SELECT label, position_id, direction, entry_price, initial_stop_distance,
	       initial_stop_loss, initial_take_profit, current_stop_loss, current_take_profit,
	       breakeven_applied, partial_taken, entry_time, entry_bar_index, current_volume, pip_size
	FROM open_positions
	WHERE label = ?`

	pos, err := scanPosition(r.db.QueryRowContext(ctx, query, label))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No open position found for label", map[string]interface{}{"label": label})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("%w: open position for label %s: %v", ports.ErrQueryFailed, label, err)
	}
	return pos, nil
}

// DeleteOpen removes the open position stored for label. Deleting a missing row is not an error.
func (r *Repository) DeleteOpen(ctx context.Context, label string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM open_positions WHERE label = ?`, label); err != nil {
		return fmt.Errorf("%w: delete open position for label %s: %v", ports.ErrUpdateFailed, label, err)
	}
	return nil
}

// --- TradeRepository Implementation ---

// CreateTrade saves a new trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trade_history (position_id, symbol, direction, entry_price, volume, net_profit, pips,
	                           entry_time, exit_time, close_reason, counted_daily)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.PositionID, trade.Symbol, string(trade.Direction), trade.EntryPrice, trade.Volume, trade.NetProfit, trade.Pips,
		trade.EntryTime.UTC(), trade.ExitTime.UTC(), string(trade.CloseReason), trade.CountedDaily)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade history for symbol %s: %w", trade.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade history %s: %w", trade.Symbol, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade history created", map[string]interface{}{"tradeID": id, "symbol": trade.Symbol, "netProfit": trade.NetProfit})
	return id, nil
}

// FindBySymbol retrieves the most recent trades for a given symbol, up to a limit.
func (r *Repository) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, position_id, symbol, direction, entry_price, volume, net_profit, pips,
	       entry_time, exit_time, close_reason, counted_daily
	FROM trade_history
	WHERE symbol = ? ORDER BY exit_time DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade history during FindBySymbol: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.ManagedPosition, error) {
	p := &domain.ManagedPosition{}
	var direction string
	err := s.Scan(
		&p.Label, &p.ID, &direction, &p.EntryPrice, &p.InitialStopDistance,
		&p.InitialStopLoss, &p.InitialTakeProfit, &p.CurrentStopLoss, &p.CurrentTakeProfit,
		&p.BreakevenApplied, &p.PartialTaken, &p.EntryTime, &p.EntryBarIndex, &p.CurrentVolume, &p.PipSize)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Direction = domain.Direction(direction)
	return p, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	th := &domain.Trade{}
	var direction string
	var closeReason sql.NullString
	err := s.Scan(
		&th.ID, &th.PositionID, &th.Symbol, &direction, &th.EntryPrice, &th.Volume, &th.NetProfit, &th.Pips,
		&th.EntryTime, &th.ExitTime, &closeReason, &th.CountedDaily)
	if err != nil {
		return nil, err
	}
	th.Direction = domain.Direction(direction)
	if closeReason.Valid && closeReason.String != "" {
		th.CloseReason = domain.CloseReason(closeReason.String)
	} else {
		th.CloseReason = domain.CloseReasonUnknown
	}
	return th, nil
}
