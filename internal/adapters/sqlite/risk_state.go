package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeGuard/internal/domain"
	"tradeGuard/internal/ports"
)

const dayLayout = "2006-01-02"

// SaveRiskState appends one snapshot as a group of key/value rows sharing a snapshot ID.
func (r *Repository) SaveRiskState(ctx context.Context, record domain.RiskStateRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin risk state tx: %v", ports.ErrDBConnection, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	snapshotID := uuid.NewString()
	recordedAt := time.Now().UTC()
	for k, v := range record {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO risk_state (snapshot_id, key, value, recorded_at) VALUES (?, ?, ?, ?)`,
			snapshotID, k, v, recordedAt); err != nil {
			return fmt.Errorf("%w: insert risk state key %s: %v", ports.ErrUpdateFailed, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit risk state: %v", ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Risk state saved", map[string]interface{}{"snapshotID": snapshotID, "keys": len(record)})
	return nil
}

// LoadLatestRiskState returns the most recently saved snapshot, or nil if none exists.
func (r *Repository) LoadLatestRiskState(ctx context.Context) (domain.RiskStateRecord, error) {
	var snapshotID string
	err := r.db.QueryRowContext(ctx, `SELECT snapshot_id FROM risk_state ORDER BY id DESC LIMIT 1`).Scan(&snapshotID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: latest risk snapshot: %v", ports.ErrQueryFailed, err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM risk_state WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("%w: risk snapshot %s: %v", ports.ErrQueryFailed, snapshotID, err)
	}
	defer rows.Close()

	record := domain.RiskStateRecord{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan risk state row: %w", err)
		}
		record[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating risk state rows: %w", err)
	}
	return record, nil
}

// SaveDailyCounters upserts the counters of their trading day.
func (r *Repository) SaveDailyCounters(ctx context.Context, snap domain.DailyCountersSnapshot) error {
	const query = `
	INSERT INTO daily_counters (trading_day, trades_executed, realized_pnl, limit_reached, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(trading_day) DO UPDATE SET
	       trades_executed = excluded.trades_executed, realized_pnl = excluded.realized_pnl,
	       limit_reached = excluded.limit_reached, updated_at = excluded.updated_at`

	day := snap.TradingDay.Format(dayLayout)
	if _, err := r.db.ExecContext(ctx, query, day, snap.TradesExecutedToday, snap.RealizedPnLToday,
		snap.DailyLimitReached, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: save daily counters for %s: %v", ports.ErrUpdateFailed, day, err)
	}
	return nil
}

// LoadDailyCounters returns the counters stored for the calendar day of day, or nil if none.
// The returned TradingDay is midnight in day's location.
func (r *Repository) LoadDailyCounters(ctx context.Context, day time.Time) (*domain.DailyCountersSnapshot, error) {
	key := day.Format(dayLayout)
	snap := &domain.DailyCountersSnapshot{}
	err := r.db.QueryRowContext(ctx,
		`SELECT trades_executed, realized_pnl, limit_reached FROM daily_counters WHERE trading_day = ?`, key).
		Scan(&snap.TradesExecutedToday, &snap.RealizedPnLToday, &snap.DailyLimitReached)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: daily counters for %s: %v", ports.ErrQueryFailed, key, err)
	}
	y, m, d := day.Date()
	snap.TradingDay = time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return snap, nil
}
