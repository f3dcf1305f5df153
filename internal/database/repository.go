package database

import (
	"context"
	"time"

	"fleet-trader/internal/broker"
	"fleet-trader/internal/journal"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

var _ journal.Store = (*Repository)(nil)

// ============================================================================
// TRADE JOURNAL
// ============================================================================

// InsertFill appends one journal entry and assigns its id.
func (r *Repository) InsertFill(ctx context.Context, e *journal.Entry) error {
	query := `
		INSERT INTO journal_entries (executed_at, account, symbol, action, shares, price, reason, order_id, return_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		e.ExecutedAt, e.Account, e.Symbol, string(e.Action), e.Shares, e.Price,
		e.Reason, e.OrderID, e.ReturnPct,
	).Scan(&e.ID)
}

// UpdateReturnPct backfills the realized return on a journaled fill.
func (r *Repository) UpdateReturnPct(ctx context.Context, id int64, pct float64) error {
	query := `UPDATE journal_entries SET return_pct = $2 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, pct)
	return err
}

// FillsSince returns one account's fills since a cutoff, oldest first.
// An empty symbol matches all symbols.
func (r *Repository) FillsSince(ctx context.Context, account, symbol string, since time.Time) ([]journal.Entry, error) {
	query := `
		SELECT id, executed_at, account, symbol, action, shares, price, COALESCE(reason, ''), COALESCE(order_id, ''), return_pct
		FROM journal_entries
		WHERE account = $1 AND executed_at >= $2 AND ($3 = '' OR symbol = $3)
		ORDER BY executed_at ASC, id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, account, since, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var e journal.Entry
		var action string
		if err := rows.Scan(
			&e.ID, &e.ExecutedAt, &e.Account, &e.Symbol, &action,
			&e.Shares, &e.Price, &e.Reason, &e.OrderID, &e.ReturnPct,
		); err != nil {
			return nil, err
		}
		e.Action = broker.Side(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// BATCH REPORTS
// ============================================================================

// BatchReportRow is the persisted outcome of one batch execution.
type BatchReportRow struct {
	ID            int64     `json:"id"`
	BatchID       string    `json:"batch_id"`
	Symbol        string    `json:"symbol"`
	Action        string    `json:"action"`
	Priority      int       `json:"priority"`
	TotalLegs     int       `json:"total_legs"`
	CompletedLegs int       `json:"completed_legs"`
	Success       bool      `json:"success"`
	TimingSpread  float64   `json:"timing_spread"`
	WindowSec     float64   `json:"window_sec"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SaveBatchReport persists one batch execution report.
func (r *Repository) SaveBatchReport(ctx context.Context, row *BatchReportRow) error {
	query := `
		INSERT INTO batch_reports (batch_id, symbol, action, priority, total_legs, completed_legs, success, timing_spread, window_sec, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		row.BatchID, row.Symbol, row.Action, row.Priority, row.TotalLegs,
		row.CompletedLegs, row.Success, row.TimingSpread, row.WindowSec, row.Reason,
	).Scan(&row.ID, &row.CreatedAt)
}

// RecentBatchReports returns the newest batch reports, newest first.
func (r *Repository) RecentBatchReports(ctx context.Context, limit int) ([]BatchReportRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, batch_id, symbol, action, priority, total_legs, completed_legs, success, timing_spread, window_sec, COALESCE(reason, ''), created_at
		FROM batch_reports
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchReportRow
	for rows.Next() {
		var row BatchReportRow
		if err := rows.Scan(
			&row.ID, &row.BatchID, &row.Symbol, &row.Action, &row.Priority,
			&row.TotalLegs, &row.CompletedLegs, &row.Success, &row.TimingSpread,
			&row.WindowSec, &row.Reason, &row.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ============================================================================
// EMERGENCY LOG
// ============================================================================

// EmergencyEventRow is one persisted emergency-stop record.
type EmergencyEventRow struct {
	ID          int64     `json:"id"`
	TriggeredAt time.Time `json:"triggered_at"`
	Reason      string    `json:"reason"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

// SaveEmergencyEvent appends one emergency-stop record.
func (r *Repository) SaveEmergencyEvent(ctx context.Context, row *EmergencyEventRow) error {
	query := `
		INSERT INTO emergency_log (triggered_at, reason, metric, value)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		row.TriggeredAt, row.Reason, row.Metric, row.Value,
	).Scan(&row.ID, &row.CreatedAt)
}

// RecentEmergencyEvents returns the newest emergency records, newest first.
func (r *Repository) RecentEmergencyEvents(ctx context.Context, limit int) ([]EmergencyEventRow, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, triggered_at, reason, COALESCE(metric, ''), COALESCE(value, 0), created_at
		FROM emergency_log
		ORDER BY triggered_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmergencyEventRow
	for rows.Next() {
		var row EmergencyEventRow
		if err := rows.Scan(&row.ID, &row.TriggeredAt, &row.Reason, &row.Metric, &row.Value, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
