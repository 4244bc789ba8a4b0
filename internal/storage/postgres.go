package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"streamhub/internal/core"
)

// PostgresStore is the production persistence backend.
//
// NOTE: schema is managed via migrations; this store assumes the tables
// already exist with NUMERIC level/threshold/loss columns and timestamptz
// timestamps.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool against the given DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, symbol, condition, level, timeframe, active, triggered_at
		 FROM alerts WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var triggered *time.Time
		if err := rows.Scan(&a.ID, &a.Owner, &a.Symbol, &a.Condition, &a.Level, &a.Timeframe, &a.Active, &triggered); err != nil {
			return nil, err
		}
		a.TriggeredAt = triggered
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertAlert(ctx context.Context, a Alert) (int64, error) {
	if a.ID == 0 {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO alerts (owner, symbol, condition, level, timeframe, active)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			a.Owner, a.Symbol, a.Condition, a.Level, a.Timeframe, a.Active).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert alert: %w", err)
		}
		return id, nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE alerts SET symbol = $1, condition = $2, level = $3, timeframe = $4, active = $5 WHERE id = $6`,
		a.Symbol, a.Condition, a.Level, a.Timeframe, a.Active, a.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to update alert: %w", err)
	}
	return a.ID, nil
}

func (s *PostgresStore) DeleteAlert(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) DeactivateAlert(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE alerts SET active = false, triggered_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate alert %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) InsertTriggerLogs(ctx context.Context, entries []TriggerLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*6)
	for i, e := range entries {
		base := i * 6
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, e.ID, e.AlertID, e.Owner, e.Symbol, e.Price, e.TriggeredAt)
	}
	query := `INSERT INTO alert_trigger_logs (id, alert_id, owner, symbol, price, triggered_at) VALUES ` +
		strings.Join(placeholders, ", ")
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert trigger logs: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLossLimits(ctx context.Context) ([]LossLimitLock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner, account_id, kind, threshold, expires_at FROM loss_limit_locks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loss limits: %w", err)
	}
	defer rows.Close()

	var out []LossLimitLock
	for rows.Next() {
		var l LossLimitLock
		if err := rows.Scan(&l.Owner, &l.AccountID, &l.Kind, &l.Threshold, &l.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertLossLimit(ctx context.Context, l LossLimitLock) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loss_limit_locks (owner, account_id, kind, threshold, expires_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner, account_id, kind) DO UPDATE SET threshold = EXCLUDED.threshold, expires_at = EXCLUDED.expires_at`,
		l.Owner, l.AccountID, l.Kind, l.Threshold, l.ExpiresAt)
	return err
}

func (s *PostgresStore) DeleteLossLimit(ctx context.Context, owner core.UserID, accountID, kind string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM loss_limit_locks WHERE owner = $1 AND account_id = $2 AND kind = $3`,
		owner, accountID, kind)
	return err
}

func (s *PostgresStore) InsertLossAlert(ctx context.Context, ev LossAlertEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO loss_alert_events (id, owner, account_id, kind, threshold, loss, position_id, snapshot, detected_at, user_action)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.Owner, ev.AccountID, ev.Kind, ev.Threshold, ev.Loss,
		ev.PositionID, ev.Snapshot, ev.DetectedAt, ev.UserAction)
	if err != nil {
		return fmt.Errorf("failed to insert loss alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecentLossAlerts(ctx context.Context, since time.Time) ([]LossAlertEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, account_id, kind, threshold, loss, position_id, snapshot, detected_at, acknowledged_at, user_action
		 FROM loss_alert_events WHERE detected_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list loss alerts: %w", err)
	}
	defer rows.Close()

	var out []LossAlertEvent
	for rows.Next() {
		var ev LossAlertEvent
		var acked *time.Time
		if err := rows.Scan(&ev.ID, &ev.Owner, &ev.AccountID, &ev.Kind, &ev.Threshold, &ev.Loss,
			&ev.PositionID, &ev.Snapshot, &ev.DetectedAt, &acked, &ev.UserAction); err != nil {
			return nil, err
		}
		ev.AcknowledgedAt = acked
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAccountSettings(ctx context.Context) ([]AccountSettings, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner, account_id, paper, monitoring_enabled, email_opt_in FROM account_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account settings: %w", err)
	}
	defer rows.Close()

	var out []AccountSettings
	for rows.Next() {
		var a AccountSettings
		if err := rows.Scan(&a.Owner, &a.AccountID, &a.Paper, &a.MonitoringEnabled, &a.EmailOptIn); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
