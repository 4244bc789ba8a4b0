package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"streamhub/internal/core"
)

// SQLiteStore backs local development and package tests. Decimals are stored
// as TEXT, timestamps as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed bootstraps) a SQLite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := bootstrapSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func bootstrapSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			condition TEXT NOT NULL,
			level TEXT NOT NULL,
			timeframe TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			triggered_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS alert_trigger_logs (
			id TEXT PRIMARY KEY,
			alert_id INTEGER NOT NULL,
			owner INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			price TEXT NOT NULL,
			triggered_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loss_limit_locks (
			owner INTEGER NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			threshold TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (owner, account_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS loss_alert_events (
			id TEXT PRIMARY KEY,
			owner INTEGER NOT NULL,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			threshold TEXT NOT NULL,
			loss TEXT NOT NULL,
			position_id TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			user_action TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS account_settings (
			owner INTEGER NOT NULL,
			account_id TEXT NOT NULL,
			paper INTEGER NOT NULL DEFAULT 0,
			monitoring_enabled INTEGER NOT NULL DEFAULT 0,
			email_opt_in INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (owner, account_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListActiveAlerts(ctx context.Context) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, symbol, condition, level, timeframe, active, triggered_at
		 FROM alerts WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var level string
		var active int
		var triggered sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Owner, &a.Symbol, &a.Condition, &level, &a.Timeframe, &active, &triggered); err != nil {
			return nil, err
		}
		if a.Level, err = decimal.NewFromString(level); err != nil {
			return nil, fmt.Errorf("bad level for alert %d: %w", a.ID, err)
		}
		a.Active = active == 1
		if triggered.Valid {
			t := time.Unix(0, triggered.Int64)
			a.TriggeredAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertAlert(ctx context.Context, a Alert) (int64, error) {
	if a.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO alerts (owner, symbol, condition, level, timeframe, active) VALUES (?, ?, ?, ?, ?, ?)`,
			a.Owner, a.Symbol, a.Condition, a.Level.String(), a.Timeframe, boolToInt(a.Active))
		if err != nil {
			return 0, fmt.Errorf("failed to insert alert: %w", err)
		}
		return res.LastInsertId()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET symbol = ?, condition = ?, level = ?, timeframe = ?, active = ? WHERE id = ?`,
		a.Symbol, a.Condition, a.Level.String(), a.Timeframe, boolToInt(a.Active), a.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to update alert: %w", err)
	}
	return a.ID, nil
}

func (s *SQLiteStore) DeleteAlert(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeactivateAlert(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET active = 0, triggered_at = ? WHERE id = ?`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate alert %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) InsertTriggerLogs(ctx context.Context, entries []TriggerLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*6)
	for _, e := range entries {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?)")
		args = append(args, e.ID, e.AlertID, e.Owner, e.Symbol, e.Price.String(), e.TriggeredAt.UnixNano())
	}
	query := `INSERT INTO alert_trigger_logs (id, alert_id, owner, symbol, price, triggered_at) VALUES ` +
		strings.Join(placeholders, ", ")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert trigger logs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLossLimits(ctx context.Context) ([]LossLimitLock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, account_id, kind, threshold, expires_at FROM loss_limit_locks`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loss limits: %w", err)
	}
	defer rows.Close()

	var out []LossLimitLock
	for rows.Next() {
		var l LossLimitLock
		var threshold string
		var expires int64
		if err := rows.Scan(&l.Owner, &l.AccountID, &l.Kind, &threshold, &expires); err != nil {
			return nil, err
		}
		if l.Threshold, err = decimal.NewFromString(threshold); err != nil {
			return nil, fmt.Errorf("bad threshold for %d/%s: %w", l.Owner, l.AccountID, err)
		}
		l.ExpiresAt = time.Unix(0, expires)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertLossLimit(ctx context.Context, l LossLimitLock) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loss_limit_locks (owner, account_id, kind, threshold, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner, account_id, kind) DO UPDATE SET threshold = excluded.threshold, expires_at = excluded.expires_at`,
		l.Owner, l.AccountID, l.Kind, l.Threshold.String(), l.ExpiresAt.UnixNano())
	return err
}

func (s *SQLiteStore) DeleteLossLimit(ctx context.Context, owner core.UserID, accountID, kind string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM loss_limit_locks WHERE owner = ? AND account_id = ? AND kind = ?`,
		owner, accountID, kind)
	return err
}

func (s *SQLiteStore) InsertLossAlert(ctx context.Context, ev LossAlertEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loss_alert_events (id, owner, account_id, kind, threshold, loss, position_id, snapshot, detected_at, user_action)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Owner, ev.AccountID, ev.Kind, ev.Threshold.String(), ev.Loss.String(),
		ev.PositionID, string(ev.Snapshot), ev.DetectedAt.UnixNano(), ev.UserAction)
	if err != nil {
		return fmt.Errorf("failed to insert loss alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRecentLossAlerts(ctx context.Context, since time.Time) ([]LossAlertEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, account_id, kind, threshold, loss, position_id, snapshot, detected_at, acknowledged_at, user_action
		 FROM loss_alert_events WHERE detected_at >= ?`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list loss alerts: %w", err)
	}
	defer rows.Close()

	var out []LossAlertEvent
	for rows.Next() {
		var ev LossAlertEvent
		var threshold, loss, snapshot string
		var detected int64
		var acked sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.Owner, &ev.AccountID, &ev.Kind, &threshold, &loss,
			&ev.PositionID, &snapshot, &detected, &acked, &ev.UserAction); err != nil {
			return nil, err
		}
		if ev.Threshold, err = decimal.NewFromString(threshold); err != nil {
			return nil, err
		}
		if ev.Loss, err = decimal.NewFromString(loss); err != nil {
			return nil, err
		}
		ev.Snapshot = []byte(snapshot)
		ev.DetectedAt = time.Unix(0, detected)
		if acked.Valid {
			t := time.Unix(0, acked.Int64)
			ev.AcknowledgedAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAccountSettings(ctx context.Context) ([]AccountSettings, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, account_id, paper, monitoring_enabled, email_opt_in FROM account_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list account settings: %w", err)
	}
	defer rows.Close()

	var out []AccountSettings
	for rows.Next() {
		var a AccountSettings
		var paper, monitoring, email int
		if err := rows.Scan(&a.Owner, &a.AccountID, &paper, &monitoring, &email); err != nil {
			return nil, err
		}
		a.Paper = paper == 1
		a.MonitoringEnabled = monitoring == 1
		a.EmailOptIn = email == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAccountSettings exists for tests and local tooling.
func (s *SQLiteStore) UpsertAccountSettings(ctx context.Context, a AccountSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_settings (owner, account_id, paper, monitoring_enabled, email_opt_in) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(owner, account_id) DO UPDATE SET paper = excluded.paper,
		 monitoring_enabled = excluded.monitoring_enabled, email_opt_in = excluded.email_opt_in`,
		a.Owner, a.AccountID, boolToInt(a.Paper), boolToInt(a.MonitoringEnabled), boolToInt(a.EmailOptIn))
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
