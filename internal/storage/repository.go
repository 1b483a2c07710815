package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        alert_id,
        symbol,
        kind,
        old_value,
        new_value,
        percent_change,
        observed_at,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (alert_id) DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        symbol,
        kind,
        old_value,
        new_value,
        percent_change,
        observed_at,
        channels,
        created_at
    FROM alerts
    ORDER BY observed_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts;`

	upsertDigestEntrySQL = `INSERT INTO digest_entries (
        digest_date,
        symbol,
        open_price,
        close_price,
        percent_change,
        day_high,
        day_low
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (digest_date, symbol) DO UPDATE
    SET open_price     = EXCLUDED.open_price,
        close_price    = EXCLUDED.close_price,
        percent_change = EXCLUDED.percent_change,
        day_high       = EXCLUDED.day_high,
        day_low        = EXCLUDED.day_low;`

	listDigestEntriesSQL = `SELECT
        id,
        digest_date,
        symbol,
        open_price,
        close_price,
        percent_change,
        day_high,
        day_low,
        created_at
    FROM digest_entries
    WHERE symbol = $1
      AND digest_date >= $2
      AND digest_date < $3
    ORDER BY digest_date;`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// DigestStore defines operations for digest history persistence.
type DigestStore interface {
	UpsertDigestEntry(ctx context.Context, entry DigestRecord) error
	ListDigestEntries(ctx context.Context, symbol string, from, to time.Time) ([]DigestRecord, error)
}

// Store aggregates access to alerts and digest history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission. Re-inserting the same alert
// ID is a no-op so redelivery cannot duplicate audit rows.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var change interface{}
	if alert.PercentChange.Valid {
		change = alert.PercentChange.Decimal.String()
	}

	var (
		id        int64
		createdAt time.Time
	)
	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.AlertID,
		alert.Symbol,
		alert.Kind,
		alert.OldValue.String(),
		alert.NewValue.String(),
		change,
		alert.ObservedAt,
		alert.Channels,
	)
	if scanErr := row.Scan(&id, &createdAt); scanErr != nil {
		// No row returned means the conflict clause swallowed a
		// duplicate; that is success.
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("insert alert: %w", scanErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec       AlertRecord
			oldStr    string
			newStr    string
			changeStr sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&rec.Symbol,
			&rec.Kind,
			&oldStr,
			&newStr,
			&changeStr,
			&rec.ObservedAt,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.OldValue, convErr = decimal.NewFromString(oldStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse old value: %w", convErr)
		}
		rec.NewValue, convErr = decimal.NewFromString(newStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse new value: %w", convErr)
		}
		if changeStr.Valid {
			change, convErr := decimal.NewFromString(changeStr.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse percent change: %w", convErr)
			}
			rec.PercentChange = decimal.NullDecimal{Decimal: change, Valid: true}
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// UpsertDigestEntry persists or updates one symbol's digest entry.
func (s *Store) UpsertDigestEntry(ctx context.Context, entry DigestRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertDigestEntrySQL,
		entry.DigestDate,
		entry.Symbol,
		entry.OpenPrice.String(),
		entry.ClosePrice.String(),
		entry.PercentChange.String(),
		entry.DayHigh.String(),
		entry.DayLow.String(),
	)
	if execErr != nil {
		return fmt.Errorf("upsert digest entry: %w", execErr)
	}
	return nil
}

// ListDigestEntries lists a symbol's digest history within a window.
func (s *Store) ListDigestEntries(ctx context.Context, symbol string, from, to time.Time) ([]DigestRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDigestEntriesSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list digest entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]DigestRecord, 0)
	for rows.Next() {
		entry, scanErr := scanDigestRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDigestRecord(row rowScanner) (DigestRecord, error) {
	var (
		rec       DigestRecord
		openStr   string
		closeStr  string
		changeStr string
		highStr   string
		lowStr    string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.DigestDate,
		&rec.Symbol,
		&openStr,
		&closeStr,
		&changeStr,
		&highStr,
		&lowStr,
		&rec.CreatedAt,
	); err != nil {
		return DigestRecord{}, err
	}

	var err error
	if rec.OpenPrice, err = decimal.NewFromString(openStr); err != nil {
		return DigestRecord{}, fmt.Errorf("parse open price: %w", err)
	}
	if rec.ClosePrice, err = decimal.NewFromString(closeStr); err != nil {
		return DigestRecord{}, fmt.Errorf("parse close price: %w", err)
	}
	if rec.PercentChange, err = decimal.NewFromString(changeStr); err != nil {
		return DigestRecord{}, fmt.Errorf("parse percent change: %w", err)
	}
	if rec.DayHigh, err = decimal.NewFromString(highStr); err != nil {
		return DigestRecord{}, fmt.Errorf("parse day high: %w", err)
	}
	if rec.DayLow, err = decimal.NewFromString(lowStr); err != nil {
		return DigestRecord{}, fmt.Errorf("parse day low: %w", err)
	}

	return rec, nil
}

var _ AlertStore = (*Store)(nil)
var _ DigestStore = (*Store)(nil)
