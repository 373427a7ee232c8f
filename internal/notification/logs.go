package notification

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/notifyq/notifyq/internal/database"
)

// LogRepository is the insert-only audit trail plus its read queries.
type LogRepository interface {
	// Append inserts one log entry.
	Append(ctx context.Context, log *Log) error

	// ListByNotification returns a notification's full trail, oldest first.
	ListByNotification(ctx context.Context, notificationID int64) ([]*Log, error)

	// ListRecent returns the newest entries across all notifications.
	ListRecent(ctx context.Context, limit int) ([]*Log, error)

	// ListErrors returns the newest error and failed entries joined
	// with the owning notification's channel and recipient.
	ListErrors(ctx context.Context, limit int) ([]*ErrorLog, error)
}

// PostgresLogRepository implements LogRepository using PostgreSQL.
type PostgresLogRepository struct {
	db *database.DB
}

// NewPostgresLogRepository creates a new PostgreSQL log repository.
func NewPostgresLogRepository(db *database.DB) *PostgresLogRepository {
	return &PostgresLogRepository{db: db}
}

const logColumns = `id, notification_id, status, message, error_details,
		provider_response, metadata, created_at`

// insertLogTx writes a log row inside an open transaction. Status
// transitions use it so the row update and its audit entry commit
// together.
func insertLogTx(ctx context.Context, tx *sql.Tx, log *Log) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_logs (
			notification_id, status, message, error_details, provider_response, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, log.NotificationID, log.Status, log.Message, log.ErrorDetails, log.ProviderResponse, log.Metadata)
	if err != nil {
		return fmt.Errorf("failed to insert notification log: %w", err)
	}
	return nil
}

// Append inserts one log entry.
func (r *PostgresLogRepository) Append(ctx context.Context, log *Log) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO notification_logs (
			notification_id, status, message, error_details, provider_response, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, log.NotificationID, log.Status, log.Message, log.ErrorDetails, log.ProviderResponse, log.Metadata,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append notification log: %w", err)
	}
	return nil
}

// ListByNotification returns a notification's full trail, oldest first.
func (r *PostgresLogRepository) ListByNotification(ctx context.Context, notificationID int64) ([]*Log, error) {
	query := `
		SELECT ` + logColumns + `
		FROM notification_logs
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

// ListRecent returns the newest entries across all notifications.
func (r *PostgresLogRepository) ListRecent(ctx context.Context, limit int) ([]*Log, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + logColumns + `
		FROM notification_logs
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

// ListErrors returns the newest error and failed entries joined with
// the owning notification's channel and recipient.
func (r *PostgresLogRepository) ListErrors(ctx context.Context, limit int) ([]*ErrorLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT l.id, l.notification_id, l.status, l.message, l.error_details,
			l.provider_response, l.metadata, l.created_at,
			n.channel, n.recipient
		FROM notification_logs l
		JOIN notifications n ON n.id = l.notification_id
		WHERE l.status IN ('error', 'failed')
		ORDER BY l.created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*ErrorLog
	for rows.Next() {
		var l ErrorLog
		err := rows.Scan(
			&l.ID, &l.NotificationID, &l.Status, &l.Message, &l.ErrorDetails,
			&l.ProviderResponse, &l.Metadata, &l.CreatedAt,
			&l.Channel, &l.Recipient,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error logs: %w", err)
	}

	return logs, nil
}

// scanLogs scans rows into a Log slice.
func scanLogs(rows *sql.Rows) ([]*Log, error) {
	var logs []*Log

	for rows.Next() {
		var l Log
		err := rows.Scan(
			&l.ID, &l.NotificationID, &l.Status, &l.Message, &l.ErrorDetails,
			&l.ProviderResponse, &l.Metadata, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return logs, nil
}
