package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/notifyq/notifyq/internal/database"
)

// Repository handles PostgreSQL operations for notification rows.
// Status-changing methods write the matching audit log entry in the
// same transaction; a row transition without its log row never
// becomes visible.
type Repository interface {
	// Create inserts a new notification row and returns its id.
	Create(ctx context.Context, n *Notification) (int64, error)

	// CreateBatch inserts a fan-out of rows in a single transaction.
	CreateBatch(ctx context.Context, ns []*Notification) error

	// GetByID retrieves a notification by its ID.
	GetByID(ctx context.Context, id int64) (*Notification, error)

	// ListByUser returns a page of rows for one user plus the total count.
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Notification, int64, error)

	// List returns rows matching the filter.
	List(ctx context.Context, f Filter) ([]*Notification, error)

	// UpdateStatus sets the row status. sent_at is stamped when the new
	// status is sent and sent_at is still null; updated_at always bumps.
	UpdateStatus(ctx context.Context, id int64, status Status) error

	// UpdateStatusBatch sets the status of many rows in one statement.
	UpdateStatusBatch(ctx context.Context, ids []int64, status Status) error

	// MarkQueued transitions a row to queued and logs it.
	MarkQueued(ctx context.Context, id int64) error

	// MarkQueuedBatch transitions many rows to queued and logs each.
	MarkQueuedBatch(ctx context.Context, ids []int64) error

	// MarkProcessing transitions a row to processing, touches
	// last_processed_at and logs it.
	MarkProcessing(ctx context.Context, id int64) error

	// MarkSent transitions a row to sent (stamping sent_at once) and
	// logs the delivery with the provider response.
	MarkSent(ctx context.Context, id int64, providerResponse string) error

	// MarkFailed transitions a row to failed, records the reason and
	// logs it. Terminal.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// MarkRetrying transitions a row to retrying and logs the scheduled
	// retry with its delay and attempt counters.
	MarkRetrying(ctx context.Context, id int64, message string, metadata JSONMap) error

	// IncrementRetryCount bumps retry_count atomically and returns the
	// new value. Returns ErrNotFound if the row is missing or its retry
	// budget is already exhausted.
	IncrementRetryCount(ctx context.Context, id int64) (int, error)

	// ResetRetryCount zeroes retry_count for a manual replay.
	ResetRetryCount(ctx context.Context, id int64) error

	// SetErrorMessage records the latest failure summary on the row.
	SetErrorMessage(ctx context.Context, id int64, msg string) error

	// ListPending returns due pending rows, oldest schedule first.
	ListPending(ctx context.Context, limit int) ([]*Notification, error)

	// ListRetryable returns failed rows with retry budget left whose
	// schedule has passed, highest priority first.
	ListRetryable(ctx context.Context) ([]*Notification, error)

	// ListStale returns processing and retrying rows not touched since
	// the cutoff.
	ListStale(ctx context.Context, olderThan time.Duration) ([]*Notification, error)

	// StatsLast24h aggregates counts for the analytics rollup.
	StatsLast24h(ctx context.Context) (*Stats, error)
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *database.DB
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(db *database.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ErrConflict is returned on unique constraint violations.
var ErrConflict = errors.New("notification conflict")

// ErrNotFound is returned when a notification is not found.
var ErrNotFound = errors.New("notification not found")

const notificationColumns = `id, user_id, template_id, channel, recipient, subject, content,
		status, error_message, retry_count, max_retries, priority,
		scheduled_at, sent_at, last_processed_at, created_at, updated_at`

const insertNotificationQuery = `
	INSERT INTO notifications (
		user_id, template_id, channel, recipient, subject, content,
		status, retry_count, max_retries, priority, scheduled_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	RETURNING id, created_at, updated_at
`

// Create inserts a new notification row plus its created log entry and
// returns the row id.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) (int64, error) {
	applyRowDefaults(n)

	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, insertNotificationQuery,
			n.UserID, n.TemplateID, n.Channel, n.Recipient, n.Subject, n.Content,
			n.Status, n.RetryCount, n.MaxRetries, n.Priority, n.ScheduledAt,
		).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return insertLogTx(ctx, tx, &Log{
			NotificationID: n.ID,
			Status:         LogCreated,
			Message:        Ptr("notification created"),
		})
	})
	if err != nil {
		return 0, err
	}

	return n.ID, nil
}

// CreateBatch inserts a fan-out of rows, each with its created log
// entry, in a single transaction.
func (r *PostgresRepository) CreateBatch(ctx context.Context, ns []*Notification) error {
	if len(ns) == 0 {
		return nil
	}

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertNotificationQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare batch insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		ids := make([]int64, 0, len(ns))
		for _, n := range ns {
			applyRowDefaults(n)
			err := stmt.QueryRowContext(ctx,
				n.UserID, n.TemplateID, n.Channel, n.Recipient, n.Subject, n.Content,
				n.Status, n.RetryCount, n.MaxRetries, n.Priority, n.ScheduledAt,
			).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("failed to insert notification batch row: %w", err)
			}
			ids = append(ids, n.ID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO notification_logs (notification_id, status, message)
			SELECT unnest($1::bigint[]), 'created', 'notification created'
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to log created batch: %w", err)
		}
		return nil
	})
}

// applyRowDefaults fills the columns the caller may leave zero.
// MaxRetries is stored as given: zero means a single delivery attempt.
func applyRowDefaults(n *Notification) {
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = time.Now()
	}
}

// GetByID retrieves a notification by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE id = $1
	`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

// ListByUser returns a page of rows for one user plus the total count.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Notification, int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count user notifications: %w", err)
	}

	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list user notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ns, err := scanNotifications(rows)
	if err != nil {
		return nil, 0, err
	}
	return ns, total, nil
}

// List returns rows matching the filter.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE 1=1
	`

	args := []interface{}{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.Channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", argIdx)
		args = append(args, f.Channel)
		argIdx++
	}
	if f.Priority != "" {
		query += fmt.Sprintf(" AND priority = $%d", argIdx)
		args = append(args, f.Priority)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++

	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanNotifications(rows)
}

const updateStatusQuery = `
	UPDATE notifications
	SET status = $2,
		sent_at = CASE WHEN $2 = 'sent' AND sent_at IS NULL THEN NOW() ELSE sent_at END,
		updated_at = NOW()
	WHERE id = $1
`

// UpdateStatus sets the row status, stamping sent_at on the first
// transition to sent.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	result, err := r.db.ExecContext(ctx, updateStatusQuery, id, status)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	return requireRow(result)
}

// UpdateStatusBatch sets the status of many rows in one statement.
func (r *PostgresRepository) UpdateStatusBatch(ctx context.Context, ids []int64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE notifications
		SET status = $2,
			sent_at = CASE WHEN $2 = 'sent' AND sent_at IS NULL THEN NOW() ELSE sent_at END,
			updated_at = NOW()
		WHERE id = ANY($1)
	`

	_, err := r.db.ExecContext(ctx, query, pq.Array(ids), status)
	if err != nil {
		return fmt.Errorf("failed to update notification statuses: %w", err)
	}
	return nil
}

// MarkQueued transitions a row to queued and logs it.
func (r *PostgresRepository) MarkQueued(ctx context.Context, id int64) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, updateStatusQuery, id, StatusQueued)
		if err != nil {
			return fmt.Errorf("failed to mark notification queued: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, &Log{
			NotificationID: id,
			Status:         LogQueued,
			Message:        Ptr("notification enqueued"),
		})
	})
}

// MarkQueuedBatch transitions many rows to queued and logs each.
func (r *PostgresRepository) MarkQueuedBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status = 'queued', updated_at = NOW()
			WHERE id = ANY($1)
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to mark notifications queued: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO notification_logs (notification_id, status, message)
			SELECT unnest($1::bigint[]), 'queued', 'notification enqueued'
		`, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to log queued batch: %w", err)
		}
		return nil
	})
}

// MarkProcessing transitions a row to processing, touches
// last_processed_at and logs it.
func (r *PostgresRepository) MarkProcessing(ctx context.Context, id int64) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status = 'processing', last_processed_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to mark notification processing: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, &Log{
			NotificationID: id,
			Status:         LogProcessing,
			Message:        Ptr("delivery attempt started"),
		})
	})
}

// MarkSent transitions a row to sent (stamping sent_at once) and logs
// the delivery with the provider response.
func (r *PostgresRepository) MarkSent(ctx context.Context, id int64, providerResponse string) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, updateStatusQuery, id, StatusSent)
		if err != nil {
			return fmt.Errorf("failed to mark notification sent: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		log := &Log{
			NotificationID: id,
			Status:         LogDelivered,
			Message:        Ptr("notification delivered"),
		}
		if providerResponse != "" {
			log.ProviderResponse = Ptr(providerResponse)
		}
		return insertLogTx(ctx, tx, log)
	})
}

// MarkFailed transitions a row to failed, records the reason and logs
// it. Terminal.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status = 'failed', error_message = $2, updated_at = NOW()
			WHERE id = $1
		`, id, reason)
		if err != nil {
			return fmt.Errorf("failed to mark notification failed: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, &Log{
			NotificationID: id,
			Status:         LogFailed,
			Message:        Ptr(reason),
		})
	})
}

// MarkRetrying transitions a row to retrying and logs the scheduled
// retry with its delay and attempt counters.
func (r *PostgresRepository) MarkRetrying(ctx context.Context, id int64, message string, metadata JSONMap) error {
	return r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET status = 'retrying', updated_at = NOW()
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to mark notification retrying: %w", err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
		return insertLogTx(ctx, tx, &Log{
			NotificationID: id,
			Status:         LogRetryScheduled,
			Message:        Ptr(message),
			Metadata:       metadata,
		})
	})
}

// IncrementRetryCount bumps retry_count atomically and returns the new
// value. The retry budget guard keeps retry_count <= max_retries even
// under replays.
func (r *PostgresRepository) IncrementRetryCount(ctx context.Context, id int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND retry_count < max_retries
		RETURNING retry_count
	`, id).Scan(&count)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	return count, nil
}

// ResetRetryCount zeroes retry_count for a manual replay.
func (r *PostgresRepository) ResetRetryCount(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET retry_count = 0, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset retry count: %w", err)
	}
	return requireRow(result)
}

// SetErrorMessage records the latest failure summary on the row.
func (r *PostgresRepository) SetErrorMessage(ctx context.Context, id int64, msg string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET error_message = $2, updated_at = NOW()
		WHERE id = $1
	`, id, msg)
	if err != nil {
		return fmt.Errorf("failed to set error message: %w", err)
	}
	return requireRow(result)
}

// ListPending returns due pending rows, oldest schedule first.
func (r *PostgresRepository) ListPending(ctx context.Context, limit int) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanNotifications(rows)
}

// ListRetryable returns failed rows with retry budget left whose
// schedule has passed, highest priority first, oldest first within a
// priority.
func (r *PostgresRepository) ListRetryable(ctx context.Context) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'failed'
			AND retry_count < max_retries
			AND scheduled_at <= NOW()
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 4
				WHEN 'high' THEN 3
				WHEN 'normal' THEN 2
				ELSE 1
			END DESC,
			created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanNotifications(rows)
}

// ListStale returns claimed rows not touched since the cutoff:
// processing rows whose worker died, and retrying rows whose delayed
// job never fired. Both carry last_processed_at from their last claim,
// and every backoff delay is far below any sane cutoff.
func (r *PostgresRepository) ListStale(ctx context.Context, olderThan time.Duration) ([]*Notification, error) {
	cutoff := time.Now().Add(-olderThan)

	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status IN ('processing', 'retrying') AND last_processed_at < $1
		ORDER BY last_processed_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanNotifications(rows)
}

// StatsLast24h aggregates counts for the analytics rollup.
func (r *PostgresRepository) StatsLast24h(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:  make(map[string]int64),
		ByChannel: make(map[string]int64),
	}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE created_at >= NOW() - INTERVAL '24 hours'
	`).Scan(&stats.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	statusRows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM notifications
		WHERE created_at >= NOW() - INTERVAL '24 hours'
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer func() { _ = statusRows.Close() }()

	for statusRows.Next() {
		var s string
		var count int64
		if err := statusRows.Scan(&s, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[s] = count
	}
	if err := statusRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	channelRows, err := r.db.QueryContext(ctx, `
		SELECT channel, COUNT(*)
		FROM notifications
		WHERE created_at >= NOW() - INTERVAL '24 hours'
		GROUP BY channel
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by channel: %w", err)
	}
	defer func() { _ = channelRows.Close() }()

	for channelRows.Next() {
		var c string
		var count int64
		if err := channelRows.Scan(&c, &count); err != nil {
			return nil, fmt.Errorf("failed to scan channel count: %w", err)
		}
		stats.ByChannel[c] = count
	}
	if err := channelRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel counts: %w", err)
	}

	hourRows, err := r.db.QueryContext(ctx, `
		SELECT date_trunc('hour', created_at) AS hour,
			COUNT(*) FILTER (WHERE status = 'sent') AS sent,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM notifications
		WHERE created_at >= NOW() - INTERVAL '24 hours'
		GROUP BY hour
		ORDER BY hour ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket hourly counts: %w", err)
	}
	defer func() { _ = hourRows.Close() }()

	for hourRows.Next() {
		var b HourlyBucket
		if err := hourRows.Scan(&b.Hour, &b.Sent, &b.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan hourly bucket: %w", err)
		}
		stats.Hourly = append(stats.Hourly, b)
	}
	if err := hourRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hourly buckets: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[string(StatusSent)]) / float64(stats.Total) * 100
	}

	return stats, nil
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.TemplateID, &n.Channel, &n.Recipient, &n.Subject, &n.Content,
		&n.Status, &n.ErrorMessage, &n.RetryCount, &n.MaxRetries, &n.Priority,
		&n.ScheduledAt, &n.SentAt, &n.LastProcessedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// scanNotifications scans rows into a Notification slice.
func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var notifications []*Notification

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return notifications, nil
}

// isUniqueViolation checks if error is a unique constraint violation.
// Uses proper pq.Error type assertion for PostgreSQL error code 23505.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// PostgreSQL error code 23505 = unique_violation
		return pqErr.Code == "23505"
	}
	return false
}
