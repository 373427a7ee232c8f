package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/notifyq/notifyq/internal/database"
)

// UserRepository reads and writes the recipient directory. Dispatch
// only calls GetByID; the rest serves the external CRUD surface.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
}

// PostgresUserRepository implements UserRepository using PostgreSQL.
type PostgresUserRepository struct {
	db *database.DB
}

// NewPostgresUserRepository creates a new PostgreSQL user repository.
func NewPostgresUserRepository(db *database.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

const userColumns = `id, email, name, phone, push_token, slack_webhook_url,
		telegram_chat_id, preferences, created_at, updated_at`

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM notification_users
		WHERE id = $1
	`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresUserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM notification_users
		WHERE email = $1
	`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresUserRepository) Create(ctx context.Context, u *User) error {
	if u.Preferences == nil {
		u.Preferences = JSONMap{}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO notification_users (
			email, name, phone, push_token, slack_webhook_url, telegram_chat_id, preferences
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, u.Email, u.Name, u.Phone, u.PushToken, u.SlackWebhookURL, u.TelegramChatID, u.Preferences,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *PostgresUserRepository) Update(ctx context.Context, u *User) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE notification_users
		SET email = $2, name = $3, phone = $4, push_token = $5,
			slack_webhook_url = $6, telegram_chat_id = $7, preferences = $8,
			updated_at = NOW()
		WHERE id = $1
	`, u.ID, u.Email, u.Name, u.Phone, u.PushToken, u.SlackWebhookURL, u.TelegramChatID, u.Preferences)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(result)
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.Phone, &u.PushToken, &u.SlackWebhookURL,
		&u.TelegramChatID, &u.Preferences, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
