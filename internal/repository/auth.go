// Package repository provides PostgreSQL persistence for the auth and sync
// services.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/modelsync/internal/models"
)

// ErrNotFound is returned when a token or user does not exist or can no
// longer be used.
var ErrNotFound = errors.New("repository: not found")

// PostgresAuthRepository stores users, magic links and refresh tokens.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a PostgresAuthRepository on db.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// CreateMagicLink stores a sign-in token for email.
func (r *PostgresAuthRepository) CreateMagicLink(ctx context.Context, token, email string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO magic_links (token, email, expires_at) VALUES ($1, $2, $3)`,
		token, email, expiresAt)
	if err != nil {
		return fmt.Errorf("create magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink marks an unused, unexpired token as used and returns the
// email it was issued for.
func (r *PostgresAuthRepository) ConsumeMagicLink(ctx context.Context, token string, now time.Time) (string, error) {
	var email string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE magic_links SET used = true
		 WHERE token = $1 AND used = false AND expires_at > $2
		RETURNING email
	`, token, now).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consume magic link: %w", err)
	}
	return email, nil
}

// UpsertUser returns the user registered for email, creating it with id on
// first sign-in.
func (r *PostgresAuthRepository) UpsertUser(ctx context.Context, id, email string) (models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, email
	`, id, email).Scan(&u.ID, &u.Email)
	if err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with id.
func (r *PostgresAuthRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	return r.queryUser(ctx, `SELECT id, email FROM users WHERE id = $1`, id)
}

// GetUserByEmail returns the user registered for email.
func (r *PostgresAuthRepository) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.queryUser(ctx, `SELECT id, email FROM users WHERE email = $1`, email)
}

func (r *PostgresAuthRepository) queryUser(ctx context.Context, query, arg string) (models.User, error) {
	var u models.User
	err := r.DB.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SaveRefreshToken stores a refresh token for userID.
func (r *PostgresAuthRepository) SaveRefreshToken(ctx context.Context, token, userID string, expiresAt time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken revokes a live refresh token and returns its user.
// A token can be exchanged once.
func (r *PostgresAuthRepository) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (string, error) {
	var userID string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = true
		 WHERE token = $1 AND revoked = false AND expires_at > $2
		RETURNING user_id
	`, token, now).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("consume refresh token: %w", err)
	}
	return userID, nil
}

// RevokeRefreshToken revokes token. Revoking an unknown token is not an error.
func (r *PostgresAuthRepository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}
