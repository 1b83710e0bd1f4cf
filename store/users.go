package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is a row in the users table. HashedPassword never leaves the service
// boundary; callers strip it before serializing a user.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	HashedPassword string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	IsActive       bool      `json:"is_active"`
	APIKey         string    `json:"api_key,omitempty"`
}

// CreateUser inserts a new user. Username and email uniqueness is
// case-insensitive; a duplicate surfaces as ErrConflict.
func (s *Store) CreateUser(ctx context.Context, username, email, hashedPassword, apiKey string) (*User, error) {
	u := &User{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		HashedPassword: hashedPassword,
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
		APIKey:         apiKey,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, hashed_password, created_at, is_active, api_key)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		u.ID, u.Username, u.Email, u.HashedPassword, u.CreatedAt, toNullString(u.APIKey))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return u, nil
}

// EnsureDefaultUser guarantees a users row exists for the fixed identity
// injected when the auth gate is disabled. The sandboxes table carries a
// foreign key on user_id, so the row must exist before any sandbox record
// can reference it. Idempotent.
func (s *Store) EnsureDefaultUser(ctx context.Context, id string) (*User, error) {
	if existing, err := s.GetUserByID(ctx, id); err != nil || existing != nil {
		return existing, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, username, email, hashed_password, created_at, is_active, api_key)
		 VALUES (?, ?, ?, '', ?, 1, NULL)`,
		id, id, id+"@localhost", time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure default user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByUsername looks a user up case-insensitively. Returns nil, nil
// when no such user exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, hashed_password, created_at, is_active, api_key
		FROM users WHERE username = ? COLLATE NOCASE`, username)
}

// GetUserByEmail looks a user up by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, hashed_password, created_at, is_active, api_key
		FROM users WHERE email = ? COLLATE NOCASE`, email)
}

// GetUserByID looks a user up by its opaque id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, hashed_password, created_at, is_active, api_key
		FROM users WHERE id = ?`, id)
}

// GetUserByAPIKey looks a user up by api key. Key comparison is exact.
func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	return s.getUser(ctx, `SELECT id, username, email, hashed_password, created_at, is_active, api_key
		FROM users WHERE api_key = ?`, apiKey)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var u User
	var apiKey sql.NullString
	var isActive int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.HashedPassword, &u.CreatedAt, &isActive, &apiKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.IsActive = isActive != 0
	u.APIKey = fromNullString(apiKey)
	return &u, nil
}

// UpdateAPIKey replaces the user's api key. Returns the updated user, or
// nil when no such user exists.
func (s *Store) UpdateAPIKey(ctx context.Context, userID, apiKey string) (*User, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET api_key = ? WHERE id = ?`, toNullString(apiKey), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}
	return s.GetUserByID(ctx, userID)
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text
	// (SQLITE_CONSTRAINT_UNIQUE / SQLITE_CONSTRAINT_PRIMARYKEY).
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
