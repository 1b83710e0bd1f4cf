package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sandbox is a row in the sandbox registry. ContainerID is the private
// binding to the backing container and never appears at the API surface.
type Sandbox struct {
	ID          string    `json:"sandbox_id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	ContainerID string    `json:"-"`
}

// CreateSandboxParams name the inputs to CreateSandbox. ID may be
// pre-generated by the caller (the container is labelled with it before the
// record exists); when empty a fresh UUID is drawn. When Name is empty it is
// auto-assigned as "Sandbox N", N being the user's current count plus one.
type CreateSandboxParams struct {
	ID          string
	UserID      string
	Name        string
	ContainerID string
}

// CreateSandbox inserts a new registry record.
func (s *Store) CreateSandbox(ctx context.Context, params CreateSandboxParams) (*Sandbox, error) {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := params.Name
	if name == "" {
		count, err := s.CountSandboxesByUser(ctx, params.UserID)
		if err != nil {
			return nil, err
		}
		name = fmt.Sprintf("Sandbox %d", count+1)
	}
	sb := &Sandbox{
		ID:          id,
		UserID:      params.UserID,
		Name:        name,
		CreatedAt:   time.Now().UTC(),
		ContainerID: params.ContainerID,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (id, user_id, name, created_at, docker_container_id)
		 VALUES (?, ?, ?, ?, ?)`,
		sb.ID, sb.UserID, sb.Name, sb.CreatedAt, toNullString(sb.ContainerID))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox record: %w", err)
	}
	return sb, nil
}

// GetSandbox returns the full record, or nil when absent.
func (s *Store) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, docker_container_id FROM sandboxes WHERE id = ?`, id)
	sb, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	return sb, nil
}

// ListSandboxesByUser returns the user's records in creation order.
func (s *Store) ListSandboxesByUser(ctx context.Context, userID string) ([]Sandbox, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at, docker_container_id
		 FROM sandboxes WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var out []Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox: %w", err)
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

// CountSandboxesByUser counts the user's registry records.
func (s *Store) CountSandboxesByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sandboxes: %w", err)
	}
	return n, nil
}

// DeleteSandbox drops the record. Returns false when no row matched.
func (s *Store) DeleteSandbox(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete sandbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsOwner reports whether userID owns sandboxID. Absent sandboxes report
// false; callers must not distinguish the two cases at the API surface.
func (s *Store) IsOwner(ctx context.Context, userID, sandboxID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sandboxes WHERE id = ? AND user_id = ?`, sandboxID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ownership: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSandbox(row rowScanner) (*Sandbox, error) {
	var sb Sandbox
	var containerID sql.NullString
	if err := row.Scan(&sb.ID, &sb.UserID, &sb.Name, &sb.CreatedAt, &containerID); err != nil {
		return nil, err
	}
	sb.ContainerID = fromNullString(containerID)
	return &sb, nil
}
