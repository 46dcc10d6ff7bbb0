package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- Operator methods ---

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User represents an admin-panel operator
type User struct {
	ID                     int64
	Username               string
	PasswordHash           string
	IsAdmin                bool
	PasswordChangeRequired bool
	CreatedAt              time.Time
	LastLogin              *time.Time
}

const userColumns = `id, username, password_hash, is_admin, password_change_required, created_at, last_login`

// CreateUser creates a new operator account
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO admin_users (username, password_hash, is_admin, password_change_required, created_at)
		VALUES (?, ?, ?, TRUE, ?)
	`), username, passwordHash, isAdmin, toMillis(time.Now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}
	return err
}

// GetUserByUsername retrieves an operator by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM admin_users WHERE username = ?`), username)
	return userOrNotFound(scanUser(row))
}

// GetUserByID retrieves an operator by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM admin_users WHERE id = ?`), id)
	return userOrNotFound(scanUser(row))
}

func userOrNotFound(u *User, err error) (*User, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// DeleteUser removes an operator by username
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM admin_users WHERE username = ?`), username)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return nil
}

// ListUsers returns all operators
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM admin_users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserLastLogin updates the last login timestamp
func (s *Store) UpdateUserLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE admin_users SET last_login = ? WHERE id = ?`), toMillis(time.Now()), userID)
	return err
}

// UpdateUserPassword updates a password and clears password_change_required
func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE admin_users SET password_hash = ?, password_change_required = FALSE WHERE id = ?
	`), newPasswordHash, userID)
	return err
}

// ResetUserPassword sets a new temporary password (admin action)
func (s *Store) ResetUserPassword(ctx context.Context, userID int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE admin_users SET password_hash = ?, password_change_required = TRUE WHERE id = ?
	`), newPasswordHash, userID)
	return err
}

// UpdateUserAdmin updates the admin status of an operator
func (s *Store) UpdateUserAdmin(ctx context.Context, userID int64, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE admin_users SET is_admin = ? WHERE id = ?`), isAdmin, userID)
	return err
}
