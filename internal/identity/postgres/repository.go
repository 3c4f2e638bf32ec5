// Package postgres provides PostgreSQL implementation of the identity repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const userColumns = `id, first_name, last_name, email, password_hash, role, status, created_at, updated_at, deleted_at`

// Repository implements the identity.Repository interface using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a user. The partial unique index on active emails
// turns concurrent duplicates into identity.ErrEmailExists.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (first_name, last_name, email, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		user.FirstName,
		user.LastName,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.Status,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrEmailExists
		}
		return unavailable("create user", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID regardless of status.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, unavailable("get user by id", err)
	}
	return user, nil
}

// GetUserByEmail retrieves an active user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1 AND status = 'active'`

	user, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, unavailable("get user by email", err)
	}
	return user, nil
}

// ListUsers returns a page of users newest first and the total count.
func (r *Repository) ListUsers(ctx context.Context, filter identity.UserFilter) ([]domain.User, int, error) {
	var conditions []string
	var args []any

	if !filter.IncludeDeleted {
		conditions = append(conditions, "status = 'active'")
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			"(first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", n, n, n))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, unavailable("count users", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		userColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, unavailable("list users", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, unavailable("scan user", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, unavailable("iterate users", err)
	}

	return users, total, nil
}

// UpdatePassword replaces the password hash of an active user.
func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`
	result, err := r.db.Exec(ctx, query, id, passwordHash)
	if err != nil {
		return unavailable("update password", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// UpdateProfile updates the name fields of an active user.
func (r *Repository) UpdateProfile(ctx context.Context, user *domain.User) error {
	query := `
		UPDATE users
		SET first_name = $2, last_name = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING updated_at
	`
	err := r.db.QueryRow(ctx, query, user.ID, user.FirstName, user.LastName).Scan(&user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.ErrUserNotFound
		}
		return unavailable("update profile", err)
	}
	return nil
}

// DeleteUser marks an active user deleted, or in hard mode removes the
// row regardless of its status.
func (r *Repository) DeleteUser(ctx context.Context, id string, mode domain.DeleteMode) error {
	var query string
	switch mode {
	case domain.DeleteModeHard:
		query = `DELETE FROM users WHERE id = $1`
	case domain.DeleteModeSoft:
		query = `
			UPDATE users
			SET status = 'deleted', deleted_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'active'
		`
	default:
		return fmt.Errorf("unknown delete mode %q", mode)
	}

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return unavailable("delete user", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// RestoreUser reactivates a soft-deleted user.
func (r *Repository) RestoreUser(ctx context.Context, id string) (*domain.User, error) {
	query := `
		UPDATE users
		SET status = 'active', deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'deleted'
		RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		if isUniqueViolation(err) {
			return nil, identity.ErrEmailExists
		}
		return nil, unavailable("restore user", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Status,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, identity.ErrDirectoryUnavailable, err)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
