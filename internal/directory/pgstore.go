package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaims/approvald/model"
)

const pgUniqueViolation = "23505"

// PgUserStore is a PostgreSQL-backed UserStore using pgx/v5.
type PgUserStore struct {
	pool *pgxpool.Pool
}

// NewPgUserStore creates a new PostgreSQL user store.
func NewPgUserStore(pool *pgxpool.Pool) *PgUserStore {
	return &PgUserStore{pool: pool}
}

const userColumns = `id, name, email, department, title, manager_id, active, version, created_at, updated_at`

// GetUser retrieves a user by ID.
func (s *PgUserStore) GetUser(ctx context.Context, id string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM directory_users
		WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
func (s *PgUserStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM directory_users
		WHERE email = $1`, email)
	u, err := scanUser(row)
	if err == pgx.ErrNoRows {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user with email %q not found", email))
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user by email: %w", err)
	}
	return u, nil
}

// FindActiveUsersByDepartmentAndTitle returns active users in a department
// holding a title, ordered by ascending ID.
func (s *PgUserStore) FindActiveUsersByDepartmentAndTitle(ctx context.Context, department, title string) ([]model.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+`
		FROM directory_users
		WHERE active AND department = $1 AND title = $2
		ORDER BY id ASC`, department, title)
}

// FindActiveUsersByTitle returns active users holding a title, ordered by
// ascending ID.
func (s *PgUserStore) FindActiveUsersByTitle(ctx context.Context, title string) ([]model.User, error) {
	return s.queryUsers(ctx, `
		SELECT `+userColumns+`
		FROM directory_users
		WHERE active AND title = $1
		ORDER BY id ASC`, title)
}

// CreateUser inserts a new user.
func (s *PgUserStore) CreateUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO directory_users (
			id, name, email, department, title, manager_id, active,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Name, u.Email, u.Department, u.Title, u.ManagerID, u.Active,
		u.Version, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("user %q already exists", u.ID))
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser persists an updated user with optimistic locking.
func (s *PgUserStore) UpdateUser(ctx context.Context, u model.User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE directory_users SET
			name = $1, email = $2, department = $3, title = $4,
			manager_id = $5, active = $6, version = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		u.Name, u.Email, u.Department, u.Title,
		u.ManagerID, u.Active, u.Version+1, time.Now().UTC(),
		u.ID, u.Version,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("user %q version conflict (expected %d)", u.ID, u.Version),
		)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PgUserStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgUserStore) queryUsers(ctx context.Context, query string, args ...any) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.Department, &u.Title,
		&u.ManagerID, &u.Active, &u.Version, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
