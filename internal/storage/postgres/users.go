package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parley/internal/storage"
)

// UserStore handles user persistence in PostgreSQL.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a new PostgreSQL user store.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

var _ storage.UserRepository = (*UserStore)(nil)

// FindByUsername retrieves a user by normalized username. Returns nil with
// no error when the user does not exist or the input is empty.
func (s *UserStore) FindByUsername(ctx context.Context, username string) (*storage.User, error) {
	normalized := storage.NormalizeUsername(username)
	if normalized == "" {
		return nil, nil
	}

	var user storage.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE LOWER(username) = $1
	`, normalized).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.NewStorageError("find user by username", err)
	}
	return &user, nil
}

// ExistsByUsername reports whether a user with the normalized username exists.
func (s *UserStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	normalized := storage.NormalizeUsername(username)
	if normalized == "" {
		return false, nil
	}

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(username) = $1)
	`, normalized).Scan(&exists)
	if err != nil {
		return false, storage.NewStorageError("user exists by username", err)
	}
	return exists, nil
}

// Save inserts the user when ID is zero and updates it otherwise. On insert
// the generated id and created_at are filled in on the returned copy.
func (s *UserStore) Save(ctx context.Context, user *storage.User) (*storage.User, error) {
	if strings.TrimSpace(user.Username) == "" {
		return nil, storage.ValidationErrorf("username must not be blank")
	}
	if strings.TrimSpace(user.PasswordHash) == "" {
		return nil, storage.ValidationErrorf("password hash must not be blank")
	}

	saved := *user

	if user.ID == 0 {
		var err error
		if user.CreatedAt.IsZero() {
			err = s.pool.QueryRow(ctx, `
				INSERT INTO users (username, password_hash)
				VALUES ($1, $2)
				RETURNING id, created_at
			`, user.Username, user.PasswordHash).Scan(&saved.ID, &saved.CreatedAt)
		} else {
			err = s.pool.QueryRow(ctx, `
				INSERT INTO users (username, password_hash, created_at)
				VALUES ($1, $2, $3)
				RETURNING id, created_at
			`, user.Username, user.PasswordHash, user.CreatedAt).Scan(&saved.ID, &saved.CreatedAt)
		}
		if err != nil {
			return nil, storage.NewStorageError("insert user", err)
		}
		return &saved, nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE users SET username = $1, password_hash = $2 WHERE id = $3
	`, user.Username, user.PasswordHash, user.ID)
	if err != nil {
		return nil, storage.NewStorageError("update user", err)
	}
	return &saved, nil
}
