package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB holds a test database connection and container.
type TestDB struct {
	*DB
	Container *tcpostgres.PostgresContainer
}

// SetupTestDB creates a PostgreSQL container, connects to it and applies the
// migrations.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	// PostgreSQL logs "ready to accept connections" twice: once during init
	// and once when actually accepting external connections. Wait for the
	// second occurrence.
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("parley_test"),
		tcpostgres.WithUsername("parley"),
		tcpostgres.WithPassword("parley"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := NewDB(ctx, &Config{URL: connStr, MaxConns: 5, MinConns: 1})
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := db.RunMigrations(); err != nil {
		db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDB{DB: db, Container: container}
}

// Close terminates the test database container.
func (db *TestDB) Close() {
	db.DB.Close()
	if db.Container != nil {
		_ = db.Container.Terminate(context.Background())
	}
}

// TruncateAll removes all data from all tables (for test isolation).
func (db *TestDB) TruncateAll(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		TRUNCATE user_chat_room, message, direct_chat, chat_room, users CASCADE
	`)
	return err
}

// mustCreateUser inserts a user for test setup.
func mustCreateUser(t *testing.T, pool *pgxpool.Pool, username string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (username, password_hash) VALUES ($1, 'x') RETURNING id
	`, username).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", username, err)
	}
	return id
}
