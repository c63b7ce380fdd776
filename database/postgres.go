package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name:         "postgres",
	driver:       "postgres",
	dollarParams: true,
	schema: `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT UNIQUE NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		handle_lower TEXT UNIQUE,
		avatar_url TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		owner_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		ts BIGINT NOT NULL,
		UNIQUE(owner_id, peer_id, id)
	);
` + commonSchema,
}

// OpenPostgres connects to databaseURL and creates the tables
func OpenPostgres(ctx context.Context, databaseURL string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, databaseURL)
	if err != nil {
		return nil, err
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, d: postgresDialect}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
