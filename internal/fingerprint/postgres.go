package fingerprint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS file_fingerprints (
		id BIGSERIAL PRIMARY KEY,
		path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		full_hash TEXT NOT NULL DEFAULT '',
		partial_hash TEXT NOT NULL DEFAULT '',
		seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// PostgresStore stores fingerprints in the file_fingerprints table.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to the database at dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := NewPostgresStore(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the fingerprint table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create file_fingerprints: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Find implements Store.
func (s *PostgresStore) Find(ctx context.Context, fullHash, partialHash string, size int64) (FileFingerprint, error) {
	query := `
		SELECT path, size_bytes, full_hash, partial_hash
		FROM file_fingerprints
		WHERE (full_hash = $1 AND full_hash != '') OR (partial_hash = $2 AND size_bytes = $3)
		ORDER BY id DESC
		LIMIT 1
	`

	var fp FileFingerprint
	err := s.db.QueryRowContext(ctx, query, fullHash, partialHash, size).
		Scan(&fp.Path, &fp.SizeBytes, &fp.FullHash, &fp.PartialHash)
	if errors.Is(err, sql.ErrNoRows) {
		return FileFingerprint{}, ErrNotFound
	}
	if err != nil {
		return FileFingerprint{}, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	return fp, nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, fp FileFingerprint) error {
	query := `
		INSERT INTO file_fingerprints (path, size_bytes, full_hash, partial_hash)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.ExecContext(ctx, query, fp.Path, fp.SizeBytes, fp.FullHash, fp.PartialHash); err != nil {
		return fmt.Errorf("failed to insert fingerprint: %w", err)
	}

	s.logger.Debug("Fingerprint stored", "path", fp.Path, "size_bytes", fp.SizeBytes)
	return nil
}
