package share

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

// maxCodeAttempts bounds retries when a fresh code collides with a stored one.
const maxCodeAttempts = 5

// SQLiteStore keeps zstd-compressed documents in a local SQLite database.
type SQLiteStore struct {
	conn   *sql.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger logging.Logger

	// newCode is replaced in tests to force collisions.
	newCode func() string
}

// OpenSQLite opens or creates the share database at dbPath.
func OpenSQLite(dbPath string, logger logging.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapIO(err, "create share database directory")
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open share database: %w", err)
	}
	// One writer keeps SQLite from reporting busy under concurrent posts.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS shared (
			code TEXT PRIMARY KEY,
			doc BLOB NOT NULL,
			size INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize share schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &SQLiteStore{
		conn:    conn,
		enc:     enc,
		dec:     dec,
		logger:  logging.OrNop(logger).WithComponent("share"),
		newCode: NewCode,
	}, nil
}

// Put compresses and stores doc under a fresh code.
func (s *SQLiteStore) Put(ctx context.Context, doc []byte) (string, error) {
	blob := s.enc.EncodeAll(doc, nil)
	now := time.Now().UTC().Format(time.RFC3339)

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code := s.newCode()
		res, err := s.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO shared (code, doc, size, created_at) VALUES (?, ?, ?, ?)`,
			code, blob, len(doc), now)
		if err != nil {
			return "", errors.WrapIO(err, "store shared document")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", errors.WrapIO(err, "store shared document")
		}
		if n == 1 {
			s.logger.Debug(ctx, "Stored shared document", "code", code, "size", len(doc), "stored", len(blob))
			return code, nil
		}
	}

	return "", errors.NewInternalError(errors.ErrCodeInternalError, "could not allocate a share code", nil)
}

// Get returns the document stored under code.
func (s *SQLiteStore) Get(ctx context.Context, code string) ([]byte, error) {
	if !ValidCode(code) {
		return nil, ErrNotFound
	}

	var blob []byte
	err := s.conn.QueryRowContext(ctx, `SELECT doc FROM shared WHERE code = ?`, code).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapIO(err, "load shared document")
	}

	doc, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, errors.WrapInternal(err, "decompress shared document "+code)
	}

	return doc, nil
}

// Close releases the database and codec resources.
func (s *SQLiteStore) Close() error {
	s.dec.Close()
	_ = s.enc.Close()

	return s.conn.Close()
}
