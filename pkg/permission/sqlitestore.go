package permission

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jllopis/codeagent/pkg/errors"
)

// SQLiteStore keeps grants in a SQLite table keyed by (operation, pattern).
// Timestamps are stored as Unix nanoseconds so they round-trip exactly.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.New(errors.CodeIO, "create permission directory", err).WithContext("path", path)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.New(errors.CodeIO, "open permission database", err).WithContext("path", path)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStoreOrEmpty opens the database at path and never fails. A
// database that cannot be opened is moved to path+".corrupt" and recreated;
// when that fails too the scope gets an empty in-memory store, so decisions
// fall back to ask. The returned func closes the database, if any.
func OpenSQLiteStoreOrEmpty(ctx context.Context, path string, logger *slog.Logger) (Store, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := OpenSQLiteStore(path)
	if err == nil {
		return s, func() { _ = s.Close() }
	}
	logger.WarnContext(ctx, "permission.store.corrupt",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	if _, statErr := os.Stat(path); statErr == nil {
		if mvErr := os.Rename(path, path+".corrupt"); mvErr == nil {
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
			if s, err = OpenSQLiteStore(path); err == nil {
				logger.InfoContext(ctx, "permission.store.recreated",
					slog.String("path", path),
					slog.String("moved_to", path+".corrupt"),
				)
				return s, func() { _ = s.Close() }
			}
		}
	}
	logger.WarnContext(ctx, "permission.store.memory_fallback",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	return NewMemoryStore(), func() {}
}

// NewSQLiteStore wraps db and ensures the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	if err := ensureGrantSchema(db); err != nil {
		return nil, errors.New(errors.CodeIO, "create permission schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern, operation, effect, scope, granted_at, expires_at
		FROM permission_grants
		ORDER BY operation, pattern
	`)
	if err != nil {
		return nil, errors.New(errors.CodeIO, "query grants", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var (
			g         Grant
			grantedAt int64
			expiresAt int64
		)
		if err := rows.Scan(&g.Pattern, &g.Operation, &g.Effect, &g.Scope, &grantedAt, &expiresAt); err != nil {
			return nil, errors.New(errors.CodeIO, "scan grant", err)
		}
		g.GrantedAt = time.Unix(0, grantedAt).UTC()
		if expiresAt != 0 {
			g.ExpiresAt = time.Unix(0, expiresAt).UTC()
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeIO, "query grants", err)
	}
	return grants, nil
}

func (s *SQLiteStore) Put(ctx context.Context, g Grant) error {
	var expires int64
	if !g.ExpiresAt.IsZero() {
		expires = g.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (operation, pattern, effect, scope, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation, pattern) DO UPDATE SET
			effect = excluded.effect,
			scope = excluded.scope,
			granted_at = excluded.granted_at,
			expires_at = excluded.expires_at
		WHERE excluded.granted_at >= permission_grants.granted_at
	`,
		string(g.Operation),
		g.Pattern,
		string(g.Effect),
		string(g.Scope),
		g.GrantedAt.UnixNano(),
		expires,
	)
	if err != nil {
		return errors.New(errors.CodeIO, "store grant", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, op Operation, pattern string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permission_grants WHERE operation = ? AND pattern = ?`, string(op), pattern)
	if err != nil {
		return false, errors.New(errors.CodeIO, "delete grant", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Compact(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permission_grants WHERE expires_at != 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, errors.New(errors.CodeIO, "compact grants", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func ensureGrantSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS permission_grants (
			operation TEXT NOT NULL,
			pattern TEXT NOT NULL,
			effect TEXT NOT NULL,
			scope TEXT NOT NULL,
			granted_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (operation, pattern)
		);
		CREATE INDEX IF NOT EXISTS idx_permission_grants_expires ON permission_grants(expires_at);
	`)
	return err
}
