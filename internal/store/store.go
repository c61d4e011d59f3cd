// Package store persists the audit trail in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thk/internal/domain"

	_ "modernc.org/sqlite"
)

// timeLayout sorts lexicographically, so range queries can compare strings.
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteStore implements domain.AuditSink using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.With("component", "store")}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

// WriteAudit implements domain.AuditSink.
func (s *SQLiteStore) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, created_at, uid, command, outcome, reason, flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UTC().Format(timeLayout), int64(rec.Identity), rec.Command,
		rec.Outcome.String(), rec.Reason, int64(rec.Flags),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Query filters Recent. Zero fields do not filter.
type Query struct {
	Limit    int
	Identity *uint32
	Outcome  *domain.Outcome
	Since    time.Time
}

// Recent returns matching records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]domain.AuditRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var (
		where []string
		args  []any
	)
	if q.Identity != nil {
		where = append(where, "uid = ?")
		args = append(args, int64(*q.Identity))
	}
	if q.Outcome != nil {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome.String())
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, created_at, uid, command, outcome, reason, flags FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec     domain.AuditRecord
			created string
			uid     int64
			outcome string
			flags   int64
		)
		if err := rows.Scan(&rec.ID, &created, &uid, &rec.Command, &outcome, &rec.Reason, &flags); err != nil {
			return nil, err
		}
		if rec.Time, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("audit record %s: bad timestamp %q: %w", rec.ID, created, err)
		}
		if rec.Outcome, err = domain.ParseOutcome(outcome); err != nil {
			return nil, fmt.Errorf("audit record %s: %w", rec.ID, err)
		}
		rec.Identity = uint32(uid)
		rec.Flags = domain.Flags(flags)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByOutcome returns the number of stored records per outcome.
func (s *SQLiteStore) CountByOutcome(ctx context.Context) (map[domain.Outcome]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM audit_log GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Outcome]int64)
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		o, err := domain.ParseOutcome(name)
		if err != nil {
			s.logger.Warn("unknown outcome in audit log", "outcome", name)
			continue
		}
		counts[o] = n
	}
	return counts, rows.Err()
}

// Prune deletes records older than before and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned audit log", "removed", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// PruneOlderThan keeps only the last days of records.
func (s *SQLiteStore) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, time.Now().AddDate(0, 0, -days))
}

// SnapshotTo writes a consistent copy of the database to path, which must not
// exist yet. It is safe while the daemon keeps writing.
func (s *SQLiteStore) SnapshotTo(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot audit database: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
