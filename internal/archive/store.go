// Package archive persists generated cluster reports to SQLite so
// operators can diff memory usage across time and follow a single
// object through its recorded history.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "raymem-v1-2026-08-18-reports"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a report id has no stored row.
var ErrNotFound = errors.New("archive: report not found")

// ReportSummary is the list-view projection of a stored report.
type ReportSummary struct {
	ID             string    `json:"report_id"`
	GeneratedAt    time.Time `json:"generated_at"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	NumObjects     int       `json:"num_objects"`
	NumProcesses   int       `json:"num_processes"`
	NumUnreachable int       `json:"num_unreachable"`
	PinnedBytes    int64     `json:"pinned_bytes"`
}

// HistoryEntry is one sighting of an object in one stored report.
type HistoryEntry struct {
	ReportID    string    `json:"report_id"`
	GeneratedAt time.Time `json:"generated_at"`
	NodeID      string    `json:"node_id"`
	PID         int       `json:"pid"`
	Role        string    `json:"role"`
	SizeBytes   int64     `json:"size_bytes"` // -1 when the report recorded the size as unknown
	Pinned      bool      `json:"pinned"`
	Reasons     []string  `json:"reasons"`
	CallKind    string    `json:"call_kind,omitempty"`
	Qualifier   string    `json:"qualifier,omitempty"`
}

// Store is the SQLite-backed report archive. A single connection is
// shared so writes serialize through Go instead of fighting over the
// file lock.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the archive database at path and
// brings its schema up to the current version.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("archive: empty database path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger.With("component", "archive")}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("archive schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("archive schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS reports (
			id TEXT PRIMARY KEY,
			generated_at DATETIME NOT NULL,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			num_objects INTEGER NOT NULL DEFAULT 0,
			num_processes INTEGER NOT NULL DEFAULT 0,
			num_unreachable INTEGER NOT NULL DEFAULT 0,
			pinned_bytes INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS report_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			report_id TEXT NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
			node_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			role TEXT NOT NULL,
			object_id TEXT NOT NULL,
			size_bytes INTEGER,
			pinned INTEGER NOT NULL DEFAULT 0,
			reasons TEXT NOT NULL DEFAULT '',
			call_kind TEXT NOT NULL DEFAULT '',
			qualifier TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reports_generated_at ON reports(generated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_report_rows_report ON report_rows(report_id);`,
		`CREATE INDEX IF NOT EXISTS idx_report_rows_object ON report_rows(object_id, created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply archive schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SaveReport stores the full report payload plus one queryable row per
// object sighting. Returns the stored report id.
func (s *Store) SaveReport(ctx context.Context, report *memstat.ClusterReport) (string, error) {
	if report == nil {
		return "", fmt.Errorf("archive: nil report")
	}
	id := report.ID
	if id == "" {
		id = uuid.NewString()
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reports (id, generated_at, elapsed_ms, num_objects, num_processes, num_unreachable, pinned_bytes, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, id, report.GeneratedAt.UTC(), report.ElapsedMS,
			report.NumObjects(), report.NumProcesses(), report.NumUnreachable(),
			report.PinnedBytes(), string(payload)); err != nil {
			return fmt.Errorf("insert report: %w", err)
		}

		for _, node := range report.Nodes {
			for _, proc := range node.Processes {
				for _, obj := range proc.Objects {
					size := sql.NullInt64{Int64: obj.SizeBytes, Valid: obj.SizeKnown()}
					if _, err := tx.ExecContext(ctx, `
						INSERT INTO report_rows (report_id, node_id, pid, role, object_id, size_bytes, pinned, reasons, call_kind, qualifier)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
					`, id, node.NodeID, proc.PID, proc.Role.String(), obj.ObjectID,
						size, obj.Pinned, strings.Join(obj.Reasons, ","), obj.CallKind, obj.Qualifier); err != nil {
						return fmt.Errorf("insert report row: %w", err)
					}
				}
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit save tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("report archived", "report_id", id, "num_objects", report.NumObjects())
	return id, nil
}

// ListReports returns summaries, newest first.
func (s *Store) ListReports(ctx context.Context, limit int) ([]ReportSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, generated_at, elapsed_ms, num_objects, num_processes, num_unreachable, pinned_bytes
		FROM reports
		ORDER BY generated_at DESC, created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []ReportSummary
	for rows.Next() {
		var sum ReportSummary
		if err := rows.Scan(&sum.ID, &sum.GeneratedAt, &sum.ElapsedMS,
			&sum.NumObjects, &sum.NumProcesses, &sum.NumUnreachable, &sum.PinnedBytes); err != nil {
			return nil, fmt.Errorf("scan report summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report rows: %w", err)
	}
	return out, nil
}

// GetReport returns the stored report payload for id.
func (s *Store) GetReport(ctx context.Context, id string) (*memstat.ClusterReport, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM reports WHERE id = ?;`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query report %s: %w", id, err)
	}

	var report memstat.ClusterReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report %s: %w", id, err)
	}
	return &report, nil
}

// ObjectHistory returns the sightings of one object across stored
// reports, newest report first.
func (s *Store) ObjectHistory(ctx context.Context, objectID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.report_id, reports.generated_at, r.node_id, r.pid, r.role, r.size_bytes, r.pinned, r.reasons, r.call_kind, r.qualifier
		FROM report_rows r
		JOIN reports ON reports.id = r.report_id
		WHERE r.object_id = ?
		ORDER BY reports.generated_at DESC, r.id DESC
		LIMIT ?;
	`, objectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query object history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry   HistoryEntry
			size    sql.NullInt64
			pinned  bool
			reasons string
		)
		if err := rows.Scan(&entry.ReportID, &entry.GeneratedAt, &entry.NodeID, &entry.PID,
			&entry.Role, &size, &pinned, &reasons, &entry.CallKind, &entry.Qualifier); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.SizeBytes = -1
		if size.Valid {
			entry.SizeBytes = size.Int64
		}
		entry.Pinned = pinned
		entry.Reasons = splitReasons(reasons)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}

func splitReasons(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

// PruneOlderThan deletes reports generated before cutoff and returns
// the number removed. Row fan-out follows through the cascade.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE generated_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune reports: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("pruned archived reports", "removed", removed, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return removed, nil
}
