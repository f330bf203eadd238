// Package audit records every guarded engine operation (executed or denied)
// in a local SQLite log, and optionally mirrors denials and destructive
// operations to a Matrix audit room.
//
// Recording is best-effort by contract: a failed audit write is logged at
// WARN and never blocks or fails the operation itself.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/dockwarden/common/redact"
	"github.com/bdobrica/dockwarden/common/trace"
	"github.com/bdobrica/dockwarden/internal/warden/observability"
	"github.com/bdobrica/dockwarden/internal/warden/policy"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one recorded operation.
type Entry struct {
	ID         string
	Timestamp  time.Time
	TraceID    string
	Operation  string
	ParamsJSON string
	Allowed    bool
	Reason     string
	Outcome    string // "ok", "denied", or "error"
	ErrorText  string
}

// Store wraps the SQLite connection holding the audit log.
type Store struct {
	db       *sql.DB
	notifier Notifier
}

// New opens (or creates) the audit database at dbPath and runs all pending
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// SetNotifier attaches an audit-room notifier. Pass nil to disable.
func (s *Store) SetNotifier(n Notifier) { s.notifier = n }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// runMigrations applies any SQL files not yet recorded in schema_migrations.
func (s *Store) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for i, name := range names {
		version := i + 1
		if version <= current {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Record writes one audit entry. Parameter values whose keys look sensitive
// (password, token, secret, ...) are redacted before serialization. Failures
// are logged, never propagated; the operation outcome must not depend on the
// audit trail being writable.
func (s *Store) Record(ctx context.Context, operation string, params map[string]any, verdict policy.Verdict, opErr error) {
	paramsJSON := "{}"
	if params != nil {
		if b, err := json.Marshal(redact.Map(params)); err == nil {
			paramsJSON = string(b)
		}
	}

	outcome := "ok"
	errText := ""
	switch {
	case !verdict.Allowed:
		outcome = "denied"
	case opErr != nil:
		outcome = "error"
		errText = opErr.Error()
	}

	entry := Entry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		TraceID:    trace.FromContext(ctx),
		Operation:  operation,
		ParamsJSON: paramsJSON,
		Allowed:    verdict.Allowed,
		Reason:     verdict.Reason,
		Outcome:    outcome,
		ErrorText:  errText,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, trace_id, operation, params_json, allowed, reason, outcome, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp, entry.TraceID, entry.Operation, entry.ParamsJSON,
		entry.Allowed, entry.Reason, entry.Outcome, entry.ErrorText)
	if err != nil {
		observability.WithTrace(ctx).Warn("audit write failed", "operation", operation, "err", err)
	}

	s.notify(ctx, entry, params)
}

// notify mirrors denials and destructive operations to the audit room.
func (s *Store) notify(ctx context.Context, entry Entry, params map[string]any) {
	if s.notifier == nil {
		return
	}
	kind, target := eventFor(entry, params)
	if kind == "" {
		return
	}
	s.notifier.Notify(ctx, Event{
		Kind:    kind,
		Target:  target,
		Message: entry.Reason,
		TraceID: entry.TraceID,
	})
}

// eventFor maps an audit entry to a notification event kind, or "" when the
// entry is routine and not worth a room notice.
func eventFor(entry Entry, params map[string]any) (Kind, string) {
	target, _ := params["name"].(string)
	if target == "" {
		target, _ = params["image"].(string)
	}
	if !entry.Allowed {
		return KindDenied, target
	}
	if entry.Outcome != "ok" {
		return "", ""
	}
	switch entry.Operation {
	case policy.OpRemoveContainer:
		return KindContainerRemoved, target
	case policy.OpRemoveImage:
		return KindImageRemoved, target
	case policy.OpStopContainer:
		return KindContainerStopped, target
	}
	return "", ""
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, operation, params_json, allowed, reason, outcome, error_text
		FROM audit_log
		ORDER BY ts DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.Operation,
			&e.ParamsJSON, &e.Allowed, &e.Reason, &e.Outcome, &e.ErrorText); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary renders an entry as a single log-style line for CLI display.
func (e Entry) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-16s %-7s", e.Timestamp.Format(time.RFC3339), e.Operation, e.Outcome)
	if e.Reason != "" {
		fmt.Fprintf(&b, "  %s", e.Reason)
	}
	if e.ErrorText != "" {
		fmt.Fprintf(&b, "  (%s)", e.ErrorText)
	}
	return b.String()
}
