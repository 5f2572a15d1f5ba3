package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/docreview/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Extraction writes from
	// several goroutines, so all access is serialized through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Results cascade from checklist items, items from sessions.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `id, title, instructions, comment_format, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.ReviewSession, error) {
	rs := &models.ReviewSession{}
	err := row.Scan(&rs.ID, &rs.Title, &rs.Instructions, &rs.CommentFormat, &rs.CreatedAt, &rs.UpdatedAt)
	return rs, err
}

// EnsureSession returns the session with the given id, creating it when it does
// not exist yet. An empty id always creates a new session. The bool reports
// whether a row was created.
func (s *SQLiteStore) EnsureSession(ctx context.Context, id string) (*models.ReviewSession, bool, error) {
	if id != "" {
		rs, err := s.GetSession(ctx, id)
		if err == nil {
			return rs, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	} else {
		id = newULID()
	}

	now := time.Now().UTC()
	rs := &models.ReviewSession{ID: id, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.Title, rs.Instructions, rs.CommentFormat, rs.CreatedAt, rs.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return rs, true, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.ReviewSession, error) {
	rs, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rs, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*models.ReviewSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM review_sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.ReviewSession
	for rows.Next() {
		rs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, rs)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, rs *models.ReviewSession) error {
	rs.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_sessions SET title=?, instructions=?, comment_format=?, updated_at=? WHERE id=?`,
		rs.Title, rs.Instructions, rs.CommentFormat, rs.UpdatedAt, rs.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %w: %s", ErrNotFound, rs.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM review_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %w: %s", ErrNotFound, id)
	}
	return nil
}

// --- Checklist items ---

// DeleteSystemItems removes every system-extracted item of a session and
// returns how many rows were removed. User-authored items are kept.
func (s *SQLiteStore) DeleteSystemItems(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM checklist_items WHERE session_id = ? AND provenance = ?",
		sessionID, string(models.ProvenanceSystem))
	if err != nil {
		return 0, fmt.Errorf("delete system items: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) CreateItem(ctx context.Context, sessionID, content string, provenance models.Provenance) (*models.ChecklistItem, error) {
	item := &models.ChecklistItem{
		ID:         newULID(),
		SessionID:  sessionID,
		Content:    content,
		Provenance: provenance,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checklist_items (id, session_id, content, provenance, created_at) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.SessionID, item.Content, string(item.Provenance), item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create checklist item: %w", err)
	}
	return item, nil
}

// ListItems returns a session's checklist items in creation order.
func (s *SQLiteStore) ListItems(ctx context.Context, sessionID string) ([]*models.ChecklistItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, content, provenance, created_at
		FROM checklist_items WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checklist items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.ChecklistItem
	for rows.Next() {
		item := &models.ChecklistItem{}
		var provenance string
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Content, &provenance, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checklist item: %w", err)
		}
		item.Provenance = models.Provenance(provenance)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM checklist_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete checklist item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("checklist item %w: %s", ErrNotFound, id)
	}
	return nil
}

// --- Review results ---

// UpsertResult writes a result keyed by (checklist item, file). A second write
// for the same key overwrites grade and comment.
func (s *SQLiteStore) UpsertResult(ctx context.Context, r *models.ReviewResult) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_results (checklist_id, file_id, file_name, evaluation, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (checklist_id, file_id) DO UPDATE SET
			file_name = excluded.file_name,
			evaluation = excluded.evaluation,
			comment = excluded.comment,
			updated_at = excluded.updated_at`,
		r.ChecklistID, r.FileID, r.FileName, string(r.Evaluation), r.Comment, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert review result: %w", err)
	}
	return nil
}

// ListResults returns every result for a session ordered by file, then by
// checklist item creation order.
func (s *SQLiteStore) ListResults(ctx context.Context, sessionID string) ([]*models.ReviewResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.checklist_id, r.file_id, r.file_name, r.evaluation, r.comment, r.created_at, r.updated_at
		FROM review_results r
		JOIN checklist_items c ON c.id = r.checklist_id
		WHERE c.session_id = ?
		ORDER BY r.file_name, r.file_id, c.created_at, c.rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list review results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*models.ReviewResult
	for rows.Next() {
		r := &models.ReviewResult{}
		var evaluation string
		if err := rows.Scan(&r.ChecklistID, &r.FileID, &r.FileName, &evaluation, &r.Comment, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan review result: %w", err)
		}
		r.Evaluation = models.Grade(evaluation)
		results = append(results, r)
	}
	return results, rows.Err()
}
