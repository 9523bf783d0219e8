// Package memory is the long-term fact store: an append-only list of
// short statements the assistant has learned about the user.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Fact sources.
const (
	SourceConversation = "conversation"
	SourceManual       = "manual"
)

// Fact is one learned statement.
type Fact struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"` // Where we learned this
	CreatedAt time.Time `json:"created_at"`
}

// Store persists facts in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates a fact store using the given database path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a fact store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			normalized TEXT NOT NULL UNIQUE,
			source TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_facts_created ON facts(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a fact. Restating a known fact (ignoring case and
// whitespace) returns the existing entry instead of a duplicate.
func (s *Store) Append(ctx context.Context, text, source string) (*Fact, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("fact is empty")
	}
	norm := normalize(text)

	existing, err := s.scanFact(s.db.QueryRowContext(ctx, `
		SELECT id, text, source, created_at FROM facts WHERE normalized = ?
	`, norm))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check existing: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facts (id, text, normalized, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), text, norm, source, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return &Fact{ID: id, Text: text, Source: source, CreatedAt: now}, nil
}

// Remember appends a fact learned in conversation.
func (s *Store) Remember(ctx context.Context, fact string) error {
	_, err := s.Append(ctx, fact, SourceConversation)
	return err
}

// Facts returns every fact text, oldest first.
func (s *Store) Facts(ctx context.Context) ([]string, error) {
	all, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(all))
	for i, f := range all {
		out[i] = f.Text
	}
	return out, nil
}

// List returns facts oldest first. A positive limit keeps only the
// most recent limit facts.
func (s *Store) List(ctx context.Context, limit int) ([]*Fact, error) {
	query := `SELECT id, text, source, created_at FROM facts ORDER BY created_at, rowid`
	var args []any
	if limit > 0 {
		query = `SELECT id, text, source, created_at FROM (
			SELECT id, text, source, created_at, rowid AS r FROM facts
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at, r`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Search returns facts containing every word of query, oldest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Fact, error) {
	terms := strings.Fields(normalize(query))
	if len(terms) == 0 {
		return s.List(ctx, limit)
	}

	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		where = append(where, `normalized LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	q := `SELECT id, text, source, created_at FROM facts WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, rowid`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := s.scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanFact(row scanner) (*Fact, error) {
	var (
		f       Fact
		id      string
		source  sql.NullString
		created string
	)
	if err := row.Scan(&id, &f.Text, &source, &created); err != nil {
		return nil, err
	}
	f.ID, _ = uuid.Parse(id)
	f.Source = source.String
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &f, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
