package memory

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	session    TEXT NOT NULL,
	text       TEXT NOT NULL,
	importance REAL NOT NULL DEFAULT 0.5,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session, created_at);
`

// SQLiteStore keeps memories in a local database file. Writes go through a
// single-connection pool; reads use a separate pool.
type SQLiteStore struct {
	read  *sql.DB
	write *sql.DB
}

func sqliteDSN(file string, readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "temp_store(MEMORY)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}
	return "file:" + file + "?" + params.Encode()
}

func openPool(file string, readonly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", sqliteDSN(file, readonly))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if readonly {
		n := max(4, runtime.NumCPU())
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
	} else {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return db, nil
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	write, err := openPool(path, false)
	if err != nil {
		return nil, fmt.Errorf("write pool: %w", err)
	}
	if _, err := write.Exec(schema); err != nil {
		write.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	read, err := openPool(path, true)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("read pool: %w", err)
	}

	return &SQLiteStore{read: read, write: write}, nil
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.read.Close(), s.write.Close())
}

func (s *SQLiteStore) Name() string { return string(BackendSQLite) }

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Add(ctx context.Context, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return Entry{}, err
	}
	now := time.Now().UTC()
	e := Entry{
		ID:         uuid.NewString(),
		Session:    session,
		Text:       text,
		Importance: clampImportance(importance),
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, session, text, importance, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Session, e.Text, e.Importance, meta, now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("insert memory: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context, session string) ([]Entry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, session, text, importance, metadata, created_at, updated_at FROM memories WHERE session = ? ORDER BY created_at DESC`,
		session)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Search ranks a session's memories by how many query terms they contain.
// Ties go to the more important, then the more recently updated entry. An
// empty query returns the most important entries.
func (s *SQLiteStore) Search(ctx context.Context, session, query string, limit int) ([]Entry, error) {
	all, err := s.ListAll(ctx, session)
	if err != nil {
		return nil, err
	}

	terms := tokenize(query)
	var hits []Entry
	for _, e := range all {
		if len(terms) == 0 {
			hits = append(hits, e)
			continue
		}
		words := tokenize(e.Text)
		matched := 0
		for _, t := range terms {
			if slices.ContainsFunc(words, func(w string) bool { return strings.HasPrefix(w, t) }) {
				matched++
			}
		}
		if matched > 0 {
			e.Score = float64(matched) / float64(len(terms))
			hits = append(hits, e)
		}
	}

	slices.SortStableFunc(hits, func(a, b Entry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
			return c
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id, session, text string, importance float64, metadata map[string]any) (Entry, error) {
	var e Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, session, text, importance, metadata, created_at, updated_at FROM memories WHERE id = ? AND session = ?`,
			id, session)
		current, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		current.Text = text
		if importance >= 0 {
			current.Importance = clampImportance(importance)
		}
		if metadata != nil {
			if current.Metadata == nil {
				current.Metadata = map[string]any{}
			}
			for k, v := range metadata {
				current.Metadata[k] = v
			}
		}
		current.UpdatedAt = time.Now().UTC()

		meta, err := encodeMetadata(current.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET text = ?, importance = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			current.Text, current.Importance, meta, current.UpdatedAt.UnixNano(), id); err != nil {
			return err
		}
		e = current
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("update memory %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id, session string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ? AND session = ?`, id, session)
		if err != nil {
			return fmt.Errorf("delete memory %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete memory %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, session string) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE session = ?`, session)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete memories for %s: %w", session, err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                Entry
		meta             string
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.Session, &e.Text, &e.Importance, &meta, &created, &updated); err != nil {
		return Entry{}, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return e, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
