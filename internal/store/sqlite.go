package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/provasonline/provas/internal/model"

	_ "modernc.org/sqlite"
)

// SQLite is a Backend keeping every collection in one documents table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite document store at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: an in-memory database is private to its connection,
	// and a single writer avoids SQLITE_BUSY on file databases.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (collection, id),
		FOREIGN KEY (collection) REFERENCES collections(name)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ListCollections returns all collection names in alphabetical order.
func (s *SQLite) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateCollection registers a collection; existing collections are left alone.
func (s *SQLite) CreateCollection(ctx context.Context, name string) error {
	return createCollection(ctx, s.db, name)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createCollection(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now(),
	)
	return err
}

// Find returns every document of a collection in insertion order.
func (s *SQLite) Find(ctx context.Context, collection string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection = ? ORDER BY seq`, collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("decode %s document: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Get returns a document by id.
func (s *SQLite) Get(ctx context.Context, collection, id string) (model.Document, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", collection, err)
	}
	return doc, nil
}

// Put inserts or replaces a document, creating the collection if needed.
func (s *SQLite) Put(ctx context.Context, collection string, doc model.Document) error {
	if doc.ID() == "" {
		return ErrMissingID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createCollection(ctx, tx, collection); err != nil {
		return err
	}
	if err := upsertDocument(ctx, tx, collection, doc); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertDocument(ctx context.Context, tx *sql.Tx, collection string, doc model.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", collection, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		collection, doc.ID(), string(body), time.Now(),
	)
	return err
}

// Delete removes a document and reports whether it existed.
func (s *SQLite) Delete(ctx context.Context, collection, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteAll removes every document of a collection.
func (s *SQLite) DeleteAll(ctx context.Context, collection string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertMany writes docs in one transaction. Documents without "_id" get one.
func (s *SQLite) InsertMany(ctx context.Context, collection string, docs []model.Document) error {
	ensureIDs(docs)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := createCollection(ctx, tx, collection); err != nil {
		return err
	}
	for _, d := range docs {
		if err := upsertDocument(ctx, tx, collection, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}
