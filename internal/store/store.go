package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/provasonline/provas/internal/model"
)

// Collection names of the authoritative data store.
const (
	CollExams       = "provas"
	CollStudents    = "alunos"
	CollSubmissions = "respostas"
	CollClasses     = "turmas"
	CollUsers       = "usuarios"
	CollResults     = "resultados"
	CollSessions    = "sessoes"
	CollMetadata    = "metadados"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when a unique field is already taken.
	ErrDuplicate = errors.New("duplicate document")
	// ErrMissingID is returned when a document without "_id" is written.
	ErrMissingID = errors.New("document has no _id")
)

// Backend is a collection-oriented document store. Documents inside a
// collection keep their insertion order; replacing a document keeps its slot.
type Backend interface {
	ListCollections(ctx context.Context) ([]string, error)
	CreateCollection(ctx context.Context, name string) error
	Find(ctx context.Context, collection string) ([]model.Document, error)
	Get(ctx context.Context, collection, id string) (model.Document, error)
	Put(ctx context.Context, collection string, doc model.Document) error
	Delete(ctx context.Context, collection, id string) (bool, error)
	DeleteAll(ctx context.Context, collection string) (int, error)
	InsertMany(ctx context.Context, collection string, docs []model.Document) error
	Close() error
}

// Store exposes typed accessors for the exam domain on top of a Backend.
type Store struct {
	Backend
}

// Open opens the data store for the given driver ("sqlite" or "bolt").
func Open(driver, path string) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch driver {
	case "", "sqlite":
		b, err = NewSQLite(path)
	case "bolt":
		b, err = NewBolt(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	return &Store{Backend: b}, nil
}

// NewID returns a fresh document identifier.
func NewID() string {
	return uuid.NewString()
}

// putEntity converts v to a document and writes it into collection.
func (s *Store) putEntity(ctx context.Context, collection string, v any) error {
	doc, err := model.ToDocument(v)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", collection, err)
	}
	return s.Put(ctx, collection, doc)
}

// getEntity loads a document by id and decodes it into v.
func (s *Store) getEntity(ctx context.Context, collection, id string, v any) error {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	return model.FromDocument(doc, v)
}

// findWhere returns the documents of collection for which match is true.
func (s *Store) findWhere(ctx context.Context, collection string, match func(model.Document) bool) ([]model.Document, error) {
	docs, err := s.Find(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []model.Document
	for _, d := range docs {
		if match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

func fieldEquals(key, value string) func(model.Document) bool {
	return func(d model.Document) bool {
		v, _ := d[key].(string)
		return v == value
	}
}

func ensureIDs(docs []model.Document) {
	for _, d := range docs {
		if d.ID() == "" {
			d["_id"] = NewID()
		}
	}
}
