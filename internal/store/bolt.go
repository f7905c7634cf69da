package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/provasonline/provas/internal/model"
)

// Bolt is a Backend keeping one bucket per collection.
type Bolt struct {
	db *bbolt.DB
}

// boltRecord wraps a document with its insertion sequence so Find can
// return insertion order instead of bbolt's key order.
type boltRecord struct {
	Seq uint64         `json:"seq"`
	Doc model.Document `json:"doc"`
}

// NewBolt opens (or creates) a bbolt document store at path.
func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// ListCollections returns all bucket names in alphabetical order.
func (b *Bolt) ListCollections(_ context.Context) ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (b *Bolt) CreateCollection(_ context.Context, name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
}

func (b *Bolt) Find(_ context.Context, collection string) ([]model.Document, error) {
	var recs []boltRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s document: %w", collection, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })
	docs := make([]model.Document, 0, len(recs))
	for _, r := range recs {
		docs = append(docs, r.Doc)
	}
	return docs, nil
}

func (b *Bolt) Get(_ context.Context, collection, id string) (model.Document, error) {
	var doc model.Document
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var rec boltRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode %s document: %w", collection, err)
		}
		doc = rec.Doc
		return nil
	})
	return doc, err
}

func (b *Bolt) Put(_ context.Context, collection string, doc model.Document) error {
	if doc.ID() == "" {
		return ErrMissingID
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return putRecord(bucket, doc)
	})
}

func putRecord(bucket *bbolt.Bucket, doc model.Document) error {
	key := []byte(doc.ID())
	rec := boltRecord{Doc: doc}
	if old := bucket.Get(key); old != nil {
		var prev boltRecord
		if err := json.Unmarshal(old, &prev); err == nil {
			rec.Seq = prev.Seq
		}
	}
	if rec.Seq == 0 {
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put(key, data)
}

func (b *Bolt) Delete(_ context.Context, collection, id string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		key := []byte(id)
		if bucket.Get(key) == nil {
			return nil
		}
		existed = true
		return bucket.Delete(key)
	})
	return existed, err
}

// DeleteAll drops and recreates the collection bucket.
func (b *Bolt) DeleteAll(_ context.Context, collection string) (int, error) {
	var n int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		name := []byte(collection)
		bucket := tx.Bucket(name)
		if bucket == nil {
			return nil
		}
		if err := bucket.ForEach(func(_, _ []byte) error {
			n++
			return nil
		}); err != nil {
			return err
		}
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	return n, err
}

func (b *Bolt) InsertMany(_ context.Context, collection string, docs []model.Document) error {
	ensureIDs(docs)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := putRecord(bucket, d); err != nil {
				return err
			}
		}
		return nil
	})
}
