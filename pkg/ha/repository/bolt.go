package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// BoltRepository is a Repository backed by go.etcd.io/bbolt, one bucket per
// document family, created on demand. Grounded on the teacher's
// pkg/storage/boltdb.go, which opens a single warren.db and pre-creates a
// fixed bucket list; here families are opened lazily since the control
// plane's document families (ha_snapshots/<data_type>/<origin_node_id>) are
// only known at runtime.
type BoltRepository struct {
	db *bolt.DB
}

// NewBoltRepository opens (creating if needed) a bbolt database file named
// beacon.db under dataDir.
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	path := filepath.Join(dataDir, "beacon.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", path, err)
	}
	return &BoltRepository{db: db}, nil
}

func bucketName(family string) []byte { return []byte(family) }

func (r *BoltRepository) ensureBucket(tx *bolt.Tx, family string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists(bucketName(family))
}

func (r *BoltRepository) GetByID(_ context.Context, family, id string) (Document, bool, error) {
	var doc Document
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(family))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		doc = Document{ID: id, Value: append([]byte(nil), v...)}
		return nil
	})
	if err != nil {
		return Document{}, false, fmt.Errorf("repository: get %s/%s: %w", family, id, err)
	}
	return doc, found, nil
}

func (r *BoltRepository) Upsert(_ context.Context, family string, doc Document) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.ensureBucket(tx, family)
		if err != nil {
			return err
		}
		return b.Put([]byte(doc.ID), doc.Value)
	})
	if err != nil {
		return fmt.Errorf("repository: upsert %s/%s: %w", family, doc.ID, err)
	}
	return nil
}

func (r *BoltRepository) Delete(_ context.Context, family, id string) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(family))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("repository: delete %s/%s: %w", family, id, err)
	}
	return nil
}

func (r *BoltRepository) Query(_ context.Context, family string, filter Filter) ([]Document, error) {
	var out []Document
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(family))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if filter.Prefix != "" && !strings.HasPrefix(string(k), filter.Prefix) {
				return nil
			}
			out = append(out, Document{ID: string(k), Value: append([]byte(nil), v...)})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("repository: query %s: %w", family, err)
	}
	return out, nil
}

func (r *BoltRepository) BulkUpsert(_ context.Context, family string, docs []Document) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		b, err := r.ensureBucket(tx, family)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if err := b.Put([]byte(d.ID), d.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: bulk_upsert %s: %w", family, err)
	}
	return nil
}

func (r *BoltRepository) Close() error { return r.db.Close() }
