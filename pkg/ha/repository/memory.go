package repository

import (
	"context"
	"strings"
	"sync"
)

// MemoryRepository is a guarded-map Repository used for tests and
// single-node (size=1 cluster) operation where durability across process
// restarts is not required.
type MemoryRepository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // family -> id -> value
}

// NewMemoryRepository returns an empty in-memory Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{data: make(map[string]map[string][]byte)}
}

func (r *MemoryRepository) GetByID(_ context.Context, family, id string) (Document, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.data[family]
	if !ok {
		return Document{}, false, nil
	}
	v, ok := bucket[id]
	if !ok {
		return Document{}, false, nil
	}
	cp := append([]byte(nil), v...)
	return Document{ID: id, Value: cp}, true, nil
}

func (r *MemoryRepository) Upsert(_ context.Context, family string, doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.data[family]
	if !ok {
		bucket = make(map[string][]byte)
		r.data[family] = bucket
	}
	bucket[doc.ID] = append([]byte(nil), doc.Value...)
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, family, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bucket, ok := r.data[family]; ok {
		delete(bucket, id)
	}
	return nil
}

func (r *MemoryRepository) Query(_ context.Context, family string, filter Filter) ([]Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.data[family]
	out := make([]Document, 0, len(bucket))
	for id, v := range bucket {
		if filter.Prefix != "" && !strings.HasPrefix(id, filter.Prefix) {
			continue
		}
		out = append(out, Document{ID: id, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

func (r *MemoryRepository) BulkUpsert(ctx context.Context, family string, docs []Document) error {
	for _, d := range docs {
		if err := r.Upsert(ctx, family, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
