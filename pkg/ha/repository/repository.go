package repository

import "context"

// Document is one opaque record identified by ID within a family (bucket).
// The core never interprets Value; DistributedStateManager and
// ReplicationManager JSON-encode their own document shapes into it.
type Document struct {
	ID    string
	Value []byte
}

// Filter narrows a Query to documents whose ID has the given prefix. An
// empty Prefix matches every document in the family.
type Filter struct {
	Prefix string
}

// Repository is the persistence interface the core consumes (spec.md §6).
// Callers do not retry: ReplicationManager logs a failed persist and carries
// on. No health check observes repository errors, so they do not change any
// check's status.
type Repository interface {
	GetByID(ctx context.Context, family, id string) (Document, bool, error)
	Upsert(ctx context.Context, family string, doc Document) error
	Delete(ctx context.Context, family, id string) error
	Query(ctx context.Context, family string, filter Filter) ([]Document, error)
	BulkUpsert(ctx context.Context, family string, docs []Document) error
	Close() error
}
