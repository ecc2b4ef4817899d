package entitystore

import (
	"context"
	stderrors "errors"
)

// Backend stores opaque records keyed by id, each with a revision that every
// write advances. Update and Delete are compare-and-swap on that revision.
type Backend interface {
	Get(ctx context.Context, id string) (value []byte, revision uint64, err error)
	Create(ctx context.Context, id string, value []byte) (uint64, error)
	Update(ctx context.Context, id string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, id string, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
	// Watch streams changes to id until ctx ends, then closes the channel.
	Watch(ctx context.Context, id string) (<-chan Change, error)
}

// Change is one write observed by Watch.
type Change struct {
	ID       string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// Backend errors. Store translates them into the errors taxonomy.
var (
	ErrKeyNotFound      = stderrors.New("entitystore: key not found")
	ErrKeyExists        = stderrors.New("entitystore: key exists")
	ErrRevisionMismatch = stderrors.New("entitystore: revision mismatch")
	ErrValueTooLarge    = stderrors.New("entitystore: value too large")
)
