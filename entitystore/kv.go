package entitystore

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/natsclient"
)

// KVBackend stores records in a NATS JetStream KV bucket. The bucket revision
// backs the compare-and-swap.
type KVBackend struct {
	kv *natsclient.KVStore
}

// NewKVBackend opens (creating if needed) the bucket for one resource.
func NewKVBackend(ctx context.Context, client *natsclient.Client, bucket string, history uint8) (*KVBackend, error) {
	if history == 0 {
		history = 10
	}
	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "versioned entities",
		History:     history,
	})
	if err != nil {
		return nil, err
	}
	return &KVBackend{kv: client.NewKVStore(b)}, nil
}

// OpenKVBackend attaches to an existing bucket. It fails with
// errors.ErrBucketNotFound when the bucket has not been created.
func OpenKVBackend(ctx context.Context, client *natsclient.Client, bucket string) (*KVBackend, error) {
	b, err := client.GetKeyValueBucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &KVBackend{kv: client.NewKVStore(b)}, nil
}

func (k *KVBackend) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	entry, err := k.kv.Get(ctx, id)
	if err != nil {
		return nil, 0, mapKVError(err)
	}
	return entry.Value, entry.Revision, nil
}

func (k *KVBackend) Create(ctx context.Context, id string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, id, value)
	return rev, mapKVError(err)
}

func (k *KVBackend) Update(ctx context.Context, id string, value []byte, revision uint64) (uint64, error) {
	rev, err := k.kv.Update(ctx, id, value, revision)
	return rev, mapKVError(err)
}

func (k *KVBackend) Delete(ctx context.Context, id string, revision uint64) error {
	return mapKVError(k.kv.Delete(ctx, id, revision))
}

func (k *KVBackend) Keys(ctx context.Context) ([]string, error) {
	return k.kv.Keys(ctx)
}

func (k *KVBackend) Watch(ctx context.Context, id string) (<-chan Change, error) {
	watcher, err := k.kv.Watch(ctx, id, jetstream.UpdatesOnly())
	if err != nil {
		return nil, err
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				c := Change{ID: entry.Key(), Value: entry.Value(), Revision: entry.Revision()}
				if op := entry.Operation(); op == jetstream.KeyValueDelete || op == jetstream.KeyValuePurge {
					c.Deleted = true
					c.Value = nil
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func mapKVError(err error) error {
	switch {
	case err == nil:
		return nil
	case natsclient.IsKVNotFoundError(err):
		return ErrKeyNotFound
	case err == natsclient.ErrKVKeyExists:
		return ErrKeyExists
	case natsclient.IsKVConflictError(err):
		return ErrRevisionMismatch
	case errors.Is(err, natsclient.ErrKVValueTooLarge):
		return fmt.Errorf("%w: %v", ErrValueTooLarge, err)
	case errors.IsTransient(err):
		return errors.Wrap(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "KVBackend", "kv", "reach bucket")
	default:
		return err
	}
}
