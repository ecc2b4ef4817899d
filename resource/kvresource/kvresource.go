// Package kvresource gives a client direct access to entities held in a NATS
// JetStream KV bucket, without going through the HTTP service.
//
// Writes are compare-and-swap on the KV revision, so a kvresource client and
// the service can update the same bucket concurrently and still observe
// version conflicts correctly.
package kvresource

import (
	"context"
	"log/slog"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/natsclient"
	"github.com/c360/concur/resource"
	"github.com/c360/concur/resource/localresource"
)

// Resource is a VersionedResource over one KV bucket.
type Resource struct {
	*localresource.Resource
	bucket string
}

var _ resource.VersionedResource = (*Resource)(nil)

// Option configures a Resource.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	validator entitystore.Validator
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithValidator checks fields locally before writing.
func WithValidator(v entitystore.Validator) Option {
	return func(o *options) {
		o.validator = v
	}
}

// Open attaches to the existing bucket holding the named resource.
func Open(ctx context.Context, client *natsclient.Client, name, bucket string, opts ...Option) (*Resource, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	backend, err := entitystore.OpenKVBackend(ctx, client, bucket)
	if err != nil {
		return nil, errors.Wrap(err, "kvresource", "Open", "open bucket "+bucket)
	}

	storeOpts := []entitystore.Option{entitystore.WithLogger(o.logger)}
	if o.validator != nil {
		storeOpts = append(storeOpts, entitystore.WithValidator(o.validator))
	}
	store := entitystore.NewStore(name, backend, storeOpts...)

	return &Resource{Resource: localresource.New(store), bucket: bucket}, nil
}

// Bucket returns the KV bucket name.
func (r *Resource) Bucket() string {
	return r.bucket
}
