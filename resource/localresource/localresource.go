// Package localresource adapts an in-process entitystore.Store to the
// resource.VersionedResource contract, so the update loop can run against a
// store without a network hop.
package localresource

import (
	"context"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/resource"
)

// Resource is a VersionedResource over a Store. Store errors are reported as
// *resource.StatusError with the status the HTTP service would send.
type Resource struct {
	store *entitystore.Store
}

var (
	_ resource.VersionedResource = (*Resource)(nil)
	_ resource.Creator           = (*Resource)(nil)
)

// New wraps store.
func New(store *entitystore.Store) *Resource {
	return &Resource{store: store}
}

// Name returns the resource name of the underlying store.
func (r *Resource) Name() string {
	return r.store.Name()
}

// Fetch returns the current entity.
func (r *Resource) Fetch(ctx context.Context, id string) (resource.Entity, error) {
	ent, err := r.store.Get(ctx, id)
	if err != nil {
		return resource.Entity{}, resource.FromStoreError(err)
	}
	return ent, nil
}

// Update writes payload if version is current.
func (r *Resource) Update(ctx context.Context, id string, version int64, payload resource.Payload) (resource.Entity, error) {
	ent, err := r.store.Update(ctx, id, version, payload)
	if err != nil {
		return resource.Entity{}, resource.FromStoreError(err)
	}
	return ent, nil
}

// Create stores a new entity at version 1.
func (r *Resource) Create(ctx context.Context, payload resource.Payload) (resource.Entity, error) {
	ent, err := r.store.Create(ctx, payload)
	if err != nil {
		return resource.Entity{}, resource.FromStoreError(err)
	}
	return ent, nil
}
