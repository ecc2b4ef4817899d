// Package entitystore is the server side of versioned updates: it owns the
// version of every entity and rejects writes that name a version other than
// the current one.
//
// A Store serves one resource over a Backend. Two backends exist:
// KVBackend keeps each resource in its own NATS JetStream KV bucket and
// MemoryBackend keeps records in process. Both expose a per-key revision, and
// Store.Update writes conditionally on the revision it read, so two clients
// holding the same version cannot both succeed.
//
// Errors returned by Store wrap the sentinels in package errors:
// errors.ErrNotFound, errors.ErrVersionConflict and errors.ErrValidation.
// resource.FromStoreError turns them into HTTP status codes.
//
//	store := entitystore.NewStore("companies", entitystore.NewMemoryBackend())
//	ent, _ := store.Create(ctx, map[string]any{"name": "Acme"})
//	ent, err := store.Update(ctx, ent.ID, ent.Version, map[string]any{"name": "Acme Corp"})
package entitystore
