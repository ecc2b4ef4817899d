package updater

import (
	"context"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/c360/concur/resource"
)

type updateCall struct {
	version int64
	payload resource.Payload
}

// fakeResource is an in-memory versioned entity with hooks for simulating
// concurrent writers and scripted failures.
type fakeResource struct {
	mu      sync.Mutex
	entity  resource.Entity
	deleted bool

	// beforeUpdate runs under the lock before call n (0-based) is evaluated.
	beforeUpdate func(n int, f *fakeResource)
	// updateErr, when it returns non-nil, replaces the result of call n.
	updateErr func(n int) error
	// fetchResult may rewrite what fetch n returns.
	fetchResult func(n int, e resource.Entity) resource.Entity

	updates []updateCall
	fetches int
}

func newFake(id string, version int64, fields map[string]any) *fakeResource {
	return &fakeResource{entity: resource.Entity{ID: id, Version: version, Fields: maps.Clone(fields)}}
}

func statusErr(status int, code string) error {
	return &resource.StatusError{Status: status, Code: code, Message: http.StatusText(status)}
}

// bump simulates another writer committing a change.
func (f *fakeResource) bump(field string, value any) {
	f.entity.Version++
	if f.entity.Fields == nil {
		f.entity.Fields = map[string]any{}
	}
	f.entity.Fields[field] = value
}

func (f *fakeResource) Fetch(_ context.Context, id string) (resource.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.fetches
	f.fetches++
	if f.deleted || id != f.entity.ID {
		return resource.Entity{}, statusErr(http.StatusNotFound, resource.CodeNotFound)
	}
	out := f.entity.Clone()
	if f.fetchResult != nil {
		out = f.fetchResult(n, out)
	}
	return out, nil
}

func (f *fakeResource) Update(_ context.Context, id string, version int64, payload resource.Payload) (resource.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.updates)
	f.updates = append(f.updates, updateCall{version: version, payload: maps.Clone(payload)})

	if f.beforeUpdate != nil {
		f.beforeUpdate(n, f)
	}
	if f.updateErr != nil {
		if err := f.updateErr(n); err != nil {
			return resource.Entity{}, err
		}
	}
	if f.deleted || id != f.entity.ID {
		return resource.Entity{}, statusErr(http.StatusNotFound, resource.CodeNotFound)
	}
	if version != f.entity.Version {
		return resource.Entity{}, statusErr(http.StatusConflict, resource.CodeVersionConflict)
	}

	f.entity.Version++
	f.entity.Fields = maps.Clone(map[string]any(payload))
	return f.entity.Clone(), nil
}

func (f *fakeResource) counts() (updates, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates), f.fetches
}

// recordingSleep captures backoff waits without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}
