package entitystore

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/config"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/metric"
	"github.com/c360/concur/natsclient"
	"github.com/c360/concur/resource"
)

const companySchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"employees": {"type": "integer", "minimum": 0}
	}
}`

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore("companies", NewMemoryBackend(), opts...)
}

func TestStore_CreateAssignsVersionOne(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"name": "Acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, ent.ID)
	assert.Equal(t, int64(1), ent.Version)
	assert.Equal(t, "Acme", ent.Fields["name"])

	got, err := s.Get(ctx, ent.ID)
	require.NoError(t, err)
	assert.Equal(t, ent, got)
}

func TestStore_CreateWithID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": float64(42), "version": float64(9), "name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "42", ent.ID)
	assert.Equal(t, int64(1), ent.Version, "client-sent version is ignored")
	assert.NotContains(t, ent.Fields, "version")
	assert.NotContains(t, ent.Fields, "id")

	_, err = s.Create(ctx, map[string]any{"id": "42", "name": "Other"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Contains(t, err.Error(), "already exists")
}

func TestStore_CreateRejectsBadID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []any{"a.b", "a*", "with space", 1.5, true} {
		_, err := s.Create(ctx, map[string]any{"id": id})
		assert.ErrorIs(t, err, errors.ErrValidation, "id %v", id)
	}
}

func TestStore_UpdateIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": "c1", "name": "Acme"})
	require.NoError(t, err)

	for want := int64(2); want <= 4; want++ {
		ent, err = s.Update(ctx, "c1", ent.Version, map[string]any{"name": "Acme", "rev": want})
		require.NoError(t, err)
		assert.Equal(t, want, ent.Version)
	}
}

func TestStore_UpdateStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": "c1", "name": "Acme"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "c1", ent.Version, map[string]any{"name": "Acme Corp"})
	require.NoError(t, err)

	_, err = s.Update(ctx, "c1", ent.Version, map[string]any{"name": "Acme Inc"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
	assert.Contains(t, err.Error(), "sent version 1, current is 2")

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Fields["name"], "rejected write leaves the entity unchanged")
	assert.Equal(t, int64(2), got.Version)

	_, err = s.Update(ctx, "c1", 99, map[string]any{"name": "Future"})
	assert.ErrorIs(t, err, errors.ErrVersionConflict, "versions ahead of the store also conflict")
}

func TestStore_ConcurrentUpdatesSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": "race", "n": 0})
	require.NoError(t, err)

	const writers = 16
	var wins, conflicts int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.Update(ctx, "race", ent.Version, map[string]any{"n": i})
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, errors.ErrVersionConflict):
				atomic.AddInt64(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.Equal(t, int64(writers-1), conflicts)

	got, err := s.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

// racingBackend lets another writer commit between Store's read and its
// conditional write.
type racingBackend struct {
	*MemoryBackend
	once       sync.Once
	interleave func()
}

func (r *racingBackend) Update(ctx context.Context, id string, value []byte, revision uint64) (uint64, error) {
	r.once.Do(r.interleave)
	return r.MemoryBackend.Update(ctx, id, value, revision)
}

func TestStore_UpdateLosesCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryBackend()
	base := NewStore("companies", mem)
	ent, err := base.Create(ctx, map[string]any{"id": "c1", "name": "Acme"})
	require.NoError(t, err)

	rb := &racingBackend{MemoryBackend: mem}
	s := NewStore("companies", rb)
	rb.interleave = func() {
		_, err := base.Update(ctx, "c1", ent.Version, map[string]any{"name": "Other writer"})
		require.NoError(t, err)
	}

	_, err = s.Update(ctx, "c1", ent.Version, map[string]any{"name": "Mine"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Other writer", got.Fields["name"])
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = s.Update(ctx, "missing", 1, map[string]any{"name": "x"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.NotErrorIs(t, err, errors.ErrVersionConflict)

	assert.ErrorIs(t, s.Delete(ctx, "missing"), errors.ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": "gone", "name": "Acme"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "gone"))

	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = s.Update(ctx, "gone", ent.Version, map[string]any{"name": "Back"})
	assert.ErrorIs(t, err, errors.ErrNotFound, "deleted entities report not found, never conflict")
}

func TestStore_SchemaValidation(t *testing.T) {
	ctx := context.Background()
	v, err := NewSchemaValidator([]byte(companySchema))
	require.NoError(t, err)
	s := newTestStore(t, WithValidator(v))

	_, err = s.Create(ctx, map[string]any{"employees": -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Len(t, fe.Problems, 2)

	ent, err := s.Create(ctx, map[string]any{"id": "c1", "name": "Acme", "employees": 10})
	require.NoError(t, err)

	// Validation runs before the version check.
	_, err = s.Update(ctx, "c1", ent.Version+5, map[string]any{"name": ""})
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.NotErrorIs(t, err, errors.ErrVersionConflict)
}

func TestNewSchemaValidator_Invalid(t *testing.T) {
	_, err := NewSchemaValidator([]byte(`{"type": 12}`))
	assert.Error(t, err)

	_, err = NewSchemaValidatorFromFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"b", "c", "a"} {
		_, err := s.Create(ctx, map[string]any{"id": id})
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, "c"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)

	ent, err := s.Create(ctx, map[string]any{"id": "w1", "name": "Acme"})
	require.NoError(t, err)

	events, err := s.Watch(ctx, "w1")
	require.NoError(t, err)

	_, err = s.Update(ctx, "w1", ent.Version, map[string]any{"name": "Acme Corp"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "w1"))

	select {
	case ev := <-events:
		assert.Equal(t, EventUpdated, ev.Type)
		assert.Equal(t, int64(2), ev.Entity.Version)
		assert.Equal(t, "Acme Corp", ev.Entity.Fields["name"])
	case <-time.After(time.Second):
		t.Fatal("no update event")
	}
	select {
	case ev := <-events:
		assert.Equal(t, EventDeleted, ev.Type)
		assert.Equal(t, "w1", ev.Entity.ID)
	case <-time.After(time.Second):
		t.Fatal("no delete event")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestStore_WatchMissing(t *testing.T) {
	_, err := newTestStore(t).Watch(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStore_Metrics(t *testing.T) {
	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)
	s := newTestStore(t, WithMetrics(m))

	ent, err := s.Create(ctx, map[string]any{"id": "m1"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "m1", ent.Version, map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = s.Update(ctx, "m1", ent.Version, map[string]any{"x": 2})
	require.Error(t, err)
	_, err = s.List(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("companies", "create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("companies", "update", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("companies", "update", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("companies")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entities.WithLabelValues("companies")))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "second registration is rejected")
}

func TestBuild_Memory(t *testing.T) {
	schemaPath := filepath.Join(t.TempDir(), "company.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(companySchema), 0o600))

	cfg := config.Default()
	cfg.Resources = []config.ResourceConfig{
		{Name: "companies", Schema: schemaPath},
		{Name: "addresses"},
	}

	reg, err := Build(context.Background(), cfg, BuildOptions{Registry: metric.NewMetricsRegistry()})
	require.NoError(t, err)
	assert.Equal(t, []string{"addresses", "companies"}, reg.Names())

	companies, ok := reg.Get("companies")
	require.True(t, ok)
	_, err = companies.Create(context.Background(), map[string]any{})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, ok = reg.Get("people")
	assert.False(t, ok)

	assert.Error(t, reg.Add(NewStore("addresses", NewMemoryBackend())))
}

func TestBuild_Errors(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Mode = config.StorageModeKV
	cfg.Resources = []config.ResourceConfig{{Name: "companies"}}
	_, err := Build(context.Background(), cfg, BuildOptions{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg = config.Default()
	cfg.Resources = []config.ResourceConfig{{Name: "companies", Schema: "/nonexistent/schema.json"}}
	_, err = Build(context.Background(), cfg, BuildOptions{})
	assert.Error(t, err)
}

// cappedBackend rejects values over limit bytes the way the KV backend does.
type cappedBackend struct {
	*MemoryBackend
	limit int
}

func (b *cappedBackend) Create(ctx context.Context, id string, value []byte) (uint64, error) {
	if len(value) > b.limit {
		return 0, ErrValueTooLarge
	}
	return b.MemoryBackend.Create(ctx, id, value)
}

func (b *cappedBackend) Update(ctx context.Context, id string, value []byte, revision uint64) (uint64, error) {
	if len(value) > b.limit {
		return 0, ErrValueTooLarge
	}
	return b.MemoryBackend.Update(ctx, id, value, revision)
}

func TestStore_OversizedValueIsValidationError(t *testing.T) {
	ctx := context.Background()
	s := NewStore("companies", &cappedBackend{MemoryBackend: NewMemoryBackend(), limit: 512})

	ent, err := s.Create(ctx, map[string]any{"id": "1", "name": "Acme"})
	require.NoError(t, err)

	// json.Marshal escapes '<' to six bytes, so the record outgrows the input.
	_, err = s.Update(ctx, "1", ent.Version, map[string]any{"name": strings.Repeat("<", 200)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.True(t, errors.IsInvalid(err))

	var se *resource.StatusError
	require.True(t, errors.As(resource.FromStoreError(err), &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Equal(t, resource.CodeValidationFailed, se.Code)

	_, err = s.Create(ctx, map[string]any{"id": "2", "name": strings.Repeat("&", 200)})
	assert.ErrorIs(t, err, errors.ErrValidation)

	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, ent.Version, got.Version)
}

func TestMapKVError(t *testing.T) {
	tooLarge := fmt.Errorf("kv 1: %w: size 9 exceeds maximum 4", natsclient.ErrKVValueTooLarge)
	assert.ErrorIs(t, mapKVError(tooLarge), ErrValueTooLarge)
	assert.ErrorIs(t, mapKVError(natsclient.ErrKVKeyNotFound), ErrKeyNotFound)
	assert.ErrorIs(t, mapKVError(natsclient.ErrKVRevisionMismatch), ErrRevisionMismatch)
	assert.ErrorIs(t, mapKVError(errors.New("nats: timeout")), errors.ErrStorageUnavailable)
	assert.NoError(t, mapKVError(nil))
}
