package entitystore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/resource"
)

// Ids must be valid NATS KV keys without the wildcard and token separators.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_=-]+$`)

// record is the stored form of an entity.
type record struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (r record) entity() resource.Entity {
	return resource.Entity{ID: r.ID, Version: r.Version, Fields: r.Fields}
}

// EventType says what happened to a watched entity.
type EventType string

// Watch event types.
const (
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one change delivered by Watch.
type Event struct {
	Type   EventType       `json:"type"`
	Entity resource.Entity `json:"entity"`
}

// Store owns the versions of one resource's entities. The version of a stored
// entity starts at 1 and every accepted update adds exactly one.
type Store struct {
	name      string
	backend   Backend
	validator Validator
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithValidator checks fields on create and update.
func WithValidator(v Validator) Option {
	return func(s *Store) {
		s.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics reports operations to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a store for the named resource.
func NewStore(name string, backend Backend, opts ...Option) *Store {
	s := &Store{
		name:    name,
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "entitystore", "resource", name)
	return s
}

// Name returns the resource name.
func (s *Store) Name() string {
	return s.name
}

// Create stores a new entity at version 1. An id in fields is used as given;
// otherwise a UUID is assigned.
func (s *Store) Create(ctx context.Context, fields map[string]any) (ent resource.Entity, err error) {
	defer func() { s.metrics.record(s.name, "create", err) }()

	id, err := idFromFields(fields)
	if err != nil {
		return resource.Entity{}, errors.WrapInvalid(err, "entitystore", "Create", "read id")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := checkID(id); err != nil {
		return resource.Entity{}, errors.WrapInvalid(err, "entitystore", "Create", "check id")
	}

	clean := stripReserved(fields)
	if err := s.validate(clean); err != nil {
		return resource.Entity{}, errors.WrapInvalid(err, "entitystore", "Create", "validate fields")
	}

	now := s.now().UTC()
	rec := record{ID: id, Version: 1, Fields: clean, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(rec)
	if err != nil {
		return resource.Entity{}, errors.WrapFatal(err, "entitystore", "Create", "marshal entity")
	}

	if _, err := s.backend.Create(ctx, id, data); err != nil {
		switch {
		case stderrors.Is(err, ErrKeyExists):
			return resource.Entity{}, errors.WrapInvalid(
				fmt.Errorf("%w: %s already exists", errors.ErrValidation, id),
				"entitystore", "Create", "create entity")
		case stderrors.Is(err, ErrValueTooLarge):
			return resource.Entity{}, s.tooLarge("Create", id, len(data))
		default:
			return resource.Entity{}, errors.WrapTransient(err, "entitystore", "Create", "create entity")
		}
	}

	s.logger.Debug("entity created", "id", id)
	return rec.entity(), nil
}

// Get returns the current entity.
func (s *Store) Get(ctx context.Context, id string) (ent resource.Entity, err error) {
	defer func() { s.metrics.record(s.name, "get", err) }()

	rec, _, err := s.load(ctx, "Get", id)
	if err != nil {
		return resource.Entity{}, err
	}
	return rec.entity(), nil
}

// Update replaces the fields of entity id if version is its current version.
// The write is conditional on the backend revision read alongside it, so of
// two writers sending the same version only one succeeds.
func (s *Store) Update(ctx context.Context, id string, version int64, fields map[string]any) (ent resource.Entity, err error) {
	defer func() { s.metrics.record(s.name, "update", err) }()

	rec, rev, err := s.load(ctx, "Update", id)
	if err != nil {
		return resource.Entity{}, err
	}

	clean := stripReserved(fields)
	if err := s.validate(clean); err != nil {
		return resource.Entity{}, errors.WrapInvalid(err, "entitystore", "Update", "validate fields")
	}

	if version != rec.Version {
		return resource.Entity{}, s.conflict(id, version, rec.Version)
	}

	next := record{
		ID:        rec.ID,
		Version:   rec.Version + 1,
		Fields:    clean,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return resource.Entity{}, errors.WrapFatal(err, "entitystore", "Update", "marshal entity")
	}

	if _, err := s.backend.Update(ctx, id, data, rev); err != nil {
		switch {
		case stderrors.Is(err, ErrRevisionMismatch):
			// Another writer committed between our read and write.
			return resource.Entity{}, s.conflict(id, version, rec.Version+1)
		case stderrors.Is(err, ErrKeyNotFound):
			return resource.Entity{}, s.notFound("Update", id)
		case stderrors.Is(err, ErrValueTooLarge):
			return resource.Entity{}, s.tooLarge("Update", id, len(data))
		default:
			return resource.Entity{}, errors.WrapTransient(err, "entitystore", "Update", "write entity")
		}
	}

	s.logger.Debug("entity updated", "id", id, "version", next.Version)
	return next.entity(), nil
}

// Delete removes entity id.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.record(s.name, "delete", err) }()

	_, rev, err := s.load(ctx, "Delete", id)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, id, rev); err != nil {
		switch {
		case stderrors.Is(err, ErrKeyNotFound):
			return s.notFound("Delete", id)
		case stderrors.Is(err, ErrRevisionMismatch):
			return errors.WrapTransient(
				fmt.Errorf("%w: %s changed while deleting", errors.ErrVersionConflict, id),
				"entitystore", "Delete", "delete entity")
		default:
			return errors.WrapTransient(err, "entitystore", "Delete", "delete entity")
		}
	}

	s.logger.Debug("entity deleted", "id", id)
	return nil
}

// List returns every entity ordered by id. Entities deleted while listing are skipped.
func (s *Store) List(ctx context.Context) (out []resource.Entity, err error) {
	defer func() { s.metrics.record(s.name, "list", err) }()

	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "entitystore", "List", "list keys")
	}

	out = make([]resource.Entity, 0, len(keys))
	for _, key := range keys {
		rec, _, err := s.load(ctx, "List", key)
		if stderrors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.entity())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if s.metrics != nil {
		s.metrics.entities.WithLabelValues(s.name).Set(float64(len(out)))
	}
	return out, nil
}

// Watch streams changes to entity id until ctx ends. The entity must exist
// when Watch is called.
func (s *Store) Watch(ctx context.Context, id string) (<-chan Event, error) {
	if _, _, err := s.load(ctx, "Watch", id); err != nil {
		return nil, err
	}

	changes, err := s.backend.Watch(ctx, id)
	if err != nil {
		return nil, errors.WrapTransient(err, "entitystore", "Watch", "watch entity")
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for c := range changes {
			ev, ok := s.toEvent(c)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

func (s *Store) toEvent(c Change) (Event, bool) {
	if c.Deleted {
		return Event{Type: EventDeleted, Entity: resource.Entity{ID: c.ID}}, true
	}
	var rec record
	if err := json.Unmarshal(c.Value, &rec); err != nil {
		s.logger.Warn("skipping undecodable change", "id", c.ID, "error", err)
		return Event{}, false
	}
	return Event{Type: EventUpdated, Entity: rec.entity()}, true
}

func (s *Store) load(ctx context.Context, method, id string) (record, uint64, error) {
	if err := checkID(id); err != nil {
		return record{}, 0, errors.WrapInvalid(err, "entitystore", method, "check id")
	}

	data, rev, err := s.backend.Get(ctx, id)
	if err != nil {
		if stderrors.Is(err, ErrKeyNotFound) {
			return record{}, 0, s.notFound(method, id)
		}
		return record{}, 0, errors.WrapTransient(err, "entitystore", method, "read entity")
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, 0, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err), "entitystore", method, "decode entity")
	}
	return rec, rev, nil
}

func (s *Store) validate(fields map[string]any) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.Validate(fields)
}

func (s *Store) notFound(method, id string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s/%s", errors.ErrNotFound, s.name, id),
		"entitystore", method, "find entity")
}

func (s *Store) tooLarge(method, id string, size int) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s/%s encodes to %d bytes, over the storage limit", errors.ErrValidation, s.name, id, size),
		"entitystore", method, "write entity")
}

func (s *Store) conflict(id string, sent, current int64) error {
	if s.metrics != nil {
		s.metrics.conflicts.WithLabelValues(s.name).Inc()
	}
	s.logger.Debug("version conflict", "id", id, "sent", sent, "current", current)
	return errors.WrapTransient(
		fmt.Errorf("%w: %s/%s sent version %d, current is %d", errors.ErrVersionConflict, s.name, id, sent, current),
		"entitystore", "Update", "check version")
}

func checkID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id cannot be empty", errors.ErrValidation)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q may only contain letters, digits, '-', '_' and '='", errors.ErrValidation, id)
	}
	return nil
}

func idFromFields(fields map[string]any) (string, error) {
	v, ok := fields[resource.FieldID]
	if !ok || v == nil {
		return "", nil
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case float64:
		if id != float64(int64(id)) {
			return "", fmt.Errorf("%w: id must be an integer or string", errors.ErrValidation)
		}
		return fmt.Sprintf("%d", int64(id)), nil
	case json.Number:
		return id.String(), nil
	default:
		return "", fmt.Errorf("%w: id must be an integer or string", errors.ErrValidation)
	}
}

func stripReserved(fields map[string]any) map[string]any {
	out := maps.Clone(fields)
	if out == nil {
		out = map[string]any{}
	}
	delete(out, resource.FieldID)
	delete(out, resource.FieldVersion)
	return out
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, errors.ErrNotFound):
		return "not_found"
	case stderrors.Is(err, errors.ErrVersionConflict):
		return "conflict"
	case stderrors.Is(err, errors.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
