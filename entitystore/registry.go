package entitystore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/concur/config"
	"github.com/c360/concur/errors"
	"github.com/c360/concur/metric"
	"github.com/c360/concur/natsclient"
)

// Registry maps resource names to their stores.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

// Add registers s under its name.
func (r *Registry) Add(s *Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[s.Name()]; exists {
		return errors.WrapInvalid(fmt.Errorf("resource %q already registered", s.Name()),
			"entitystore", "Add", "register store")
	}
	r.stores[s.Name()] = s
	return nil
}

// Get returns the store for the named resource.
func (r *Registry) Get(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Names returns the registered resource names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BuildOptions carries the shared dependencies of stores built from config.
type BuildOptions struct {
	// Client is required in kv storage mode.
	Client   *natsclient.Client
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Build creates one store per configured resource. In kv mode each resource
// gets its own bucket, created when missing.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *Metrics
	if opts.Registry != nil {
		m, err := NewMetrics(opts.Registry)
		if err != nil {
			return nil, errors.Wrap(err, "entitystore", "Build", "register metrics")
		}
		metrics = m
	}

	if cfg.Storage.Mode == config.StorageModeKV && opts.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "entitystore", "Build", "kv storage requires a NATS client")
	}

	reg := NewRegistry()
	for _, rc := range cfg.Resources {
		backend, err := buildBackend(ctx, cfg, rc, opts.Client)
		if err != nil {
			return nil, err
		}

		storeOpts := []Option{WithLogger(logger), WithMetrics(metrics)}
		if rc.Schema != "" {
			v, err := NewSchemaValidatorFromFile(rc.Schema)
			if err != nil {
				return nil, errors.WrapInvalid(err, "entitystore", "Build", "load schema for "+rc.Name)
			}
			storeOpts = append(storeOpts, WithValidator(v))
		}

		if err := reg.Add(NewStore(rc.Name, backend, storeOpts...)); err != nil {
			return nil, err
		}
		logger.Info("resource ready", "resource", rc.Name, "storage", cfg.Storage.Mode, "schema", rc.Schema != "")
	}
	return reg, nil
}

func buildBackend(ctx context.Context, cfg *config.Config, rc config.ResourceConfig, client *natsclient.Client) (Backend, error) {
	switch cfg.Storage.Mode {
	case config.StorageModeKV:
		b, err := NewKVBackend(ctx, client, cfg.BucketFor(rc), cfg.Storage.History)
		if err != nil {
			return nil, errors.Wrap(err, "entitystore", "Build", "open bucket for "+rc.Name)
		}
		return b, nil
	case config.StorageModeMemory, "":
		return NewMemoryBackend(), nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode),
			"entitystore", "Build", "select backend")
	}
}
