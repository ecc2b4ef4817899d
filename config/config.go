package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/concur/conflict"
	"github.com/c360/concur/pkg/retry"
	"github.com/c360/concur/pkg/tlsutil"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // Process-local, lost on restart
	StorageModeKV     = "kv"     // NATS JetStream KV, one bucket per resource
)

// DefaultBucketPrefix is prepended to the upper-cased resource name when a
// resource does not name its bucket.
const DefaultBucketPrefix = "CONCUR_"

var resourceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// reservedNames are server routes a resource cannot shadow.
var reservedNames = []string{"health", "metrics"}

// Config represents the complete application configuration
type Config struct {
	Version    string           `json:"version,omitempty"`
	NATS       NATSConfig       `json:"nats"`
	HTTP       HTTPConfig       `json:"http"`
	Storage    StorageConfig    `json:"storage"`
	Resources  []ResourceConfig `json:"resources"`
	Update     UpdateConfig     `json:"update"`
	Classifier ClassifierConfig `json:"classifier"`
}

// NATSConfig configures the NATS connection used by the kv storage mode
type NATSConfig struct {
	URLs           []string      `json:"urls"`
	MaxReconnects  int           `json:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	PingInterval   time.Duration `json:"ping_interval"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout"` // bounds Close

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Name     string `json:"name,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// HTTPConfig configures the REST listener
type HTTPConfig struct {
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`

	// AllowedOrigins restricts which browser origins may open watch
	// websockets. Empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	TLS tlsutil.ServerConfig `json:"tls"`
}

// Addr returns host:port for net/http.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// StorageConfig selects the entity backend
type StorageConfig struct {
	Mode string `json:"mode"`
	// History is the number of revisions kept per key in kv mode.
	History      uint8  `json:"history"`
	BucketPrefix string `json:"bucket_prefix,omitempty"`
}

// ResourceConfig declares one collection of versioned entities.
type ResourceConfig struct {
	Name string `json:"name"`
	// Bucket overrides the KV bucket name.
	Bucket string `json:"bucket,omitempty"`
	// Schema is an optional path to a JSON schema that entity fields must satisfy.
	Schema string `json:"schema,omitempty"`
}

// UpdateConfig holds the client-side retry settings
type UpdateConfig struct {
	MaxRetries int          `json:"max_retries"`
	Policy     retry.Policy `json:"policy"`
}

// ClassifierConfig extends (or with ReplaceDefaults, replaces) the built-in
// conflict classification rules.
type ClassifierConfig struct {
	ReplaceDefaults bool              `json:"replace_defaults,omitempty"`
	Codes           map[string]string `json:"codes,omitempty"`
	Phrases         []string          `json:"phrases,omitempty"`
	TypeNames       []string          `json:"type_names,omitempty"`
}

// Rules converts the configuration into classifier rules.
func (c ClassifierConfig) Rules() (conflict.Rules, error) {
	extra := conflict.Rules{
		Codes:     make(map[string]conflict.Outcome, len(c.Codes)),
		Phrases:   slices.Clone(c.Phrases),
		TypeNames: slices.Clone(c.TypeNames),
	}
	for code, name := range c.Codes {
		outcome, ok := conflict.ParseOutcome(name)
		if !ok {
			return conflict.Rules{}, fmt.Errorf("classifier code %q: unknown outcome %q", code, name)
		}
		extra.Codes[code] = outcome
	}
	if c.ReplaceDefaults {
		return extra, nil
	}
	return conflict.DefaultRules().Merge(extra), nil
}

// Default returns a configuration that runs a single in-memory instance.
func Default() *Config {
	return &Config{
		Version: "1.0.0",
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait:  2 * time.Second,
			PingInterval:   30 * time.Second,
			ConnectTimeout: 5 * time.Second,
			DrainTimeout:   30 * time.Second,
			Name:           "concur",
		},
		HTTP: HTTPConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Mode:         StorageModeMemory,
			History:      10,
			BucketPrefix: DefaultBucketPrefix,
		},
		Update: UpdateConfig{
			MaxRetries: 3,
			Policy:     retry.DefaultPolicy(),
		},
	}
}

// BucketFor returns the KV bucket holding the named resource.
func (c *Config) BucketFor(r ResourceConfig) string {
	if r.Bucket != "" {
		return r.Bucket
	}
	prefix := c.Storage.BucketPrefix
	if prefix == "" {
		prefix = DefaultBucketPrefix
	}
	return prefix + strings.ToUpper(strings.ReplaceAll(r.Name, "-", "_"))
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.NATS.URLs = slices.Clone(c.NATS.URLs)
	out.HTTP.AllowedOrigins = slices.Clone(c.HTTP.AllowedOrigins)
	out.NATS.TLS.CAFiles = slices.Clone(c.NATS.TLS.CAFiles)
	out.HTTP.TLS.ClientCAFiles = slices.Clone(c.HTTP.TLS.ClientCAFiles)
	out.HTTP.TLS.AllowedClientCNs = slices.Clone(c.HTTP.TLS.AllowedClientCNs)
	out.Resources = slices.Clone(c.Resources)
	out.Classifier.Phrases = slices.Clone(c.Classifier.Phrases)
	out.Classifier.TypeNames = slices.Clone(c.Classifier.TypeNames)
	if c.Classifier.Codes != nil {
		out.Classifier.Codes = make(map[string]string, len(c.Classifier.Codes))
		for k, v := range c.Classifier.Codes {
			out.Classifier.Codes[k] = v
		}
	}
	return &out
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeKV:
		if len(c.NATS.URLs) == 0 {
			errs = append(errs, errors.New("nats.urls is required for kv storage"))
		}
		if c.Storage.History > 64 {
			errs = append(errs, fmt.Errorf("storage.history %d exceeds the JetStream limit of 64", c.Storage.History))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.mode %q must be %q or %q", c.Storage.Mode, StorageModeMemory, StorageModeKV))
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("http.%w", err))
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("nats.%w", err))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"nats.ping_interval", c.NATS.PingInterval},
		{"nats.connect_timeout", c.NATS.ConnectTimeout},
		{"nats.drain_timeout", c.NATS.DrainTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative: %s", d.name, d.value))
		}
	}
	for i, origin := range c.HTTP.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("http.allowed_origins[%d]: %q is not scheme://host", i, origin))
		}
	}

	seen := make(map[string]bool, len(c.Resources))
	buckets := make(map[string]string, len(c.Resources))
	for i, r := range c.Resources {
		if !resourceNamePattern.MatchString(r.Name) {
			errs = append(errs, fmt.Errorf("resources[%d]: invalid name %q", i, r.Name))
			continue
		}
		if slices.Contains(reservedNames, r.Name) {
			errs = append(errs, fmt.Errorf("resources[%d]: name %q is reserved", i, r.Name))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate name %q", i, r.Name))
			continue
		}
		seen[r.Name] = true

		bucket := c.BucketFor(r)
		if other, ok := buckets[bucket]; ok {
			errs = append(errs, fmt.Errorf("resources %q and %q share bucket %q", other, r.Name, bucket))
		}
		buckets[bucket] = r.Name
	}

	if c.Update.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("update.max_retries cannot be negative: %d", c.Update.MaxRetries))
	}
	if err := c.Update.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("update.policy: %w", err))
	}
	if _, err := c.Classifier.Rules(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Resource returns the named resource configuration.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// String returns a JSON representation with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
