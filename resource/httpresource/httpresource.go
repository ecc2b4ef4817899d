// Package httpresource is the REST client for versioned resources:
//
//	GET  {base}/{resource}/{id}        fetch
//	PUT  {base}/{resource}/{id}        update, body carries version
//	POST {base}/{resource}             create
//
// Every non-2xx response becomes a *resource.StatusError carrying the status,
// and the code, exception type and message from the body when present.
package httpresource

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/concur/errors"
	"github.com/c360/concur/resource"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Resource talks to one resource collection on a concur-compatible server.
type Resource struct {
	base    *url.URL
	name    string
	client  *http.Client
	dialer  *websocket.Dialer
	headers http.Header
	logger  *slog.Logger
}

var (
	_ resource.VersionedResource = (*Resource)(nil)
	_ resource.Creator           = (*Resource)(nil)
)

// Option configures a Resource.
type Option func(*Resource)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resource) {
		if c != nil {
			r.client = c
		}
	}
}

// WithTLSConfig uses cfg for both requests and watch streams. It replaces the
// transport of the HTTP client, so apply it after WithHTTPClient.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(r *Resource) {
		if cfg == nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg
		client := *r.client
		client.Transport = transport
		r.client = &client

		dialer := *websocket.DefaultDialer
		dialer.TLSClientConfig = cfg
		r.dialer = &dialer
	}
}

// WithHeader adds a header to every request, for example Authorization.
func WithHeader(key, value string) Option {
	return func(r *Resource) {
		r.headers.Add(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resource) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a client for resource name served under baseURL.
func New(baseURL, name string, opts ...Option) (*Resource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.WrapInvalid(err, "httpresource", "New", "parse base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported scheme %q", u.Scheme), "httpresource", "New", "parse base URL")
	}
	if name == "" {
		return nil, errors.Invalid("httpresource", "New", "resource name is required")
	}

	r := &Resource{
		base:    u,
		name:    name,
		client:  &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
		headers: http.Header{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "httpresource", "resource", name)
	return r, nil
}

// Name returns the resource name.
func (r *Resource) Name() string {
	return r.name
}

// Fetch returns the current entity.
func (r *Resource) Fetch(ctx context.Context, id string) (resource.Entity, error) {
	var ent resource.Entity
	if err := r.do(ctx, "Fetch", http.MethodGet, r.entityURL(id), nil, &ent); err != nil {
		return resource.Entity{}, err
	}
	return ent, nil
}

// Update sends payload with version exactly as given.
func (r *Resource) Update(ctx context.Context, id string, version int64, payload resource.Payload) (resource.Entity, error) {
	body := maps.Clone(map[string]any(payload))
	if body == nil {
		body = map[string]any{}
	}
	body[resource.FieldID] = id
	body[resource.FieldVersion] = version

	var ent resource.Entity
	if err := r.do(ctx, "Update", http.MethodPut, r.entityURL(id), body, &ent); err != nil {
		return resource.Entity{}, err
	}
	return ent, nil
}

// Create posts payload without a version.
func (r *Resource) Create(ctx context.Context, payload resource.Payload) (resource.Entity, error) {
	body := maps.Clone(map[string]any(payload))
	if body == nil {
		body = map[string]any{}
	}
	delete(body, resource.FieldVersion)

	var ent resource.Entity
	if err := r.do(ctx, "Create", http.MethodPost, r.collectionURL(), body, &ent); err != nil {
		return resource.Entity{}, err
	}
	return ent, nil
}

// List returns every entity of the resource.
func (r *Resource) List(ctx context.Context) ([]resource.Entity, error) {
	var out struct {
		Items []resource.Entity `json:"items"`
	}
	if err := r.do(ctx, "List", http.MethodGet, r.collectionURL(), nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Delete removes an entity.
func (r *Resource) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "Delete", http.MethodDelete, r.entityURL(id), nil, nil)
}

func (r *Resource) collectionURL() string {
	return r.base.JoinPath(r.name).String()
}

// entityURL escapes id as a single path segment so ids holding '/' or '?'
// cannot address another route.
func (r *Resource) entityURL(id string) string {
	return r.base.JoinPath(r.name, url.PathEscape(id)).String()
}

func (r *Resource) do(ctx context.Context, method, verb, target string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WrapInvalid(err, "httpresource", method, "encode body")
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, verb, target, rdr)
	if err != nil {
		return errors.WrapInvalid(err, "httpresource", method, "build request")
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "httpresource", method, verb+" "+target)
	}
	defer resp.Body.Close()

	r.logger.Debug("request complete", "method", verb, "url", target, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "httpresource", method, "decode response")
	}
	return nil
}

// errorBody accepts both the concur error shape and the common
// {"message", "exception"} shape of other servers.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Exception string `json:"exception"`
	Type      string `json:"type"`
}

func statusError(resp *http.Response) *resource.StatusError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &resource.StatusError{Status: resp.StatusCode}

	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		se.Code = eb.Code
		se.Exception = eb.Exception
		if se.Exception == "" {
			se.Exception = eb.Type
		}
		se.Message = eb.Error
		if se.Message == "" {
			se.Message = eb.Message
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
