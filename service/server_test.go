package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/health"
	"github.com/c360/concur/metric"
	"github.com/c360/concur/resource"
)

const companySchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {"name": {"type": "string", "minLength": 1}}
}`

type testEnv struct {
	server   *Server
	http     *httptest.Server
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	v, err := entitystore.NewSchemaValidator([]byte(companySchema))
	require.NoError(t, err)

	reg := entitystore.NewRegistry()
	require.NoError(t, reg.Add(entitystore.NewStore("companies", entitystore.NewMemoryBackend(), entitystore.WithValidator(v))))
	require.NoError(t, reg.Add(entitystore.NewStore("addresses", entitystore.NewMemoryBackend())))

	env := &testEnv{registry: metric.NewMetricsRegistry(), monitor: health.NewMonitor()}
	env.server = NewServer(reg, WithMetricsRegistry(env.registry), WithHealthMonitor(env.monitor))
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		env.http.Close()
		require.NoError(t, env.server.Stop(time.Second))
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	}
	return resp, out
}

func TestServer_CreateGetUpdate(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/companies", `{"id": 1, "name": "Acme"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/companies/1", resp.Header.Get("Location"))
	assert.Equal(t, "1", body["id"])
	assert.Equal(t, 1.0, body["version"])

	resp, body = env.do(t, http.MethodGet, "/companies/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Acme", body["name"])

	resp, body = env.do(t, http.MethodPut, "/companies/1", `{"id": 1, "version": 1, "name": "Acme Corp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["version"])
	assert.Equal(t, "Acme Corp", body["name"])
}

func TestServer_UpdateConflict(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/companies", `{"id": "c1", "name": "Acme"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPut, "/companies/c1", `{"version": 1, "name": "First"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodPut, "/companies/c1", `{"version": 1, "name": "Second"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, resource.CodeVersionConflict, body["code"])
	assert.Contains(t, body["error"], "version conflict")
}

func TestServer_ErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/companies", `{"id": "c1", "name": "Acme"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"missing entity", http.MethodGet, "/companies/nope", "", http.StatusNotFound, resource.CodeNotFound},
		{"update missing entity", http.MethodPut, "/companies/nope", `{"version": 1, "name": "x"}`, http.StatusNotFound, resource.CodeNotFound},
		{"unknown resource", http.MethodGet, "/people/1", "", http.StatusNotFound, resource.CodeNotFound},
		{"schema violation", http.MethodPut, "/companies/c1", `{"version": 1, "name": ""}`, http.StatusUnprocessableEntity, resource.CodeValidationFailed},
		{"create schema violation", http.MethodPost, "/companies", `{"name": 5}`, http.StatusUnprocessableEntity, resource.CodeValidationFailed},
		{"duplicate create", http.MethodPost, "/companies", `{"id": "c1", "name": "Acme"}`, http.StatusUnprocessableEntity, resource.CodeValidationFailed},
		{"malformed json", http.MethodPut, "/companies/c1", `{"version": `, http.StatusBadRequest, resource.CodeValidationFailed},
		{"empty body", http.MethodPost, "/companies", "", http.StatusBadRequest, resource.CodeValidationFailed},
		{"missing version", http.MethodPut, "/companies/c1", `{"name": "x"}`, http.StatusBadRequest, resource.CodeValidationFailed},
		{"id mismatch", http.MethodPut, "/companies/c1", `{"id": "c2", "version": 1, "name": "x"}`, http.StatusBadRequest, resource.CodeValidationFailed},
		{"non-integer version", http.MethodPut, "/companies/c1", `{"version": 1.5, "name": "x"}`, http.StatusBadRequest, resource.CodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_DeleteAndList(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"b", "a"} {
		resp, _ := env.do(t, http.MethodPost, "/addresses", `{"id": "`+id+`", "street": "Main"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/addresses", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2.0, body["count"])
	items := body["items"].([]any)
	assert.Equal(t, "a", items[0].(map[string]any)["id"])

	resp, _ = env.do(t, http.MethodDelete, "/addresses/a", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/addresses/a", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodDelete, "/addresses/a", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	env.monitor.UpdateUnhealthy("nats", "disconnected")
	resp, body = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestServer_OpenAPI(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OpenAPIVersion, body["openapi"])

	paths, ok := body["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/companies")
	assert.Contains(t, paths, "/addresses/{id}/watch")

	item := paths["/companies/{id}"].(map[string]any)
	put := item["put"].(map[string]any)
	assert.Contains(t, put["responses"], "409")
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodGet, "/companies/nope", "")
	env.do(t, http.MethodGet, "/companies/nope", "")

	m := env.registry.CoreMetrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("companies", "GET", "404")))

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "concur_http_requests_total")
}

func TestServer_Watch(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/companies", `{"id": "w1", "name": "Acme"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/companies/w1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	ev := readEvent()
	assert.Equal(t, "snapshot", ev["type"])
	assert.Equal(t, 1.0, ev["entity"].(map[string]any)["version"])

	resp, _ = env.do(t, http.MethodPut, "/companies/w1", `{"version": 1, "name": "Acme Corp"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev = readEvent()
	assert.Equal(t, "updated", ev["type"])
	entity := ev["entity"].(map[string]any)
	assert.Equal(t, 2.0, entity["version"])
	assert.Equal(t, "Acme Corp", entity["name"])

	resp, _ = env.do(t, http.MethodDelete, "/companies/w1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ev = readEvent()
	assert.Equal(t, "deleted", ev["type"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

// racingBackend runs onGet once, after skip further reads have passed,
// standing in for a writer that commits between the watch subscription and
// the snapshot.
type racingBackend struct {
	*entitystore.MemoryBackend
	mu    sync.Mutex
	skip  int
	onGet func()
}

func (b *racingBackend) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	b.mu.Lock()
	var hook func()
	if b.onGet != nil {
		if b.skip > 0 {
			b.skip--
		} else {
			hook, b.onGet = b.onGet, nil
		}
	}
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	return b.MemoryBackend.Get(ctx, id)
}

func TestServer_WatchSkipsUpdatesInSnapshot(t *testing.T) {
	ctx := context.Background()
	backend := &racingBackend{MemoryBackend: entitystore.NewMemoryBackend()}
	store := entitystore.NewStore("companies", backend)
	reg := entitystore.NewRegistry()
	require.NoError(t, reg.Add(store))

	srv := NewServer(reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop(time.Second)
	})

	_, err := store.Create(ctx, map[string]any{"id": "w1", "name": "Acme"})
	require.NoError(t, err)
	backend.mu.Lock()
	backend.skip = 1 // the existence check inside Store.Watch
	backend.onGet = func() {
		_, err := store.Update(ctx, "w1", 1, map[string]any{"name": "Between"})
		assert.NoError(t, err)
	}
	backend.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/companies/w1/watch", nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev entitystore.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Equal(t, int64(2), ev.Entity.Version)

	_, err = store.Update(ctx, "w1", 2, map[string]any{"name": "After"})
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, entitystore.EventUpdated, ev.Type)
	assert.Equal(t, int64(3), ev.Entity.Version, "version 2 is already in the snapshot")
}

func TestServer_WatchOriginCheck(t *testing.T) {
	reg := entitystore.NewRegistry()
	store := entitystore.NewStore("companies", entitystore.NewMemoryBackend())
	require.NoError(t, reg.Add(store))
	_, err := store.Create(context.Background(), map[string]any{"id": "o1", "name": "Acme"})
	require.NoError(t, err)

	srv := NewServer(reg, WithCheckOrigin(AllowOrigins("https://app.example.com/")))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop(time.Second)
	})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/companies/o1/watch"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://APP.example.com"}})
	require.NoError(t, err)
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "clients without an Origin header are not browsers")
	conn.Close()
}

func TestAllowOrigins_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/companies/1/watch", nil)
	r.Header.Set("Origin", "https://anything.example.com")
	assert.True(t, AllowOrigins()(r))
}

func TestSupersededBy(t *testing.T) {
	snapshot := entitystore.Event{Type: EventSnapshot, Entity: resource.Entity{ID: "1", Version: 4}}

	assert.True(t, supersededBy(snapshot, entitystore.Event{Type: entitystore.EventUpdated, Entity: resource.Entity{Version: 3}}))
	assert.True(t, supersededBy(snapshot, entitystore.Event{Type: entitystore.EventUpdated, Entity: resource.Entity{Version: 4}}))
	assert.False(t, supersededBy(snapshot, entitystore.Event{Type: entitystore.EventUpdated, Entity: resource.Entity{Version: 5}}))
	assert.False(t, supersededBy(snapshot, entitystore.Event{Type: entitystore.EventDeleted, Entity: resource.Entity{ID: "1"}}))
}

func TestServer_WatchMissing(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/companies/none/watch", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, resource.CodeNotFound, body["code"])
}

func TestServer_StartStop(t *testing.T) {
	reg := entitystore.NewRegistry()
	s := NewServer(reg)

	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start("127.0.0.1:0", time.Second))
	require.NotNil(t, s.Addr())
	assert.Error(t, s.Start("127.0.0.1:0", time.Second))

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(time.Second))
	require.NoError(t, s.Stop(time.Second))
	assert.Nil(t, s.Addr())
}

func TestServer_StopClosesWatchers(t *testing.T) {
	reg := entitystore.NewRegistry()
	st := entitystore.NewStore("companies", entitystore.NewMemoryBackend())
	require.NoError(t, reg.Add(st))
	_, err := st.Create(context.Background(), map[string]any{"id": "s1"})
	require.NoError(t, err)

	s := NewServer(reg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/companies/s1/watch", nil)
	require.NoError(t, err)
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.Stop(time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
