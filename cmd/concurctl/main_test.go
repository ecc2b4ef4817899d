package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/concur/entitystore"
	"github.com/c360/concur/resource"
	"github.com/c360/concur/service"
)

func startServer(t *testing.T) (string, *entitystore.Store) {
	t.Helper()
	store := entitystore.NewStore("companies", entitystore.NewMemoryBackend())
	reg := entitystore.NewRegistry()
	require.NoError(t, reg.Add(store))

	srv := service.NewServer(reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop(time.Second)
	})
	return ts.URL, store
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestParseEdits(t *testing.T) {
	edits, err := parseEdits(`{"region": "EU", "n": 1}`, []string{"name=Acme Corp", "n=2", "tags=[\"a\"]", "ok=true"})
	require.NoError(t, err)
	assert.Equal(t, resource.Payload{
		"region": "EU",
		"n":      2.0,
		"name":   "Acme Corp",
		"tags":   []any{"a"},
		"ok":     true,
	}, edits)

	_, err = parseEdits("", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseEdits("", []string{"version=3"})
	assert.Error(t, err)
	_, err = parseEdits("[1]", nil)
	assert.Error(t, err)
}

func TestCreateGetUpdate(t *testing.T) {
	url, _ := startServer(t)

	out, _, err := execute(t, "create", "companies", "-s", url, "--set", "id=acme", "--set", "name=Acme")
	require.NoError(t, err)
	var created resource.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, int64(1), created.Version)

	out, _, err = execute(t, "update", "companies", "acme", "-s", url, "--set", "name=Acme Corp")
	require.NoError(t, err)
	var updated resource.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &updated))
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "Acme Corp", updated.Fields["name"])

	out, _, err = execute(t, "get", "companies", "acme", "-s", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"version": 2`)
}

func TestUpdate_StaleBaseVersionIsRetried(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()

	_, err := store.Create(ctx, map[string]any{"id": "acme", "name": "Acme", "city": "Lisbon"})
	require.NoError(t, err)
	_, err = store.Update(ctx, "acme", 1, map[string]any{"name": "Acme", "city": "Porto"})
	require.NoError(t, err)

	out, errOut, err := execute(t, "update", "companies", "acme", "-s", url,
		"--base-version", "1", "--set", "name=Acme Corp")
	require.NoError(t, err)
	assert.Contains(t, errOut, "retry 1/3")

	var ent resource.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &ent))
	assert.Equal(t, int64(3), ent.Version)
	assert.Equal(t, "Porto", ent.Fields["city"])
}

func TestUpdate_ManyIDs(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Create(ctx, map[string]any{"id": id})
		require.NoError(t, err)
	}

	out, _, err := execute(t, "update", "companies", "a", "b", "c", "-s", url,
		"--json", `{"region": "EU"}`, "--concurrency", "2", "--rate", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "companies/b: version 2")
	assert.Contains(t, out, "companies/a: version 2")
	assert.Contains(t, out, "companies/c: version 2")

	for _, id := range []string{"a", "b", "c"} {
		ent, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "EU", ent.Fields["region"])
	}
}

func TestUpdate_Errors(t *testing.T) {
	url, _ := startServer(t)

	_, _, err := execute(t, "update", "companies", "missing", "-s", url, "--set", "a=1")
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))

	_, _, err = execute(t, "update", "companies", "x", "-s", url)
	assert.ErrorContains(t, err, "nothing to update")

	_, _, err = execute(t, "update", "companies", "x", "-s", url, "--set", "a=1", "--rate", "-1")
	assert.ErrorContains(t, err, "--rate cannot be negative")

	_, _, err = execute(t, "get", "companies")
	assert.Error(t, err)

	_, _, err = execute(t, "get", "companies", "x", "-s", url, "-H", "broken")
	assert.ErrorContains(t, err, "invalid header")
}

func TestDeleteAndList(t *testing.T) {
	url, store := startServer(t)
	ctx := context.Background()
	_, err := store.Create(ctx, map[string]any{"id": "a"})
	require.NoError(t, err)
	_, err = store.Create(ctx, map[string]any{"id": "b"})
	require.NoError(t, err)

	out, _, err := execute(t, "delete", "companies", "a", "-s", url)
	require.NoError(t, err)
	assert.Equal(t, "deleted companies/a\n", out)

	out, _, err = execute(t, "list", "companies", "-s", url)
	require.NoError(t, err)
	var items []resource.Entity
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "b", items[0].ID)
}
