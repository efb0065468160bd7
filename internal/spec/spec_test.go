package spec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const swaggerDoc = `{
  "swagger": "2.0",
  "info": {"title": "Taxa", "version": "1", "description": "Nature data"},
  "host": "api.example.org",
  "basePath": "/v1",
  "securityDefinitions": {"api_token": {"type": "apiKey", "in": "header", "name": "Authorization"}},
  "parameters": {
    "per_page": {"name": "per_page", "in": "query", "type": "integer", "default": 30, "maximum": 200},
    "page": {"name": "page", "in": "query", "type": "integer"}
  },
  "paths": {
    "/taxa/{id}": {
      "parameters": [{"name": "id", "in": "path", "required": true, "type": "array", "items": {"type": "integer"}}],
      "get": {
        "summary": "Taxon details",
        "parameters": [{"$ref": "#/parameters/per_page"}, {"$ref": "#/parameters/missing"}]
      }
    },
    "/taxa": {
      "get": {
        "description": "Search taxa",
        "parameters": [
          {"name": "q", "in": "query", "type": "string"},
          {"name": "d1", "in": "query", "type": "string", "format": "date"},
          {"$ref": "#/parameters/per_page"},
          {"$ref": "#/parameters/page"}
        ]
      },
      "post": {"summary": "Create"}
    },
    "/users/me": {
      "get": {"security": [{"api_token": []}]},
      "put": {}
    }
  }
}`

const openapiDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "Things", "version": "2"},
  "servers": [{"url": "https://things.example.org/api"}],
  "security": [{"bearer": []}],
  "components": {
    "securitySchemes": {"bearer": {"type": "http", "scheme": "bearer"}},
    "parameters": {"limit": {"name": "limit", "in": "query", "schema": {"type": "integer", "default": 10}}}
  },
  "paths": {
    "/things": {
      "get": {
        "parameters": [
          {"$ref": "#/components/parameters/limit"},
          {"name": "tags", "in": "query", "schema": {"type": "array", "items": {"type": "string"}}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`

func TestParseKeepsDeclarationOrder(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	assert.Equal(t, []string{"/taxa/{id}", "/taxa", "/users/me"}, doc.Paths())
	assert.Equal(t, []Endpoint{
		{Path: "/taxa/{id}", Method: "get"},
		{Path: "/taxa", Method: "get"},
		{Path: "/taxa", Method: "post"},
		{Path: "/users/me", Method: "get"},
		{Path: "/users/me", Method: "put"},
	}, doc.Endpoints())
	assert.Equal(t, []string{"/taxa/{id}", "/taxa", "/users/me"}, doc.GetPaths())
	assert.Equal(t, "Nature data", doc.Description())
}

func TestParseRejectsNonSpec(t *testing.T) {
	_, err := Parse([]byte(`{"swagger": "2.0"}`))
	assert.ErrorIs(t, err, ErrNotOpenAPI)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestParametersResolveRefs(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	params := doc.Parameters("/taxa/{id}")
	require.Len(t, params, 2)
	assert.Equal(t, "id", params[0].Name)
	assert.Equal(t, "path", params[0].In)
	assert.Equal(t, "Array[integer]", params[0].DataType())
	assert.Equal(t, "per_page", params[1].Name)
	assert.Equal(t, float64(30), params[1].Default)
	require.NotNil(t, params[1].Maximum)
	assert.Equal(t, float64(200), *params[1].Maximum)

	types := doc.ParameterTypes("/taxa")
	assert.Equal(t, ParamType{Location: "query", DataType: "date"}, types["d1"])
	assert.Equal(t, ParamType{Location: "query", DataType: "integer"}, types["page"])

	assert.Nil(t, doc.Parameters("/nope"))
}

func TestOpenAPI3Parameters(t *testing.T) {
	doc, err := Parse([]byte(openapiDoc))
	require.NoError(t, err)

	params := doc.Parameters("/things")
	require.Len(t, params, 2)
	assert.Equal(t, "integer", params[0].Type)
	assert.Equal(t, float64(10), params[0].Default)
	assert.Equal(t, "Array[string]", params[1].DataType())

	assert.True(t, doc.RequiresAuth("/things"), "root security applies")
	assert.Contains(t, doc.SecuritySchemes(), "bearer")

	s := doc.Summary()
	assert.Equal(t, "openapi 3.0.0", s.Format)
	assert.Equal(t, []string{"https://things.example.org/api"}, s.Servers)
}

func TestRequiresAuth(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	assert.True(t, doc.RequiresAuth("/users/me"))
	assert.False(t, doc.RequiresAuth("/taxa"))
	assert.False(t, doc.RequiresAuth("/missing"))
}

func TestUsage(t *testing.T) {
	doc, err := Parse([]byte(swaggerDoc))
	require.NoError(t, err)

	u, ok := doc.Usage("/taxa/{id}")
	require.True(t, ok)
	assert.Equal(t, "Taxon details", u.Summary)
	assert.Equal(t, "No description available", u.Description)

	u, ok = doc.Usage("/taxa")
	require.True(t, ok)
	assert.Equal(t, "Search taxa", u.Description)
	assert.Len(t, u.Parameters, 4)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Validate(ctx, []byte(swaggerDoc), true))
	assert.NoError(t, Validate(ctx, []byte(openapiDoc), true))
	assert.Error(t, Validate(ctx, []byte(`{"openapi": "3.0.0", "paths": {"/x": {"get": {"parameters": [{"$ref": "#/nowhere"}]}}}}`), false))
	assert.NoError(t, Validate(ctx, []byte(`{"paths": {}}`), true))
}

func TestFileCacheRoundTrip(t *testing.T) {
	c := &FileCache{Path: filepath.Join(t.TempDir(), "sub", "spec.json")}

	_, _, err := c.Load()
	assert.ErrorIs(t, err, ErrCacheMiss)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.Store([]byte(swaggerDoc), at))

	data, got, err := c.Load()
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	doc, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"/taxa/{id}", "/taxa", "/users/me"}, doc.Paths())
	assert.NotContains(t, doc.Raw(), "cached_date")

	// Restamping shadows the previous date.
	later := at.Add(time.Hour)
	require.NoError(t, c.Store(data, later))
	_, got, err = c.Load()
	require.NoError(t, err)
	assert.True(t, later.Equal(got))
}

func TestFileCacheNaiveTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"paths": {}, "cached_date": "2024-03-01T12:00:00.123456"}`), 0o644))

	_, at, err := (&FileCache{Path: path}).Load()
	require.NoError(t, err)
	assert.Equal(t, 2024, at.Year())
	assert.Equal(t, time.Local, at.Location())
}

func specServer(t *testing.T, routes map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestLoaderTriesCandidatesInOrder(t *testing.T) {
	srv, _ := specServer(t, map[string]string{
		"/swagger.json":    `{"swagger": "2.0", "paths": {"/second": {"get": {}}}}`,
		"/api-docs.json":   `{"swagger": "2.0", "paths": {"/fourth": {"get": {}}}}`,
		"/v1/swagger.json": `<html>not json</html>`,
	})

	doc, err := NewLoader(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/second"}, doc.Paths())
	assert.False(t, doc.CachedAt.IsZero())
}

func TestLoaderAllCandidatesFail(t *testing.T) {
	srv, hits := specServer(t, nil)

	_, err := NewLoader(srv.URL).Load(context.Background())
	require.ErrorIs(t, err, ErrSpecUnavailable)
	assert.Equal(t, int32(len(DefaultCandidates)), hits.Load())
	assert.Contains(t, err.Error(), "status 404")
}

func TestLoaderUsesFreshCache(t *testing.T) {
	srv, hits := specServer(t, map[string]string{"/swagger.json": swaggerDoc})
	path := filepath.Join(t.TempDir(), "spec.json")
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	l := NewLoader(srv.URL, WithCacheFile(path), WithClock(clock), WithCandidates("/swagger.json"))

	doc, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, doc.Paths(), 3)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(6 * 24 * time.Hour)
	doc, err = l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "fresh cache should not refetch")
	assert.Equal(t, []string{"/taxa/{id}", "/taxa", "/users/me"}, doc.Paths())

	now = now.Add(2 * 24 * time.Hour)
	_, err = l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "stale cache should refetch")
}

func TestLoaderFallsBackFromCorruptCache(t *testing.T) {
	srv, hits := specServer(t, map[string]string{"/openapi.json": openapiDoc})
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cached_date": "2999-01-01T00:00:00Z", "broken": true}`), 0o644))

	doc, err := NewLoader(srv.URL, WithCacheFile(path)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/things"}, doc.Paths())
	assert.Equal(t, int32(3), hits.Load())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"cached_date"`))
}

func TestLoaderStrictRejectsBrokenDocument(t *testing.T) {
	srv, _ := specServer(t, map[string]string{
		"/openapi.json": `{"openapi": "3.0.0", "paths": {"/x": {"get": {"parameters": [{"$ref": "#/nowhere"}]}}}}`,
	})

	_, err := NewLoader(srv.URL, WithStrictValidation(true)).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrSpecUnavailable)

	doc, err := NewLoader(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/x"}, doc.Paths())
}
