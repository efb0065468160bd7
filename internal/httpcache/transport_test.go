package httpcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, cl *http.Client, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := cl.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestETagRevalidation(t *testing.T) {
	var ifNoneMatch atomic.Value
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			ifNoneMatch.Store(inm)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	t.Cleanup(srv.Close)

	tr := NewTransport(nil, Config{Enabled: true, TTL: 0, MaxEntries: 8}).(*Transport)
	cl := &http.Client{Transport: tr}

	resp, body := get(t, cl, srv.URL+"/observations")
	assert.Equal(t, "miss", resp.Header.Get(StatusHeader))
	assert.Equal(t, `{"results": []}`, body)

	resp, body = get(t, cl, srv.URL+"/observations")
	assert.Equal(t, "revalidated", resp.Header.Get(StatusHeader))
	assert.Equal(t, `{"results": []}`, body)
	assert.Equal(t, `"v1"`, ifNoneMatch.Load())
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, 1, tr.Cache().Stats().Revalidations)
}

func TestFreshEntryIsServedLocally(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	tr := NewTransport(nil, Config{Enabled: true, TTL: time.Minute}).(*Transport)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	cl := &http.Client{Transport: tr}

	get(t, cl, srv.URL+"/taxa?q=ant")
	resp, body := get(t, cl, srv.URL+"/taxa?q=ant")
	assert.Equal(t, "hit", resp.Header.Get(StatusHeader))
	assert.Equal(t, "ok", body)
	assert.Equal(t, int64(1), hits.Load())

	get(t, cl, srv.URL+"/taxa?q=bee")
	assert.Equal(t, int64(2), hits.Load())

	now = now.Add(2 * time.Minute)
	get(t, cl, srv.URL+"/taxa?q=ant")
	assert.Equal(t, int64(3), hits.Load(), "expired entry without ETag is refetched")
}

func TestKeySeparatesAuthorization(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	t.Cleanup(srv.Close)

	cl := &http.Client{Transport: NewTransport(nil, Config{Enabled: true, TTL: time.Minute})}

	_, a := get(t, cl, srv.URL+"/users/me", "Authorization", "Bearer A")
	_, b := get(t, cl, srv.URL+"/users/me", "Authorization", "Bearer B")
	assert.Equal(t, "Bearer A", a)
	assert.Equal(t, "Bearer B", b)
	assert.Equal(t, int64(2), hits.Load())
}

func TestErrorsAreNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	cl := &http.Client{Transport: NewTransport(nil, Config{Enabled: true, TTL: time.Minute})}

	resp, _ := get(t, cl, srv.URL+"/users/me")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body := get(t, cl, srv.URL+"/users/me")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
}

func TestOversizedBodyBypassesCache(t *testing.T) {
	payload := strings.Repeat("x", 64)
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(srv.Close)

	tr := NewTransport(nil, Config{Enabled: true, TTL: time.Minute, MaxBodyBytes: 16}).(*Transport)
	cl := &http.Client{Transport: tr}

	resp, body := get(t, cl, srv.URL+"/big")
	assert.Equal(t, "bypass", resp.Header.Get(StatusHeader))
	assert.Equal(t, payload, body)
	get(t, cl, srv.URL+"/big")
	assert.Equal(t, int64(2), hits.Load())
	assert.Zero(t, tr.Cache().Len())
}

func TestLRUEviction(t *testing.T) {
	c := New(time.Minute, 2)
	at := time.Now()
	c.put("a", 200, http.Header{}, nil, at)
	c.put("b", 200, http.Header{}, nil, at)
	_, _ = c.get("a")
	c.put("c", 200, http.Header{}, nil, at)

	_, ok := c.get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Stats().Evictions)

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestDisabledReturnsBase(t *testing.T) {
	base := &http.Transport{}
	assert.Same(t, base, NewTransport(base, Config{}))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BARD_HTTP_CACHE", "yes")
	t.Setenv("BARD_HTTP_CACHE_TTL", "90")
	t.Setenv("BARD_HTTP_CACHE_MAX_ENTRIES", "12")
	t.Setenv("BARD_HTTP_CACHE_MAX_BODY_BYTES", "nope")

	cfg := ConfigFromEnv()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 90*time.Second, cfg.TTL)
	assert.Equal(t, 12, cfg.MaxEntries)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.MaxBodyBytes)

	t.Setenv("BARD_HTTP_CACHE_TTL", "2m")
	assert.Equal(t, 2*time.Minute, ConfigFromEnv().TTL)

	t.Setenv("BARD_HTTP_CACHE", "")
	assert.False(t, ConfigFromEnv().Enabled)
}
