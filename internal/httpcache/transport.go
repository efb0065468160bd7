package httpcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTTL          = 5 * time.Minute
	DefaultMaxEntries   = 256
	DefaultMaxBodyBytes = 2 << 20

	// StatusHeader reports how a response was served: hit, revalidated or
	// miss.
	StatusHeader = "X-Bard-Cache"
)

// Config controls the response cache.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	TTL          time.Duration `yaml:"ttl"`
	MaxEntries   int           `yaml:"max_entries"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// DefaultConfig is a disabled cache with default limits.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, MaxEntries: DefaultMaxEntries, MaxBodyBytes: DefaultMaxBodyBytes}
}

// ApplyEnv overlays BARD_HTTP_CACHE, BARD_HTTP_CACHE_TTL (a duration or
// seconds), BARD_HTTP_CACHE_MAX_ENTRIES and BARD_HTTP_CACHE_MAX_BODY_BYTES.
// Unparseable values are ignored.
func (c Config) ApplyEnv() Config {
	if v := strings.TrimSpace(os.Getenv("BARD_HTTP_CACHE")); v != "" {
		c.Enabled = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
	}
	if v := strings.TrimSpace(os.Getenv("BARD_HTTP_CACHE_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			c.TTL = d
		} else if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.TTL = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("BARD_HTTP_CACHE_MAX_ENTRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxEntries = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BARD_HTTP_CACHE_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxBodyBytes = n
		}
	}
	return c
}

// ConfigFromEnv is DefaultConfig with the environment applied.
func ConfigFromEnv() Config { return DefaultConfig().ApplyEnv() }

// Transport serves repeated GETs from a Cache. Only 200 responses are
// stored; errors, 401s and oversized bodies always go to the network.
type Transport struct {
	base         http.RoundTripper
	cache        *Cache
	maxBodyBytes int64
	keyHeaders   []string
	now          func() time.Time
}

// NewTransport wraps base. A disabled config returns base unchanged.
func NewTransport(base http.RoundTripper, cfg Config) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !cfg.Enabled {
		return base
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Transport{
		base:         base,
		cache:        New(cfg.TTL, cfg.MaxEntries),
		maxBodyBytes: cfg.MaxBodyBytes,
		keyHeaders:   []string{"Authorization", "Accept", "Accept-Language"},
		now:          time.Now,
	}
}

// Cache exposes the underlying store.
func (t *Transport) Cache() *Cache { return t.cache }

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("httpcache: nil request")
	}
	if req.Method != http.MethodGet || strings.Contains(req.Header.Get("Cache-Control"), "no-cache") {
		return t.base.RoundTrip(req)
	}

	key := req.URL.String() + " " + fingerprint(req.Header, t.keyHeaders)

	ent, ok := t.cache.get(key)
	if ok && ent.fresh(t.cache.ttl, t.now()) {
		t.cache.count(true, false)
		return replay(req, ent, "hit"), nil
	}

	outgoing := req
	if ok && ent.etag != "" {
		outgoing = req.Clone(req.Context())
		outgoing.Header.Set("If-None-Match", ent.etag)
	}

	resp, err := t.base.RoundTrip(outgoing)
	if err != nil {
		return nil, err
	}
	if ok && resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		t.cache.touch(key, t.now())
		t.cache.count(false, true)
		return replay(req, ent, "revalidated"), nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("httpcache: read body: %w", err)
	}
	if int64(len(body)) > t.maxBodyBytes {
		// Too large to keep: stream what was read followed by the rest.
		resp.Header.Set(StatusHeader, "bypass")
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return resp, nil
	}
	resp.Body.Close()

	stored := t.cache.put(key, resp.StatusCode, resp.Header, body, t.now())
	return replay(req, stored, "miss"), nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func replay(req *http.Request, ent entry, how string) *http.Response {
	status := ent.status
	if status == 0 {
		status = http.StatusOK
	}
	header := cloneHeader(ent.header)
	header.Set(StatusHeader, how)
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(ent.body)),
		ContentLength: int64(len(ent.body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
}
