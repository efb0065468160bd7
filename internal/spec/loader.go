package spec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrSpecUnavailable means no candidate location produced a usable
// specification. Nothing else in the client can work without one.
var ErrSpecUnavailable = errors.New("specification unavailable")

// DefaultCandidates are tried in order against the documentation URL.
var DefaultCandidates = []string{
	"/v1/swagger.json",
	"/swagger.json",
	"/openapi.json",
	"/api-docs.json",
	"/v1/api-docs.json",
}

// DefaultCacheTTL is how long a cached specification is trusted.
const DefaultCacheTTL = 7 * 24 * time.Hour

const maxSpecBytes = 32 << 20

// Loader fetches a specification, preferring a fresh enough local copy.
type Loader struct {
	docURL     string
	client     *http.Client
	cache      *FileCache
	ttl        time.Duration
	candidates []string
	strict     bool
	logger     *slog.Logger
	now        func() time.Time
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient sets the client used for fetching.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *Loader) { l.client = c }
}

// WithCacheFile enables the on-disk cache at path.
func WithCacheFile(path string) LoaderOption {
	return func(l *Loader) {
		if path == "" {
			l.cache = nil
			return
		}
		l.cache = &FileCache{Path: path}
	}
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) LoaderOption {
	return func(l *Loader) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithCandidates overrides DefaultCandidates.
func WithCandidates(paths ...string) LoaderOption {
	return func(l *Loader) { l.candidates = paths }
}

// WithStrictValidation rejects candidates that kin-openapi cannot load.
// Otherwise such failures are only logged.
func WithStrictValidation(strict bool) LoaderOption {
	return func(l *Loader) { l.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a loader for the documentation site at docURL.
func NewLoader(docURL string, opts ...LoaderOption) *Loader {
	l := &Loader{
		docURL:     docURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		ttl:        DefaultCacheTTL,
		candidates: DefaultCandidates,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the cached specification if it is younger than the TTL, and
// otherwise fetches a new one.
func (l *Loader) Load(ctx context.Context) (*Document, error) {
	if l.cache != nil {
		data, at, err := l.cache.Load()
		switch {
		case err != nil:
			l.logger.Debug("spec cache unusable", "path", l.cache.Path, "err", err)
		case l.now().Sub(at) >= l.ttl:
			l.logger.Info("spec cache is stale", "path", l.cache.Path, "cached_date", at)
		default:
			doc, err := Parse(data)
			if err == nil {
				doc.CachedAt = at
				l.logger.Debug("using cached spec", "path", l.cache.Path, "cached_date", at)
				return doc, nil
			}
			l.logger.Warn("spec cache is corrupt", "path", l.cache.Path, "err", err)
		}
	}
	return l.Fetch(ctx)
}

// Fetch ignores the cache, tries every candidate location and stores the
// first valid document.
func (l *Loader) Fetch(ctx context.Context) (*Document, error) {
	base, err := url.Parse(l.docURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad documentation url %q: %v", ErrSpecUnavailable, l.docURL, err)
	}

	var lastErr error
	for _, candidate := range l.candidates {
		target := base.ResolveReference(&url.URL{Path: candidate}).String()
		doc, data, err := l.fetchOne(ctx, target)
		if err != nil {
			l.logger.Debug("spec candidate rejected", "url", target, "err", err)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		now := l.now()
		doc.CachedAt = now
		if l.cache != nil {
			if err := l.cache.Store(data, now); err != nil {
				l.logger.Warn("could not write spec cache", "path", l.cache.Path, "err", err)
			}
		}
		l.logger.Info("fetched spec", "url", target, "paths", len(doc.order))
		return doc, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate locations configured")
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrSpecUnavailable, l.docURL, lastErr)
}

func (l *Loader) fetchOne(ctx context.Context, target string) (*Document, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", target, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	if err := Validate(ctx, data, l.strict); err != nil {
		if l.strict {
			return nil, nil, err
		}
		l.logger.Warn("spec failed openapi validation, using it anyway", "url", target, "err", err)
	}
	return doc, data, nil
}
