// Package bard is the entry point for talking to one biodiversity API
// server: it loads the server's OpenAPI document, turns loose endpoint
// names into requests and runs them with authentication and pagination.
package bard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/config"
	"github.com/golovatskygroup/bard/internal/fanout"
	"github.com/golovatskygroup/bard/internal/history"
	"github.com/golovatskygroup/bard/internal/httpcache"
	"github.com/golovatskygroup/bard/internal/logging"
	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/request"
	"github.com/golovatskygroup/bard/internal/resolver"
	"github.com/golovatskygroup/bard/internal/spec"
)

var ErrNoHistory = errors.New("request history is not configured")

// Prompter answers every question the client may need to ask a person.
// prompt.Console implements it.
type Prompter interface {
	resolver.Chooser
	params.KeyResolver
	auth.EndpointPrompter
	auth.TokenPrompter
	request.Recovery
}

// Client talks to one API server.
type Client struct {
	name     string
	inst     config.Instance
	baseURL  string
	docURL   string
	doc      *spec.Document
	resolver *resolver.Resolver
	auth     *auth.Manager
	exec     *request.Executor
	http     *http.Client
	plain    *http.Client
	keys     params.KeyResolver
	history  *history.Store
	logOut   io.Writer
	logger   *slog.Logger
	prompter Prompter
	closers  []io.Closer
	root     bool
}

type options struct {
	logOut   io.Writer
	logger   *slog.Logger
	client   *http.Client
	prompter Prompter
	keys     params.KeyResolver
}

// Option configures New.
type Option func(*options)

// WithLogOutput sends log records to w at the instance verbosity. The
// default is os.Stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithLogger replaces the logger built from the verbosity.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient replaces the client used for every request, including the
// specification download.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithPrompter makes the client interactive.
func WithPrompter(p Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithKeyResolver sets the policy for unknown parameter keys. It defaults
// to the prompter when there is one, otherwise to params.Reject.
func WithKeyResolver(r params.KeyResolver) Option {
	return func(o *options) { o.keys = r }
}

// New loads the specification of inst and wires a client for it. File
// paths in inst are used as given; see config.Instance.InDir.
func New(ctx context.Context, name string, inst config.Instance, opts ...Option) (*Client, error) {
	o := options{logOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.New(o.logOut, inst.Verbosity, name)
	}

	baseURL, docURL, err := config.ParseURL(inst.APIURL)
	if err != nil {
		return nil, err
	}
	if inst.DocURL != "" {
		docURL = strings.TrimRight(inst.DocURL, "/")
	}

	// Login and the specification bypass the response cache.
	specClient, apiClient := o.client, o.client
	if o.client == nil {
		specClient = &http.Client{Timeout: inst.RequestTimeout, Transport: instrument(http.DefaultTransport)}
		apiClient = &http.Client{
			Timeout:   inst.RequestTimeout,
			Transport: instrument(httpcache.NewTransport(http.DefaultTransport, inst.HTTPCache)),
		}
	}

	c := &Client{
		name:     name,
		inst:     inst,
		baseURL:  baseURL,
		docURL:   docURL,
		http:     apiClient,
		plain:    specClient,
		logOut:   o.logOut,
		logger:   logger,
		prompter: o.prompter,
		keys:     o.keys,
		root:     true,
	}
	if c.keys == nil {
		c.keys = params.Reject
		if o.prompter != nil {
			c.keys = o.prompter
		}
	}

	loaderOpts := []spec.LoaderOption{
		spec.WithHTTPClient(specClient),
		spec.WithCacheTTL(inst.SpecCacheTTL),
		spec.WithStrictValidation(inst.StrictValidation),
		spec.WithLogger(logger),
	}
	if inst.SpecCache != "" {
		if err := ensureDir(inst.SpecCache); err != nil {
			return nil, err
		}
		loaderOpts = append(loaderOpts, spec.WithCacheFile(inst.SpecCache))
	}
	c.doc, err = spec.NewLoader(docURL, loaderOpts...).Load(ctx)
	if err != nil {
		return nil, err
	}

	store, err := c.sessionStore()
	if err != nil {
		c.Close()
		return nil, err
	}
	authOpts := []auth.Option{
		auth.WithStore(store),
		auth.WithDocument(c.doc),
		auth.WithBaseURL(baseURL),
		auth.WithDocURL(docURL),
		auth.WithEndpoint(inst.AuthEndpoint),
		auth.WithHTTPClient(specClient),
		auth.WithInteractiveLogin(c.interactiveLogin()),
		auth.WithLogger(logger),
		auth.WithTokenLifetime(inst.TokenLifetime),
	}
	if o.prompter != nil {
		authOpts = append(authOpts, auth.WithEndpointPrompter(o.prompter))
	}
	c.auth = auth.NewManager(authOpts...)

	if inst.HistoryDB != "" {
		if !strings.Contains(inst.HistoryDB, "://") {
			if err := ensureDir(inst.HistoryDB); err != nil {
				c.Close()
				return nil, err
			}
		}
		if c.history, err = history.Open(inst.HistoryDB, name); err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, c.history)
	}

	c.rewire()
	logger.Info("client ready", "api", baseURL, "docs", docURL, "endpoints", len(c.resolver.Calls()))
	return c, nil
}

func instrument(rt http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(rt, otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return "bard " + r.Method + " " + r.URL.Path
	}))
}

func (c *Client) sessionStore() (auth.Store, error) {
	switch {
	case c.inst.SessionDB != "":
		if err := ensureDir(c.inst.SessionDB); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite3", c.inst.SessionDB)
		if err != nil {
			return nil, fmt.Errorf("open session db: %w", err)
		}
		db.SetMaxOpenConns(1)
		c.closers = append(c.closers, db)
		return auth.NewSQLiteStore(db, c.name)
	case c.inst.TokenFile != "":
		if err := ensureDir(c.inst.TokenFile); err != nil {
			return nil, err
		}
		return auth.FileStore{Path: c.inst.TokenFile}, nil
	}
	return &auth.MemoryStore{}, nil
}

func (c *Client) interactiveLogin() auth.InteractiveLogin {
	form := auth.FormLogin{
		Client:       c.plain,
		Timeout:      c.inst.Login.Timeout,
		PollInterval: c.inst.Login.PollInterval,
		Logger:       c.logger,
	}
	var paste auth.InteractiveLogin = auth.NoLogin{}
	if c.prompter != nil {
		paste = auth.ManualPaste{Prompter: c.prompter}
	}
	switch c.inst.Login.Mode {
	case config.LoginNone:
		return auth.NoLogin{}
	case config.LoginPaste:
		return paste
	case config.LoginForm:
		return form
	}
	return auth.Chain{form, paste}
}

// rewire rebuilds the resolver and executor from the current settings.
func (c *Client) rewire() {
	ropts := []resolver.Option{resolver.WithStrict(c.inst.StrictMatching), resolver.WithLogger(c.logger)}
	if c.prompter != nil {
		ropts = append(ropts, resolver.WithChooser(c.prompter))
	}
	c.resolver = resolver.New(c.doc, ropts...)

	eopts := []request.ExecutorOption{
		request.WithHTTPClient(c.http),
		request.WithAuthenticator(c.auth),
		request.WithLogger(c.logger),
	}
	if c.prompter != nil {
		eopts = append(eopts, request.WithRecovery(c.prompter))
	}
	if c.history != nil {
		eopts = append(eopts, request.WithRecorder(c.history))
	}
	if c.inst.RateLimit > 0 {
		eopts = append(eopts, request.WithRateLimit(c.inst.RateLimit, c.inst.RateBurst))
	}
	c.exec = request.NewExecutor(c.baseURL, c.doc, eopts...)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// Overrides are temporary settings for With. Nil fields keep the current
// value.
type Overrides struct {
	Verbosity      *int
	StrictMatching *bool
	TokenLifetime  *time.Duration
}

// With returns a client that applies o and shares the specification,
// session and history of c. c itself is unchanged. Closing the derived
// client is a no-op.
func (c *Client) With(o Overrides) *Client {
	cp := *c
	cp.root = false
	cp.closers = nil
	if o.Verbosity != nil {
		cp.inst.Verbosity = *o.Verbosity
		cp.logger = logging.New(c.logOut, *o.Verbosity, c.name)
	}
	if o.StrictMatching != nil {
		cp.inst.StrictMatching = *o.StrictMatching
	}
	if o.TokenLifetime != nil {
		cp.inst.TokenLifetime = *o.TokenLifetime
		cp.auth = c.auth.WithLifetime(*o.TokenLifetime)
	}
	cp.rewire()
	return &cp
}

// Close releases the databases opened by New.
func (c *Client) Close() error {
	if !c.root {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Client) Name() string { return c.name }

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) DocURL() string { return c.docURL }

func (c *Client) Document() *spec.Document { return c.doc }

func (c *Client) Instance() config.Instance { return c.inst }

func (c *Client) Logger() *slog.Logger { return c.logger }

// AuthState reports where the shared session is in its lifecycle.
func (c *Client) AuthState() auth.State { return c.auth.State() }

func (c *Client) Session() auth.Session { return c.auth.Session() }

// Endpoints lists the GET-capable paths in declaration order.
func (c *Client) Endpoints() []string { return c.resolver.Calls() }

// Resolve maps text to one endpoint path.
func (c *Client) Resolve(ctx context.Context, text string) (string, error) {
	return c.resolver.Resolve(ctx, text)
}

// Parameters resolves text and returns a container for the endpoint,
// seeded with the declared defaults.
func (c *Client) Parameters(ctx context.Context, text string) (*params.Container, error) {
	endpoint, err := c.resolver.Resolve(ctx, text)
	if err != nil {
		return nil, err
	}
	return params.New(endpoint, c.doc.Parameters(endpoint), params.WithKeyResolver(c.keys), params.WithDefaults()), nil
}

// ParameterTypes reports where each parameter of the endpoint for text
// goes and how it is typed.
func (c *Client) ParameterTypes(ctx context.Context, text string) (map[string]spec.ParamType, error) {
	endpoint, err := c.resolver.Resolve(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.doc.ParameterTypes(endpoint), nil
}

// BuildURL renders the request URL for p without sending anything.
func (c *Client) BuildURL(p *params.Container) (string, error) {
	return request.Build(c.baseURL, p, c.doc.ParameterTypes(p.Endpoint()))
}

// Execute sends the request for p, paginating when the endpoint allows
// it. With validate_params set, values are checked against the declared
// schema first.
func (c *Client) Execute(ctx context.Context, p *params.Container, opts ...request.ExecOption) (*request.Response, error) {
	if c.inst.ValidateParams {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return c.exec.Execute(ctx, p, opts...)
}

// Call resolves text, fills in values and executes the request.
func (c *Client) Call(ctx context.Context, text string, values map[string]any, opts ...request.ExecOption) (*request.Response, error) {
	p, err := c.Parameters(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := p.Update(ctx, values); err != nil {
		return nil, err
	}
	return c.Execute(ctx, p, opts...)
}

// Authenticate makes sure a valid session exists.
func (c *Client) Authenticate(ctx context.Context, creds auth.Credentials) error {
	return c.auth.Authenticate(ctx, creds)
}

// SetToken installs a token obtained elsewhere. lifetime <= 0 uses the
// configured token lifetime.
func (c *Client) SetToken(ctx context.Context, token string, lifetime time.Duration) error {
	return c.auth.SetToken(ctx, token, lifetime)
}

// DocLink returns the documentation URL for the endpoint best matching
// text. Several matches go to the chooser when there is one, otherwise the
// first wins. The plain doc URL is returned when nothing matches or the
// choice is cancelled.
func (c *Client) DocLink(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return c.docURL, nil
	}
	matches := c.resolver.FindEndpoints(text)
	if len(matches) == 0 {
		c.logger.Warn("no endpoint matches, linking the general documentation", "input", text)
		return c.docURL, nil
	}
	pick := matches[0]
	if len(matches) > 1 && c.prompter != nil {
		labels := make([]string, len(matches))
		for i, m := range matches {
			labels[i] = strings.ToUpper(m.Method) + " " + m.Path
		}
		idx, err := c.prompter.Choose(ctx, text, labels, false)
		if err != nil {
			return "", err
		}
		if idx < 0 {
			return c.docURL, nil
		}
		pick = matches[idx]
	}
	base, err := url.Parse(c.docURL)
	if err != nil {
		return "", fmt.Errorf("doc url: %w", err)
	}
	return base.ResolveReference(&url.URL{Fragment: strings.TrimPrefix(resolver.DocLink(pick.Path, pick.Method), "#")}).String(), nil
}

// Density runs base once per window and box, time-major, over the
// configured number of workers.
func (c *Client) Density(ctx context.Context, base *params.Container, boxes []fanout.Box, windows []fanout.Window, opts ...request.ExecOption) ([][]*request.Response, error) {
	call := func(ctx context.Context, p *params.Container) (*request.Response, error) {
		return c.Execute(ctx, p, opts...)
	}
	return fanout.Density(ctx, call, base, boxes, windows, c.inst.Workers)
}

// Periodic splits the date range of base into windows.
func (c *Client) Periodic(ctx context.Context, base *params.Container, opts fanout.Options) ([]*params.Container, error) {
	return fanout.Periodic(ctx, base, opts)
}

// History lists the newest logged requests.
func (c *Client) History(ctx context.Context, limit int) ([]history.Entry, error) {
	if c.history == nil {
		return nil, ErrNoHistory
	}
	return c.history.Recent(ctx, limit)
}

// PruneHistory drops log entries older than before.
func (c *Client) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if c.history == nil {
		return 0, ErrNoHistory
	}
	return c.history.Prune(ctx, before)
}
