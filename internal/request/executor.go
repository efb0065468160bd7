package request

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/spec"
)

var (
	ErrRequestFailed          = errors.New("request failed")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAborted                = errors.New("request aborted")
)

const (
	// DefaultPerPage is used when a paginated call leaves per_page empty.
	DefaultPerPage = 200

	maxBodyBytes = 64 << 20
)

// RequestError describes a failed exchange.
type RequestError struct {
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	switch {
	case e.Err != nil && e.Status == 0:
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("GET %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Status)
}

func (e *RequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRequestFailed, e.Err}
	}
	return []error{ErrRequestFailed}
}

// Response is the outcome of Execute. Paginated calls fill TotalResults and
// Results; other calls, and paginated endpoints answering without a results
// key, fill Payload.
type Response struct {
	TotalResults *int
	Results      []any
	Payload      any
	Pages        int
	// Err is set when pagination stopped early. Results holds what was
	// gathered before the failure.
	Err error
}

// Data is the JSON shape callers usually want: the payload, or
// {"total_results", "results"} for paginated calls.
func (r *Response) Data() any {
	if r.Payload != nil || r.Results == nil && r.TotalResults == nil {
		return r.Payload
	}
	out := map[string]any{"results": r.Results, "total_results": nil}
	if r.TotalResults != nil {
		out["total_results"] = *r.TotalResults
	}
	return out
}

func (r *Response) MarshalJSON() ([]byte, error) { return json.Marshal(r.Data()) }

// Authenticator is the part of auth.Manager the executor drives.
type Authenticator interface {
	Token() (string, bool)
	Authenticate(ctx context.Context, creds auth.Credentials) error
	SetToken(ctx context.Context, token string, lifetime time.Duration) error
	Invalidate()
}

// Exchange is one HTTP round trip, reported to a Recorder.
type Exchange struct {
	ID       string
	URL      string
	Endpoint string
	Status   int
	Duration time.Duration
	Results  int
	Err      error
	At       time.Time
}

// Recorder receives every exchange. Errors it returns are logged and
// otherwise ignored.
type Recorder interface {
	Record(ctx context.Context, ex Exchange) error
}

// Executor sends GET requests for parameter containers.
type Executor struct {
	baseURL  string
	doc      *spec.Document
	client   *http.Client
	auth     Authenticator
	recovery Recovery
	recorder Recorder
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

func WithAuthenticator(a Authenticator) ExecutorOption {
	return func(e *Executor) { e.auth = a }
}

// WithRecovery decides what happens after a 401. The default aborts.
func WithRecovery(r Recovery) ExecutorOption {
	return func(e *Executor) { e.recovery = r }
}

func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithRateLimit spaces requests so no more than perSecond are sent on
// average, allowing bursts of burst. perSecond <= 0 disables the limit.
func WithRateLimit(perSecond float64, burst int) ExecutorOption {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor for the API at baseURL described by doc.
func NewExecutor(baseURL string, doc *spec.Document, opts ...ExecutorOption) *Executor {
	e := &Executor{
		baseURL:  baseURL,
		doc:      doc,
		client:   &http.Client{Timeout: 30 * time.Second},
		recovery: AbortRecovery{},
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type execConfig struct {
	maxResults int
	creds      auth.Credentials
}

// ExecOption configures one Execute call.
type ExecOption func(*execConfig)

// WithMaxResults stops pagination once n results are gathered and trims
// the rest.
func WithMaxResults(n int) ExecOption {
	return func(c *execConfig) { c.maxResults = n }
}

// WithCredentials passes login details. Keys are matched loosely:
// username, user, email or mail; password, pass or secret.
func WithCredentials(kv map[string]string) ExecOption {
	return func(c *execConfig) { c.creds = CredentialsFrom(kv) }
}

var (
	usernameAliases = []string{"username", "user", "email", "mail"}
	passwordAliases = []string{"password", "pass", "secret"}
)

// CredentialsFrom picks the username and password out of kv.
func CredentialsFrom(kv map[string]string) auth.Credentials {
	var c auth.Credentials
	for _, k := range usernameAliases {
		if v, ok := kv[k]; ok {
			c.Username = v
			break
		}
	}
	for _, k := range passwordAliases {
		if v, ok := kv[k]; ok {
			c.Password = v
			break
		}
	}
	return c
}

// Execute runs the call described by c. Endpoints that declare both
// per_page and page are paginated.
func (e *Executor) Execute(ctx context.Context, c *params.Container, opts ...ExecOption) (*Response, error) {
	cfg := execConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	endpoint := c.Endpoint()
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}

	needsAuth := e.doc != nil && e.doc.RequiresAuth(endpoint)
	if needsAuth {
		if err := e.ensureAuth(ctx, cfg.creds); err != nil {
			return nil, err
		}
	}

	if !c.Allowed("per_page") || !c.Allowed("page") {
		return e.single(ctx, c, cfg, needsAuth)
	}
	return e.paginate(ctx, c, cfg, needsAuth)
}

func (e *Executor) ensureAuth(ctx context.Context, creds auth.Credentials) error {
	if e.auth == nil {
		return fmt.Errorf("%w: no authenticator configured", ErrAuthenticationRequired)
	}
	if _, ok := e.auth.Token(); ok {
		return nil
	}
	if err := e.auth.Authenticate(ctx, creds); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
	}
	if _, ok := e.auth.Token(); !ok {
		return fmt.Errorf("%w: no valid token after authentication", ErrAuthenticationRequired)
	}
	return nil
}

func (e *Executor) single(ctx context.Context, c *params.Container, cfg execConfig, needsAuth bool) (*Response, error) {
	u, err := Build(e.baseURL, c, e.types(c))
	if err != nil {
		return nil, err
	}

	payload, reqErr := e.get(ctx, c.Endpoint(), u, needsAuth)
	var re *RequestError
	if !errors.As(reqErr, &re) || re.Status != http.StatusUnauthorized {
		if reqErr != nil {
			return nil, reqErr
		}
		return &Response{Payload: payload, Pages: 1}, nil
	}

	if e.auth != nil {
		e.auth.Invalidate()
	}
	e.logger.Error("token is outdated or invalid", "url", u)
	action, err := e.recovery.OnUnauthorized(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("recover from 401: %w", err)
	}
	switch action.Kind {
	case Ignore:
		return &Response{}, nil
	case PasteToken:
		if e.auth == nil {
			return nil, fmt.Errorf("%w: no authenticator configured", ErrAuthenticationRequired)
		}
		if err := e.auth.SetToken(ctx, action.Token, 0); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationRequired, err)
		}
	case Reauthenticate:
		creds := action.Credentials
		if creds.Empty() {
			creds = cfg.creds
		}
		if err := e.ensureAuth(ctx, creds); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %w", ErrAborted, reqErr)
	}

	payload, err = e.get(ctx, c.Endpoint(), u, true)
	if err != nil {
		return nil, err
	}
	return &Response{Payload: payload, Pages: 1}, nil
}

func (e *Executor) paginate(ctx context.Context, c *params.Container, cfg execConfig, needsAuth bool) (*Response, error) {
	c = c.Clone()
	perPage := DefaultPerPage
	if v, ok := c.Get("per_page"); ok && !params.IsEmpty(v) {
		if n, ok := asInt(v); ok && n > 0 {
			perPage = n
		}
	}
	page := 1
	if v, ok := c.Get("page"); ok && !params.IsEmpty(v) {
		if n, ok := asInt(v); ok && n > 0 {
			page = n
		}
	}
	if err := c.Set(ctx, "per_page", perPage); err != nil {
		return nil, err
	}

	resp := &Response{Results: []any{}}
	for {
		if err := c.Set(ctx, "page", page); err != nil {
			return nil, err
		}
		u, err := Build(e.baseURL, c, e.types(c))
		if err != nil {
			return nil, err
		}
		payload, err := e.get(ctx, c.Endpoint(), u, needsAuth)
		if err != nil {
			e.logger.Error("pagination stopped", "page", page, "err", err)
			resp.Err = err
			break
		}
		resp.Pages++

		data, _ := payload.(map[string]any)
		if resp.Pages == 1 {
			if n, ok := asInt(data["total_results"]); ok {
				resp.TotalResults = &n
			}
			if resp.TotalResults != nil {
				e.logger.Info("total results available", "total", *resp.TotalResults)
			}
		}
		results, ok := data["results"].([]any)
		if !ok {
			if _, present := data["results"]; !present {
				// Not a paginated payload after all.
				return &Response{Payload: payload, Pages: resp.Pages}, nil
			}
		}
		resp.Results = append(resp.Results, results...)
		e.logger.Info("retrieved results", "count", len(resp.Results), "total", derefOr(resp.TotalResults, -1))

		if len(results) < perPage || (cfg.maxResults > 0 && len(resp.Results) >= cfg.maxResults) {
			break
		}
		page++
	}

	if cfg.maxResults > 0 && len(resp.Results) > cfg.maxResults {
		resp.Results = resp.Results[:cfg.maxResults]
	}
	return resp, nil
}

// get performs one GET and decodes the JSON body.
// types prefers the schema's view of the endpoint, so a path parameter
// deleted from the container is still required.
func (e *Executor) types(c *params.Container) map[string]spec.ParamType {
	if e.doc == nil {
		return c.Types()
	}
	return e.doc.ParameterTypes(c.Endpoint())
}

func (e *Executor) get(ctx context.Context, endpoint, u string, withAuth bool) (any, error) {
	start := e.now()
	ex := Exchange{ID: uuid.NewString(), URL: u, Endpoint: endpoint, At: start}
	payload, err := e.do(ctx, u, withAuth, &ex)
	ex.Duration = e.now().Sub(start)
	ex.Err = err
	if e.recorder != nil {
		if rerr := e.recorder.Record(ctx, ex); rerr != nil {
			e.logger.Warn("could not record request", "err", rerr)
		}
	}
	return payload, err
}

func (e *Executor) do(ctx context.Context, u string, withAuth bool, ex *Exchange) (any, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &RequestError{URL: u, Err: err}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &RequestError{URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", ex.ID)
	if withAuth && e.auth != nil {
		if token, ok := e.auth.Token(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	e.logger.Debug("GET", "url", u, "request_id", ex.ID)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &RequestError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	ex.Status = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RequestError{URL: u, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Debug("error response", "status", resp.StatusCode, "body", truncate(string(body), 512), "headers", resp.Header)
		return nil, &RequestError{URL: u, Status: resp.StatusCode, Body: truncate(string(body), 2048)}
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &RequestError{URL: u, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if m, ok := payload.(map[string]any); ok {
		if r, ok := m["results"].([]any); ok {
			ex.Results = len(r)
		}
	}
	return payload, nil
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
}

func derefOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
