package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golovatskygroup/bard/internal/spec"
)

// shared is the session state every view of a Manager sees.
type shared struct {
	authMu  sync.Mutex // serialises Authenticate
	mu      sync.Mutex
	session Session
	state   State
	// rejected is the last token the server refused; a stored copy of it
	// is never reused.
	rejected string
}

// Manager owns the session for one API server.
type Manager struct {
	*shared

	store            Store
	doc              *spec.Document
	baseURL          string
	docURL           string
	endpoint         string
	client           *http.Client
	login            InteractiveLogin
	endpointPrompter EndpointPrompter
	lifetime         time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithDocument(d *spec.Document) Option {
	return func(m *Manager) { m.doc = d }
}

func WithBaseURL(u string) Option {
	return func(m *Manager) { m.baseURL = u }
}

func WithDocURL(u string) Option {
	return func(m *Manager) { m.docURL = u }
}

func WithEndpoint(u string) Option {
	return func(m *Manager) { m.endpoint = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

func WithInteractiveLogin(l InteractiveLogin) Option {
	return func(m *Manager) { m.login = l }
}

func WithEndpointPrompter(p EndpointPrompter) Option {
	return func(m *Manager) { m.endpointPrompter = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokenLifetime sets how long a token without expires_in is trusted.
func WithTokenLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// NewManager creates a manager with no session. Nothing is read from the
// store until the first Authenticate.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		shared:   &shared{},
		store:    &MemoryStore{},
		client:   &http.Client{Timeout: 30 * time.Second},
		login:    NoLogin{},
		lifetime: DefaultTokenLifetime,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithLifetime returns a view of m that shares its session but stamps new
// tokens with d.
func (m *Manager) WithLifetime(d time.Duration) *Manager {
	cp := *m
	if d > 0 {
		cp.lifetime = d
	}
	return &cp
}

// Lifetime is the default token lifetime.
func (m *Manager) Lifetime() time.Duration { return m.lifetime }

// State reports the lifecycle state, noticing expiry as it happens.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authenticated && !m.session.Valid(m.now()) {
		m.state = Expired
	}
	return m.state
}

// Token returns the current token if it is still valid.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.Valid(m.now()) {
		return "", false
	}
	return m.session.Token, true
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Apply sets the bearer header on req.
func (m *Manager) Apply(req *http.Request) error {
	token, ok := m.Token()
	if !ok {
		return ErrNoSession
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Invalidate forgets the token, for instance after a 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Token != "" {
		m.rejected = m.session.Token
	}
	m.session.Token = ""
	m.session.Expiry = time.Time{}
	m.state = Expired
}

// SetToken installs a token obtained elsewhere. A non-positive lifetime
// means the manager's default.
func (m *Manager) SetToken(ctx context.Context, token string, lifetime time.Duration) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrAuthenticationFailed)
	}
	if lifetime <= 0 {
		lifetime = m.lifetime
	}
	m.mu.Lock()
	endpoint := m.session.Endpoint
	m.mu.Unlock()
	return m.accept(ctx, Session{Token: token, Expiry: m.now().Add(lifetime), Endpoint: endpoint})
}

// Authenticate makes sure a valid session exists. It tries, in order, the
// stored session, posting creds to the token endpoint, and the interactive
// login.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	m.authMu.Lock()
	defer m.authMu.Unlock()

	if _, ok := m.Token(); ok {
		return nil
	}
	if stored, err := m.store.Load(ctx); err == nil {
		switch {
		case stored.Token != "" && stored.Token == m.rejectedToken():
			m.logger.Debug("stored token was rejected by the server, ignoring it")
		case stored.Valid(m.now()):
			m.logger.Debug("using stored token", "expiry", stored.Expiry)
			m.set(stored, Authenticated)
			return nil
		default:
			m.logger.Warn("stored token is expired", "expired_for", m.now().Sub(stored.Expiry).Round(time.Second))
		}
	} else if !errors.Is(err, ErrNoSession) {
		m.logger.Warn("could not read stored session", "err", err)
	} else {
		m.logger.Debug("no stored token")
	}

	m.setState(Authenticating)
	var errs []error
	endpoint, err := m.discoverEndpoint(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	var token string
	lifetime := m.lifetime
	if endpoint != "" && !creds.Empty() {
		token, lifetime, err = m.postCredentials(ctx, endpoint, creds)
		if err != nil {
			m.logger.Debug("token endpoint rejected credentials", "url", endpoint, "err", err)
			errs = append(errs, err)
		}
	}
	if token == "" && ctx.Err() == nil {
		token, err = m.login.Login(ctx, endpoint, creds)
		if err != nil {
			errs = append(errs, err)
		}
		lifetime = m.lifetime
	}
	if token == "" {
		if len(errs) == 0 {
			errs = append(errs, ErrInteractiveUnavailable)
		}
		m.setState(NoToken)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, errors.Join(errs...))
	}
	return m.accept(ctx, Session{Token: token, Expiry: m.now().Add(lifetime), Endpoint: endpoint})
}

func (m *Manager) accept(ctx context.Context, s Session) error {
	m.set(s, Authenticated)
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("could not persist token", "err", err)
	} else {
		m.logger.Debug("token saved", "valid_until", s.Expiry)
	}
	return nil
}

func (m *Manager) set(s Session, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.state = st
}

func (m *Manager) rejectedToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

func (m *Manager) setState(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
}

// postCredentials trades a username and password for a token.
func (m *Manager) postCredentials(ctx context.Context, endpoint string, creds Credentials) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{"username": creds.Username, "password": creds.Password})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("POST %s: status %d", endpoint, resp.StatusCode)
	}

	var payload struct {
		Token       string   `json:"token"`
		APIToken    string   `json:"api_token"`
		AccessToken string   `json:"access_token"`
		ExpiresIn   *float64 `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	token := firstNonEmpty(payload.Token, payload.APIToken, payload.AccessToken)
	if token == "" {
		return "", 0, errors.New("token response has no token")
	}
	lifetime := m.lifetime
	if payload.ExpiresIn != nil && *payload.ExpiresIn > 0 {
		lifetime = time.Duration(*payload.ExpiresIn * float64(time.Second))
	}
	return token, lifetime, nil
}
