package request

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/spec"
)

const testDoc = `{
  "swagger": "2.0",
  "paths": {
    "/observations": {"get": {"parameters": [
      {"name": "q", "in": "query", "type": "string"},
      {"name": "per_page", "in": "query", "type": "integer"},
      {"name": "page", "in": "query", "type": "integer"}
    ]}},
    "/observations/{id}": {"get": {"parameters": [
      {"name": "id", "in": "path", "required": true, "type": "integer"},
      {"name": "taxon_id", "in": "query", "type": "array", "items": {"type": "integer"}},
      {"name": "verifiable", "in": "query", "type": "boolean"},
      {"name": "q", "in": "query", "type": "string"}
    ]}},
    "/users/me": {"get": {"security": [{"api_token": []}]}}
  }
}`

func loadDoc(t *testing.T) *spec.Document {
	t.Helper()
	doc, err := spec.Parse([]byte(testDoc))
	require.NoError(t, err)
	return doc
}

func container(t *testing.T, doc *spec.Document, path string) *params.Container {
	t.Helper()
	return params.New(path, doc.Parameters(path))
}

func TestBuild(t *testing.T) {
	doc := loadDoc(t)
	c := container(t, doc, "/observations/{id}")
	c.MustSet("id", 5).
		MustSet("q", "a b").
		MustSet("taxon_id", []any{1, 2}).
		MustSet("verifiable", true)

	first, err := Build("https://api.example.org/v1/", c, c.Types())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.org/v1/observations/5?taxon_id=1%2C2&verifiable=true&q=a+b", first)

	second, err := Build("https://api.example.org/v1/", c, c.Types())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildDropsEmptyValues(t *testing.T) {
	doc := loadDoc(t)
	c := container(t, doc, "/observations/{id}")
	c.MustSet("id", "7").MustSet("q", "").MustSet("taxon_id", []any{})

	u, err := Build("https://api.example.org/v1", c, c.Types())
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.org/v1/observations/7", u)
}

func TestBuildMissingPathParameter(t *testing.T) {
	doc := loadDoc(t)
	c := container(t, doc, "/observations/{id}")
	c.MustSet("q", "x")

	_, err := Build("https://api.example.org/v1", c, c.Types())
	require.ErrorIs(t, err, ErrMissingPathParameter)
	var mp *MissingPathParameterError
	require.ErrorAs(t, err, &mp)
	assert.Equal(t, "id", mp.Name)
}

func TestBuildNoEndpoint(t *testing.T) {
	c := params.New("", nil)
	_, err := Build("https://api.example.org", c, nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

// fakeAPI serves total observations in pages and a protected /users/me.
type fakeAPI struct {
	mu        sync.Mutex
	total     int
	failPage  int
	token     string
	pages     []int
	requestID []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = append(f.requestID, r.Header.Get("X-Request-Id"))
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/users/me":
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{map[string]any{"login": "kestrel"}}, "total_results": 1})
	case "/observations":
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		f.pages = append(f.pages, page)
		if page == f.failPage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var results []any
		for i := (page - 1) * perPage; i < page*perPage && i < f.total; i++ {
			results = append(results, map[string]any{"id": i + 1})
		}
		if results == nil {
			results = []any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_results": f.total, "page": page, "per_page": perPage, "results": results,
		})
	case "/observations/5":
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 5, "species_guess": "kestrel"})
	default:
		http.NotFound(w, r)
	}
}

type fakeAuth struct {
	token        string
	next         string
	authCalls    int
	invalidated  int
	pasted       string
	authenticate error
}

func (a *fakeAuth) Token() (string, bool) { return a.token, a.token != "" }

func (a *fakeAuth) Authenticate(context.Context, auth.Credentials) error {
	a.authCalls++
	if a.authenticate != nil {
		return a.authenticate
	}
	a.token = a.next
	return nil
}

func (a *fakeAuth) SetToken(_ context.Context, token string, _ time.Duration) error {
	a.pasted = token
	a.token = token
	return nil
}

func (a *fakeAuth) Invalidate() {
	a.invalidated++
	a.token = ""
}

type memRecorder struct {
	exchanges []Exchange
}

func (m *memRecorder) Record(_ context.Context, ex Exchange) error {
	m.exchanges = append(m.exchanges, ex)
	return nil
}

func TestExecutePaginates(t *testing.T) {
	api := &fakeAPI{total: 12}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	rec := &memRecorder{}
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithRecorder(rec))

	c := container(t, doc, "/observations")
	c.MustSet("per_page", 5)
	resp, err := ex.Execute(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, resp.Err)

	assert.Equal(t, []int{1, 2, 3}, api.pages)
	assert.Equal(t, 3, resp.Pages)
	require.NotNil(t, resp.TotalResults)
	assert.Equal(t, 12, *resp.TotalResults)
	assert.Len(t, resp.Results, 12)

	require.Len(t, rec.exchanges, 3)
	for i, e := range rec.exchanges {
		assert.Equal(t, http.StatusOK, e.Status)
		assert.Equal(t, "/observations", e.Endpoint)
		assert.Equal(t, api.requestID[i], e.ID)
	}

	v, _ := c.Get("page")
	assert.Nil(t, v, "caller's container is not modified")
}

func TestExecuteDefaultsPerPage(t *testing.T) {
	api := &fakeAPI{total: 3}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()))
	resp, err := ex.Execute(context.Background(), container(t, doc, "/observations"))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, api.pages)
	assert.Len(t, resp.Results, 3)
}

func TestExecuteMaxResults(t *testing.T) {
	api := &fakeAPI{total: 12}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()))
	c := container(t, doc, "/observations")
	c.MustSet("per_page", 4)

	resp, err := ex.Execute(context.Background(), c, WithMaxResults(5))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, api.pages)
	assert.Len(t, resp.Results, 5)
	assert.Equal(t, 12, *resp.TotalResults)
}

func TestExecutePartialPagination(t *testing.T) {
	api := &fakeAPI{total: 12, failPage: 2}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()))
	c := container(t, doc, "/observations")
	c.MustSet("per_page", 5)

	resp, err := ex.Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
	require.Error(t, resp.Err)
	assert.ErrorIs(t, resp.Err, ErrRequestFailed)
	var re *RequestError
	require.ErrorAs(t, resp.Err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.Status)
}

func TestExecuteSinglePayload(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{})
	defer srv.Close()

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()))
	c := container(t, doc, "/observations/{id}")
	c.MustSet("id", 5)

	resp, err := ex.Execute(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(5), "species_guess": "kestrel"}, resp.Payload)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":5,"species_guess":"kestrel"}`, string(out))
}

func TestExecuteAuthenticatesFirst(t *testing.T) {
	api := &fakeAPI{token: "good"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	a := &fakeAuth{next: "good"}
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(a))

	resp, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.authCalls)
	assert.NotNil(t, resp.Payload)
}

func TestExecuteAuthenticationRequired(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{token: "good"})
	defer srv.Close()

	doc := loadDoc(t)
	a := &fakeAuth{authenticate: auth.ErrAuthenticationFailed}
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(a))

	_, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	_, err = NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client())).
		Execute(context.Background(), container(t, doc, "/users/me"))
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestExecuteRecoversWithPastedToken(t *testing.T) {
	api := &fakeAPI{token: "fresh"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	a := &fakeAuth{token: "stale"}
	var asked string
	recovery := RecoveryFunc(func(_ context.Context, u string) (RecoveryAction, error) {
		asked = u
		return RecoveryAction{Kind: PasteToken, Token: "fresh"}, nil
	})
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(a), WithRecovery(recovery))

	resp, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/users/me", asked)
	assert.Equal(t, 1, a.invalidated)
	assert.Equal(t, "fresh", a.pasted)
	assert.NotNil(t, resp.Payload)
}

func TestExecuteRecoversByReauthenticating(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{token: "fresh"})
	defer srv.Close()

	doc := loadDoc(t)
	a := &fakeAuth{token: "stale", next: "fresh"}
	recovery := RecoveryFunc(func(context.Context, string) (RecoveryAction, error) {
		return RecoveryAction{Kind: Reauthenticate}, nil
	})
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(a), WithRecovery(recovery))

	_, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.authCalls)
}

type loginFunc func(ctx context.Context, endpoint string, creds auth.Credentials) (string, error)

func (f loginFunc) Login(ctx context.Context, endpoint string, creds auth.Credentials) (string, error) {
	return f(ctx, endpoint, creds)
}

func TestExecuteReauthenticateDropsRejectedStoredToken(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{token: "fresh"})
	defer srv.Close()

	store := &auth.MemoryStore{}
	require.NoError(t, store.Save(context.Background(), auth.Session{Token: "stale", Expiry: time.Now().Add(time.Hour)}))
	var logins int
	m := auth.NewManager(
		auth.WithStore(store),
		auth.WithEndpoint(srv.URL+"/users/api_token"),
		auth.WithInteractiveLogin(loginFunc(func(context.Context, string, auth.Credentials) (string, error) {
			logins++
			return "fresh", nil
		})),
	)
	recovery := RecoveryFunc(func(context.Context, string) (RecoveryAction, error) {
		return RecoveryAction{Kind: Reauthenticate}, nil
	})

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(m), WithRecovery(recovery))
	resp, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.NoError(t, err)
	assert.NotNil(t, resp.Data())
	assert.Equal(t, 1, logins)

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.Token)
}

func TestExecuteDeletedPathParameter(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	c := container(t, doc, "/observations/{id}")
	require.NoError(t, c.Delete("id"))

	_, err := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client())).Execute(context.Background(), c)
	require.ErrorIs(t, err, ErrMissingPathParameter)
	assert.Empty(t, api.requestID, "nothing is sent")
}

func TestExecuteUnauthorizedAbortsAndIgnores(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{token: "fresh"})
	defer srv.Close()
	doc := loadDoc(t)

	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(&fakeAuth{token: "stale"}))
	_, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.ErrorIs(t, err, ErrAborted)
	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.Status)

	ignore := RecoveryFunc(func(context.Context, string) (RecoveryAction, error) {
		return RecoveryAction{Kind: Ignore}, nil
	})
	ex = NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(&fakeAuth{token: "stale"}), WithRecovery(ignore))
	resp, err := ex.Execute(context.Background(), container(t, doc, "/users/me"))
	require.NoError(t, err)
	assert.Nil(t, resp.Data())

	failing := RecoveryFunc(func(context.Context, string) (RecoveryAction, error) {
		return RecoveryAction{}, errors.New("prompt closed")
	})
	ex = NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithAuthenticator(&fakeAuth{token: "stale"}), WithRecovery(failing))
	_, err = ex.Execute(context.Background(), container(t, doc, "/users/me"))
	assert.ErrorContains(t, err, "prompt closed")
}

func TestCredentialsFrom(t *testing.T) {
	c := CredentialsFrom(map[string]string{"email": "a@example.org", "secret": "pw"})
	assert.Equal(t, auth.Credentials{Username: "a@example.org", Password: "pw"}, c)

	c = CredentialsFrom(map[string]string{"username": "u", "user": "ignored", "password": "p"})
	assert.Equal(t, auth.Credentials{Username: "u", Password: "p"}, c)

	assert.True(t, CredentialsFrom(nil).Empty())
}

func TestResponseData(t *testing.T) {
	total := 2
	r := &Response{TotalResults: &total, Results: []any{1, 2}}
	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_results":2,"results":[1,2]}`, string(out))
}

func TestExecuteRateLimit(t *testing.T) {
	api := &fakeAPI{total: 12}
	srv := httptest.NewServer(api)
	defer srv.Close()

	doc := loadDoc(t)
	ex := NewExecutor(srv.URL, doc, WithHTTPClient(srv.Client()), WithRateLimit(0.001, 1))
	c := container(t, doc, "/observations")
	c.MustSet("per_page", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	resp, err := ex.Execute(ctx, c)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5, "the burst allows one page")
	assert.Error(t, resp.Err)
	assert.Equal(t, []int{1}, api.pages)
}
