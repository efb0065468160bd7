package bard

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golovatskygroup/bard/internal/auth"
	"github.com/golovatskygroup/bard/internal/config"
	"github.com/golovatskygroup/bard/internal/fanout"
	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/prompt"
	"github.com/golovatskygroup/bard/internal/request"
	"github.com/golovatskygroup/bard/internal/resolver"
	"github.com/golovatskygroup/bard/internal/spec"
	"github.com/golovatskygroup/bard/internal/testutil"
)

func instanceFor(api *testutil.FakeAPI, dir string) config.Instance {
	inst := config.DefaultInstance()
	inst.APIURL = api.BaseURL()
	inst.Verbosity = 0
	return inst.InDir(dir)
}

func newClient(t *testing.T, inst config.Instance, opts ...Option) *Client {
	t.Helper()
	c, err := New(t.Context(), "fake", inst, append([]Option{WithLogOutput(io.Discard)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func scripted(answers ...string) *prompt.Console {
	return prompt.New(strings.NewReader(strings.Join(answers, "\n")+"\n"), io.Discard)
}

func TestNewLoadsAndCachesSpec(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	dir := t.TempDir()

	c := newClient(t, instanceFor(api, dir))
	assert.Equal(t, []string{
		"/observations", "/observations/{id}", "/observations/species_counts",
		"/taxa", "/taxa/{id}", "/users/me",
	}, c.Endpoints())
	assert.Equal(t, api.BaseURL(), c.BaseURL())
	assert.Equal(t, api.DocURL(), c.DocURL())
	assert.FileExists(t, filepath.Join(dir, "spec.json"))

	newClient(t, instanceFor(api, dir))
	assert.Equal(t, int32(1), api.SpecHits.Load(), "second client reads the cache")
}

func TestNewFailsWithoutSpec(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	defer dead.Close()
	inst := config.DefaultInstance().InDir(t.TempDir())
	inst.APIURL = dead.URL + "/v1"
	_, err := New(t.Context(), "fake", inst, WithLogOutput(io.Discard))
	assert.ErrorIs(t, err, spec.ErrSpecUnavailable)
}

func TestParametersAndBuildURL(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	ctx := t.Context()

	p, err := c.Parameters(ctx, "observations")
	require.NoError(t, err)
	assert.Equal(t, "/observations", p.Endpoint())
	v, ok := p.Get("order_by")
	require.True(t, ok, "declared defaults are seeded")
	assert.Equal(t, "id", v)

	p, err = c.Parameters(ctx, "observations id")
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "id", 5))
	u, err := c.BuildURL(p)
	require.NoError(t, err)
	assert.Equal(t, api.BaseURL()+"/observations/5", u)

	types, err := c.ParameterTypes(ctx, "taxa")
	require.NoError(t, err)
	assert.Equal(t, "query", types["rank"].Location)

	_, err = c.Parameters(ctx, "zzzz")
	assert.ErrorIs(t, err, resolver.ErrNoMatchingEndpoint)
}

func TestCallPaginates(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))

	resp, err := c.Call(t.Context(), "observations", map[string]any{"per_page": 10})
	require.NoError(t, err)
	require.NotNil(t, resp.TotalResults)
	assert.Equal(t, 24, *resp.TotalResults)
	assert.Len(t, resp.Results, 24)
	assert.Equal(t, 3, resp.Pages)

	resp, err = c.Call(t.Context(), "observations", map[string]any{"per_page": 4}, request.WithMaxResults(5))
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
	assert.Equal(t, 2, resp.Pages)
}

func TestCallRejectsUnknownKeysByDefault(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	_, err := c.Call(t.Context(), "taxa", map[string]any{"kingdom": "Plantae"})
	assert.ErrorIs(t, err, params.ErrUnknownParameter)
}

func TestPrompterCorrectsKeys(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()), WithPrompter(scripted("y")))
	resp, err := c.Call(t.Context(), "observations", map[string]any{"taxon": []int{1}})
	require.NoError(t, err)
	assert.Equal(t, 5, *resp.TotalResults)
}

func TestValidateParams(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	inst := instanceFor(api, t.TempDir())
	inst.ValidateParams = true
	c := newClient(t, inst)

	_, err := c.Call(t.Context(), "taxa", map[string]any{"rank": "kingdom"})
	assert.ErrorIs(t, err, params.ErrInvalidValue)

	resp, err := c.Call(t.Context(), "taxa", map[string]any{"rank": "family"})
	require.NoError(t, err)
	assert.Equal(t, 2, *resp.TotalResults)
}

func TestAuthenticatedCallPersistsToken(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	dir := t.TempDir()
	c := newClient(t, instanceFor(api, dir))

	creds := request.WithCredentials(map[string]string{"email": api.Username, "pass": api.Password})
	resp, err := c.Call(t.Context(), "users me", nil, creds)
	require.NoError(t, err)
	assert.NotNil(t, resp.Payload)
	assert.Equal(t, auth.Authenticated, c.AuthState())
	assert.Equal(t, int32(1), api.TokenHits.Load())
	assert.FileExists(t, filepath.Join(dir, "auth_token.json"))

	again := newClient(t, instanceFor(api, dir))
	require.NoError(t, again.Authenticate(t.Context(), auth.Credentials{}))
	assert.Equal(t, api.Token, again.Session().Token)
	assert.Equal(t, int32(1), api.TokenHits.Load(), "stored token is reused")
}

func TestSessionDB(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	dir := t.TempDir()
	inst := instanceFor(api, dir)
	inst.SessionDB = filepath.Join(dir, "sessions.db")

	c := newClient(t, inst)
	require.NoError(t, c.SetToken(t.Context(), api.Token, time.Hour))
	require.NoError(t, c.Close())

	again := newClient(t, inst)
	require.NoError(t, again.Authenticate(t.Context(), auth.Credentials{}))
	assert.Equal(t, api.Token, again.Session().Token)
	assert.NoFileExists(t, filepath.Join(dir, "auth_token.json"))
}

func TestStaleTokenAborts(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	require.NoError(t, c.SetToken(t.Context(), "stale", time.Hour))

	_, err := c.Call(t.Context(), "users me", nil)
	assert.ErrorIs(t, err, request.ErrAborted)
	assert.NotEqual(t, auth.Authenticated, c.AuthState())
}

func TestStaleTokenPasteRecovery(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()), WithPrompter(scripted("1", api.Token)))
	require.NoError(t, c.SetToken(t.Context(), "stale", time.Hour))

	resp, err := c.Call(t.Context(), "users me", nil)
	require.NoError(t, err)
	assert.NotNil(t, resp.Payload)
	assert.Equal(t, api.Token, c.Session().Token)
}

func TestFormLoginFallback(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	api.RejectTokenPost.Store(true)
	inst := instanceFor(api, t.TempDir())
	inst.Login.PollInterval = 10 * time.Millisecond
	inst.Login.Timeout = 5 * time.Second
	c := newClient(t, inst)

	require.NoError(t, c.Authenticate(t.Context(), auth.Credentials{Username: api.Username, Password: api.Password}))
	assert.Equal(t, api.Token, c.Session().Token)
	assert.Equal(t, int32(1), api.TokenHits.Load())
	assert.Contains(t, api.Requests(), "POST /users/sign_in")
}

func TestLoginDisabled(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	inst := instanceFor(api, t.TempDir())
	inst.Login.Mode = config.LoginNone
	c := newClient(t, inst)

	err := c.Authenticate(t.Context(), auth.Credentials{})
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	assert.Equal(t, int32(0), api.TokenHits.Load(), "nothing is posted without credentials")
}

func TestDescribe(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))

	out, err := c.Describe(t.Context(), "taxa")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "GET /taxa\nTaxon search\nNo description available\n"), out)
	assert.Contains(t, out, "PARAMETER")
	assert.Contains(t, out, "Taxon must have this rank")

	out, err = c.Describe(t.Context(), "observations")
	require.NoError(t, err)
	assert.Contains(t, out, "Array[integer]")
	assert.Contains(t, out, "Only show observations of these taxa and", "long descriptions wrap")
	assert.NotContains(t, out, "Only show observations of these taxa and their descendants")

	out, err = c.Describe(t.Context(), "users me")
	require.NoError(t, err)
	assert.Contains(t, out, "takes no parameters")
}

func TestWrap(t *testing.T) {
	assert.Equal(t, []string{""}, wrap("  ", 10))
	assert.Equal(t, []string{"aaa bbb", "ccc"}, wrap("aaa bbb ccc", 7))
	assert.Equal(t, []string{"a", "longerthanwidth", "b"}, wrap("a longerthanwidth b", 5))
}

func TestDocLink(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	ctx := t.Context()

	link, err := c.DocLink(ctx, "taxa id")
	require.NoError(t, err)
	assert.Equal(t, api.DocURL()+"#!/Taxa/get_taxa_id", link)

	link, err = c.DocLink(ctx, "quasar")
	require.NoError(t, err)
	assert.Equal(t, api.DocURL(), link)

	link, err = c.DocLink(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, api.DocURL(), link)

	chooser := newClient(t, instanceFor(api, t.TempDir()), WithPrompter(scripted("2")))
	link, err = chooser.DocLink(ctx, "observations")
	require.NoError(t, err)
	assert.Equal(t, api.DocURL()+"#!/Observations/get_observations_id", link)

	cancel := newClient(t, instanceFor(api, t.TempDir()), WithPrompter(scripted("0")))
	link, err = cancel.DocLink(ctx, "observations")
	require.NoError(t, err)
	assert.Equal(t, api.DocURL(), link)
}

func TestWithSharesSession(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))

	strict, lifetime, verbosity := false, 2*time.Hour, 3
	derived := c.With(Overrides{StrictMatching: &strict, TokenLifetime: &lifetime, Verbosity: &verbosity})
	assert.False(t, derived.Instance().StrictMatching)
	assert.True(t, c.Instance().StrictMatching)
	assert.Equal(t, 24*time.Hour, c.Instance().TokenLifetime)

	before := time.Now()
	require.NoError(t, derived.SetToken(t.Context(), "shared", 0))
	assert.Equal(t, "shared", c.Session().Token)
	assert.WithinDuration(t, before.Add(2*time.Hour), c.Session().Expiry, time.Minute)

	require.NoError(t, derived.Close())
	_, err := c.Call(t.Context(), "taxa", nil)
	assert.NoError(t, err, "closing a derived client leaves the original usable")
}

func TestDensityAndWindows(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	ctx := t.Context()

	p, err := c.Parameters(ctx, "observations")
	require.NoError(t, err)
	boxes := []fanout.Box{
		{SWLng: 1, SWLat: 41, NELng: 1.5, NELat: 42},
		{SWLng: 1.5, SWLat: 41, NELng: 3, NELat: 43},
	}
	grid, err := c.Density(ctx, p, boxes, nil)
	require.NoError(t, err)
	require.Len(t, grid, 1)
	require.Len(t, grid[0], 2)
	assert.Equal(t, 6, *grid[0][0].TotalResults)
	assert.Equal(t, 18, *grid[0][1].TotalResults)

	require.NoError(t, p.Update(ctx, map[string]any{"d1": "2024-01-01", "d2": "2024-02-29"}))
	windows, err := fanout.Windows(p, fanout.Options{Period: 2, NoOverlap: true})
	require.NoError(t, err)
	grid, err = c.Density(ctx, p, boxes, windows)
	require.NoError(t, err)
	require.Len(t, grid, 2)
	total := 0
	for _, row := range grid {
		for _, resp := range row {
			total += *resp.TotalResults
		}
	}
	assert.Equal(t, 24, total)

	split, err := c.Periodic(ctx, p, fanout.Options{Step: fanout.Step{Months: 1}})
	require.NoError(t, err)
	require.Len(t, split, 2)
	d1, _ := split[1].Get("d1")
	assert.Equal(t, "2024-02-01", d1)
}

func TestHistory(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	c := newClient(t, instanceFor(api, t.TempDir()))
	_, err := c.History(t.Context(), 0)
	assert.ErrorIs(t, err, ErrNoHistory)

	inst := instanceFor(api, t.TempDir())
	inst.HistoryDB = filepath.Join(t.TempDir(), "state", "history.db")
	c = newClient(t, inst)
	_, err = c.Call(t.Context(), "taxa", map[string]any{"per_page": 2})
	require.NoError(t, err)

	entries, err := c.History(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "/taxa", e.Endpoint)
		assert.Equal(t, "fake", e.Instance)
		assert.Equal(t, 200, e.Status)
	}

	n, err := c.PruneHistory(t.Context(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, b := &Client{name: "minka"}, &Client{name: "inaturalist"}
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	assert.ErrorIs(t, r.Add(&Client{name: "minka"}), ErrDuplicateClient)
	assert.Equal(t, []string{"inaturalist", "minka"}, r.Names())

	got, err := r.Get("minka")
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = r.Get("gbif")
	assert.ErrorIs(t, err, ErrUnknownClient)

	removed, ok := r.Remove("inaturalist")
	assert.True(t, ok)
	assert.Same(t, b, removed)
	require.NoError(t, r.Close())
	assert.Empty(t, r.Names())
}

func TestContextCancelStopsNew(t *testing.T) {
	api := testutil.NewFakeAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(ctx, "fake", instanceFor(api, t.TempDir()), WithLogOutput(io.Discard))
	assert.ErrorIs(t, err, spec.ErrSpecUnavailable)
}
