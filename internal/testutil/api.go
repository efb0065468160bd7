package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Observation is one record served by FakeAPI.
type Observation struct {
	ID           int       `json:"id"`
	SpeciesGuess string    `json:"species_guess"`
	ObservedOn   string    `json:"observed_on"`
	Longitude    float64   `json:"longitude"`
	Latitude     float64   `json:"latitude"`
	Taxon        FakeTaxon `json:"taxon"`
}

// FakeTaxon is the taxon embedded in an Observation and served by /taxa.
type FakeTaxon struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Rank              string `json:"rank"`
	ObservationsCount int    `json:"observations_count"`
	WikipediaURL      string `json:"wikipedia_url,omitempty"`
}

// FakeAPI is an in-process biodiversity API: a Swagger 2.0 document at
// /v1/swagger.json, paginated /v1/observations and /v1/taxa, a protected
// /v1/users/me, a JSON token endpoint and an HTML sign-in flow guarding the
// token page.
type FakeAPI struct {
	*httptest.Server

	Token    string
	Username string
	Password string

	SpecHits  atomic.Int32
	TokenHits atomic.Int32

	// RejectTokenPost makes the credential endpoint answer 404, leaving
	// the sign-in form as the only way to a token.
	RejectTokenPost atomic.Bool

	mu           sync.Mutex
	observations []Observation
	taxa         []FakeTaxon
	requests     []string
}

// NewFakeAPI starts the server with a small fixed data set. It is closed
// when the test ends.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		Token:    "fake-token",
		Username: "naturalist@example.org",
		Password: "hunter2",
		taxa:     DefaultTaxa(),
	}
	f.observations = DefaultObservations(f.taxa)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/swagger.json", f.serveSpec)
	mux.HandleFunc("GET /v1/observations", f.serveObservations)
	mux.HandleFunc("GET /v1/observations/{id}", f.serveObservation)
	mux.HandleFunc("GET /v1/taxa", f.serveTaxa)
	mux.HandleFunc("GET /v1/taxa/{id}", f.serveTaxon)
	mux.HandleFunc("GET /v1/users/me", f.serveMe)
	mux.HandleFunc("POST /users/api_token", f.serveTokenPost)
	mux.HandleFunc("GET /users/api_token", f.serveTokenPage)
	mux.HandleFunc("GET /users/sign_in", f.serveSignInForm)
	mux.HandleFunc("POST /users/sign_in", f.serveSignIn)

	f.Server = httptest.NewServer(f.record(mux))
	t.Cleanup(f.Close)
	return f
}

// BaseURL is the API root, ending in /v1.
func (f *FakeAPI) BaseURL() string { return f.URL + "/v1" }

// DocURL is where the documentation lives.
func (f *FakeAPI) DocURL() string { return f.URL + "/v1/docs" }

// TokenURL is the credential and token page URL.
func (f *FakeAPI) TokenURL() string { return f.URL + "/users/api_token" }

// Requests returns the request URIs seen so far.
func (f *FakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// SetObservations replaces the served observations.
func (f *FakeAPI) SetObservations(obs []Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = obs
}

func (f *FakeAPI) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// DefaultTaxa is a handful of taxa with varied ranks and counts.
func DefaultTaxa() []FakeTaxon {
	return []FakeTaxon{
		{ID: 1, Name: "Falco tinnunculus", Rank: "species", ObservationsCount: 25000, WikipediaURL: "https://en.wikipedia.org/wiki/Common_kestrel"},
		{ID: 2, Name: "Falconidae", Rank: "family", ObservationsCount: 120000, WikipediaURL: "https://en.wikipedia.org/wiki/Falconidae"},
		{ID: 3, Name: "Posidonia oceanica", Rank: "species", ObservationsCount: 4000},
		{ID: 4, Name: "Asteraceae", Rank: "family", ObservationsCount: 9000},
		{ID: 5, Name: "Pinus halepensis", Rank: "species", ObservationsCount: 15000, WikipediaURL: "https://en.wikipedia.org/wiki/Pinus_halepensis"},
	}
}

// DefaultObservations spreads 24 observations over two months of 2024 and
// a 2x2 degree area around Barcelona.
func DefaultObservations(taxa []FakeTaxon) []Observation {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Observation, 24)
	for i := range out {
		tx := taxa[i%len(taxa)]
		out[i] = Observation{
			ID:           i + 1,
			SpeciesGuess: tx.Name,
			ObservedOn:   start.AddDate(0, 0, i*60/len(out)).Format(time.DateOnly),
			Longitude:    1.0 + float64(i%4)*0.5,
			Latitude:     41.0 + float64(i%2)*1.0,
			Taxon:        tx,
		}
	}
	return out
}

func (f *FakeAPI) serveSpec(w http.ResponseWriter, _ *http.Request) {
	f.SpecHits.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(f.SpecJSON()))
}

// SpecJSON is the Swagger document served at /v1/swagger.json.
func (f *FakeAPI) SpecJSON() string {
	return fmt.Sprintf(fakeSpec, f.TokenURL())
}

const fakeSpec = `{
  "swagger": "2.0",
  "info": {
    "title": "Fake biodiversity API",
    "version": "1.0.0",
    "description": "Observations and taxa. Sign in and get a token at %s."
  },
  "basePath": "/v1",
  "securityDefinitions": {
    "api_token": {"type": "apiKey", "in": "header", "name": "Authorization"}
  },
  "parameters": {
    "per_page": {"name": "per_page", "in": "query", "type": "integer", "minimum": 1, "maximum": 200, "description": "Number of results to return in a page"},
    "page": {"name": "page", "in": "query", "type": "integer", "minimum": 1, "description": "Pagination page number"}
  },
  "paths": {
    "/observations": {
      "get": {
        "summary": "Observation search",
        "parameters": [
          {"name": "q", "in": "query", "type": "string", "description": "Search observation properties"},
          {"name": "taxon_id", "in": "query", "type": "array", "items": {"type": "integer"}, "description": "Only show observations of these taxa and their descendants"},
          {"name": "d1", "in": "query", "type": "string", "format": "date", "description": "Must be observed on or after this date"},
          {"name": "d2", "in": "query", "type": "string", "format": "date", "description": "Must be observed on or before this date"},
          {"name": "swlng", "in": "query", "type": "number", "description": "Must be within a bounding box"},
          {"name": "swlat", "in": "query", "type": "number", "description": "Must be within a bounding box"},
          {"name": "nelng", "in": "query", "type": "number", "description": "Must be within a bounding box"},
          {"name": "nelat", "in": "query", "type": "number", "description": "Must be within a bounding box"},
          {"name": "order_by", "in": "query", "type": "string", "enum": ["observed_on", "id"], "default": "id", "description": "Sort field"},
          {"$ref": "#/parameters/per_page"},
          {"$ref": "#/parameters/page"}
        ]
      }
    },
    "/observations/{id}": {
      "get": {
        "summary": "Observation details",
        "parameters": [
          {"name": "id", "in": "path", "required": true, "type": "integer", "description": "ID of the record"}
        ]
      }
    },
    "/observations/species_counts": {
      "get": {
        "summary": "Species counts",
        "parameters": [
          {"name": "taxon_id", "in": "query", "type": "array", "items": {"type": "integer"}}
        ]
      }
    },
    "/taxa": {
      "get": {
        "summary": "Taxon search",
        "parameters": [
          {"name": "q", "in": "query", "type": "string", "description": "Name must begin with this value"},
          {"name": "rank", "in": "query", "type": "string", "enum": ["species", "genus", "family"], "description": "Taxon must have this rank"},
          {"$ref": "#/parameters/per_page"},
          {"$ref": "#/parameters/page"}
        ]
      }
    },
    "/taxa/{id}": {
      "get": {
        "summary": "Taxon details",
        "parameters": [
          {"name": "id", "in": "path", "required": true, "type": "integer"}
        ]
      }
    },
    "/users/me": {
      "get": {
        "summary": "Signed in user",
        "security": [{"api_token": []}]
      }
    }
  }
}`

func (f *FakeAPI) serveObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	all := slices.Clone(f.observations)
	f.mu.Unlock()

	taxa := intList(q.Get("taxon_id"))
	box, hasBox := bbox(q)
	var matched []any
	for _, o := range all {
		if len(taxa) > 0 && !slices.Contains(taxa, o.Taxon.ID) {
			continue
		}
		if d := q.Get("d1"); d != "" && o.ObservedOn < d[:min(len(d), 10)] {
			continue
		}
		if d := q.Get("d2"); d != "" && o.ObservedOn > d[:min(len(d), 10)] {
			continue
		}
		if hasBox && (o.Longitude < box[0] || o.Latitude < box[1] || o.Longitude >= box[2] || o.Latitude >= box[3]) {
			continue
		}
		if s := q.Get("q"); s != "" && !strings.Contains(strings.ToLower(o.SpeciesGuess), strings.ToLower(s)) {
			continue
		}
		matched = append(matched, o)
	}
	writePage(w, q, matched)
}

func (f *FakeAPI) serveObservation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"bad id"}`, http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.observations {
		if o.ID == id {
			writeJSON(w, map[string]any{"total_results": 1, "page": 1, "per_page": 1, "results": []any{o}})
			return
		}
	}
	http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
}

func (f *FakeAPI) serveTaxa(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var matched []any
	for _, tx := range f.taxa {
		if rank := q.Get("rank"); rank != "" && tx.Rank != rank {
			continue
		}
		if s := q.Get("q"); s != "" && !strings.HasPrefix(strings.ToLower(tx.Name), strings.ToLower(s)) {
			continue
		}
		matched = append(matched, tx)
	}
	writePage(w, q, matched)
}

func (f *FakeAPI) serveTaxon(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(r.PathValue("id"))
	for _, tx := range f.taxa {
		if tx.ID == id {
			writeJSON(w, tx)
			return
		}
	}
	http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
}

func (f *FakeAPI) serveMe(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+f.Token {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401}`))
		return
	}
	writeJSON(w, map[string]any{"total_results": 1, "results": []any{map[string]any{"id": 7, "login": "naturalist"}}})
}

func (f *FakeAPI) serveTokenPost(w http.ResponseWriter, r *http.Request) {
	f.TokenHits.Add(1)
	if f.RejectTokenPost.Load() {
		http.NotFound(w, r)
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username != f.Username || creds.Password != f.Password {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"api_token": f.Token})
}

const sessionCookie = "_fake_session"

func (f *FakeAPI) serveTokenPage(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err != nil || c.Value != "signed-in" {
		http.Redirect(w, r, "/users/sign_in", http.StatusFound)
		return
	}
	writeJSON(w, map[string]any{"api_token": f.Token})
}

func (f *FakeAPI) serveSignInForm(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<html><body>
<form action="/users/sign_in" method="post">
  <input type="hidden" name="authenticity_token" value="csrf-123">
  <input type="email" id="user_email" name="user[email]">
  <input type="password" id="user_password" name="user[password]">
  <input type="submit" name="commit" value="Sign in">
</form>
</body></html>`))
}

func (f *FakeAPI) serveSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil ||
		r.PostForm.Get("authenticity_token") != "csrf-123" ||
		r.PostForm.Get("user[email]") != f.Username ||
		r.PostForm.Get("user[password]") != f.Password {
		http.Redirect(w, r, "/users/sign_in", http.StatusFound)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "signed-in", Path: "/"})
	http.Redirect(w, r, "/users/api_token", http.StatusFound)
}

func writePage(w http.ResponseWriter, q map[string][]string, all []any) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	perPage, err := strconv.Atoi(get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = 30
	}
	page, err := strconv.Atoi(get("page"))
	if err != nil || page <= 0 {
		page = 1
	}
	from := min((page-1)*perPage, len(all))
	to := min(from+perPage, len(all))
	results := all[from:to]
	if results == nil {
		results = []any{}
	}
	writeJSON(w, map[string]any{"total_results": len(all), "page": page, "per_page": perPage, "results": results})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func intList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func bbox(q map[string][]string) ([4]float64, bool) {
	var box [4]float64
	for i, k := range []string{"swlng", "swlat", "nelng", "nelat"} {
		v := q[k]
		if len(v) == 0 {
			return box, false
		}
		n, err := strconv.ParseFloat(v[0], 64)
		if err != nil {
			return box, false
		}
		box[i] = n
	}
	return box, true
}
