// Package results keeps fetched responses on disk when they are too large
// to print, under names derived from their content hash.
package results

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("saved result not found")

const (
	DefaultInlineMaxBytes = 1 << 20
	previewBytes          = 2048
	idLen                 = 12
	stampLayout           = "20060102T150405Z"
)

// Saved describes one file written by the store.
type Saved struct {
	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Bytes     int       `json:"bytes"`
	Endpoint  string    `json:"endpoint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Preview   string    `json:"preview,omitempty"`
}

// Store writes into one directory.
type Store struct {
	dir       string
	inlineMax int
	now       func() time.Time
}

// New creates dir if needed. inlineMax < 0 means always save; 0 means the
// default.
func New(dir string, inlineMax int) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("results: empty directory")
	}
	if inlineMax == 0 {
		inlineMax = DefaultInlineMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("results: create dir: %w", err)
	}
	return &Store{dir: dir, inlineMax: inlineMax, now: time.Now}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save writes v as indented JSON. Saving the same content twice for the
// same endpoint writes a second file with a later stamp.
func (s *Store) Save(endpoint string, v any) (*Saved, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("results: encode: %w", err)
	}
	return s.write(endpoint, data)
}

// MaybeSave returns nil when v fits inline, and otherwise saves it.
func (s *Store) MaybeSave(endpoint string, v any) (*Saved, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("results: encode: %w", err)
	}
	if s.inlineMax > 0 && len(data) <= s.inlineMax {
		return nil, nil
	}
	return s.Save(endpoint, v)
}

func (s *Store) write(endpoint string, data []byte) (*Saved, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	now := s.now().UTC()

	name := sanitize(endpoint)
	if name == "" {
		name = "result"
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s-%s.json", name, now.Format(stampLayout), sha[:idLen]))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("results: write: %w", err)
	}
	return &Saved{
		ID:        sha[:idLen],
		URI:       URI(sha[:idLen]),
		Path:      path,
		SHA256:    sha,
		Bytes:     len(data),
		Endpoint:  endpoint,
		CreatedAt: now,
		Preview:   preview(data, previewBytes),
	}, nil
}

// Open resolves ref, which is a result:// URI, a bare ID or a file path,
// and decodes the JSON it points at.
func (s *Store) Open(ref string) (any, error) {
	path, err := s.locate(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("results: read: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("results: %s is not JSON: %w", path, err)
	}
	return out, nil
}

func (s *Store) locate(ref string) (string, error) {
	id, ok := ParseURI(ref)
	if !ok {
		if fi, err := os.Stat(ref); err == nil && !fi.IsDir() {
			return ref, nil
		}
		id = strings.TrimSpace(ref)
	}
	if len(id) > idLen {
		id = id[:idLen]
	}
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*-"+id+"*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// List returns the saved files, newest first.
func (s *Store) List() ([]Saved, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("results: list: %w", err)
	}
	var out []Saved
	for _, e := range entries {
		saved, ok := parseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil {
			saved.Bytes = int(info.Size())
		}
		saved.Path = filepath.Join(s.dir, e.Name())
		out = append(out, saved)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var (
	idPattern   = regexp.MustCompile(`^[0-9a-f]{1,12}$`)
	namePattern = regexp.MustCompile(`^(.+)-(\d{8}T\d{6}Z)-([0-9a-f]{12})\.json$`)
	unsafe      = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

func parseName(name string) (Saved, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Saved{}, false
	}
	at, err := time.Parse(stampLayout, m[2])
	if err != nil {
		return Saved{}, false
	}
	return Saved{ID: m[3], URI: URI(m[3]), Endpoint: m[1], CreatedAt: at}, true
}

// sanitize turns an endpoint like /observations/{id} into observations_id.
func sanitize(s string) string {
	s = unsafe.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._-")
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func preview(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "…"
}
