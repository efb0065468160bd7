// Package spec loads an OpenAPI (2 or 3) description of the remote API and
// answers the questions the rest of the client asks of it: which endpoints
// exist, which parameters they take, and which of them need a token.
package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotOpenAPI is returned by Parse for JSON that has no paths object.
var ErrNotOpenAPI = errors.New("document has no paths object")

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

// IsMethod reports whether s names an HTTP method as used in path items.
func IsMethod(s string) bool { return httpMethods[strings.ToLower(s)] }

// Endpoint is a (path, method) pair declared by the document.
type Endpoint struct {
	Path   string
	Method string
}

// Document is a parsed specification. It is read-only after Parse.
type Document struct {
	raw      map[string]any
	paths    map[string]any
	order    []string
	methods  map[string][]string
	CachedAt time.Time
}

// Parse decodes a specification and records the declaration order of its
// paths and methods.
func Parse(data []byte) (*Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	paths, ok := raw["paths"].(map[string]any)
	if !ok {
		return nil, ErrNotOpenAPI
	}
	order, methods, err := declarationOrder(data)
	if err != nil {
		return nil, fmt.Errorf("read path order: %w", err)
	}
	delete(raw, cachedDateKey)
	return &Document{raw: raw, paths: paths, order: order, methods: methods}, nil
}

// Raw exposes the decoded tree. Callers must not modify it.
func (d *Document) Raw() map[string]any { return d.raw }

// Paths lists every declared path in declaration order.
func (d *Document) Paths() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Endpoints lists every (path, method) pair in declaration order.
func (d *Document) Endpoints() []Endpoint {
	var out []Endpoint
	for _, p := range d.order {
		for _, m := range d.methods[p] {
			out = append(out, Endpoint{Path: p, Method: m})
		}
	}
	return out
}

// GetPaths lists the paths that support GET.
func (d *Document) GetPaths() []string {
	var out []string
	for _, p := range d.order {
		if _, ok := d.Operation(p, "get"); ok {
			out = append(out, p)
		}
	}
	return out
}

// Operation returns the operation object for path and method.
func (d *Document) Operation(path, method string) (map[string]any, bool) {
	item, ok := d.paths[path].(map[string]any)
	if !ok {
		return nil, false
	}
	op, ok := item[strings.ToLower(method)].(map[string]any)
	return op, ok
}

// RequiresAuth reports whether GET on path declares a security requirement,
// either on the operation or, when the operation is silent, at the root.
func (d *Document) RequiresAuth(path string) bool {
	op, ok := d.Operation(path, "get")
	if !ok {
		return false
	}
	if _, ok := op["security"]; ok {
		return true
	}
	root, ok := d.raw["security"].([]any)
	return ok && len(root) > 0
}

// SecuritySchemes returns securityDefinitions (OpenAPI 2) or
// components.securitySchemes (OpenAPI 3).
func (d *Document) SecuritySchemes() map[string]any {
	if defs, ok := d.raw["securityDefinitions"].(map[string]any); ok {
		return defs
	}
	if comps, ok := d.raw["components"].(map[string]any); ok {
		if schemes, ok := comps["securitySchemes"].(map[string]any); ok {
			return schemes
		}
	}
	return nil
}

// Description is info.description, or "".
func (d *Document) Description() string {
	info, _ := d.raw["info"].(map[string]any)
	s, _ := info["description"].(string)
	return s
}

// Summary is a short identification of a document.
type Summary struct {
	Format  string   `json:"format"`
	Title   string   `json:"title"`
	Version string   `json:"version"`
	Servers []string `json:"servers,omitempty"`
}

// Summary reads the title, version and server list.
func (d *Document) Summary() Summary {
	var s Summary
	if v, ok := d.raw["openapi"].(string); ok {
		s.Format = "openapi " + v
	} else if v, ok := d.raw["swagger"].(string); ok {
		s.Format = "swagger " + v
	}
	if info, ok := d.raw["info"].(map[string]any); ok {
		s.Title, _ = info["title"].(string)
		s.Version, _ = info["version"].(string)
	}
	if servers, ok := d.raw["servers"].([]any); ok {
		for _, srv := range servers {
			if m, ok := srv.(map[string]any); ok {
				if u, ok := m["url"].(string); ok {
					s.Servers = append(s.Servers, u)
				}
			}
		}
	}
	if host, ok := d.raw["host"].(string); ok && host != "" {
		base, _ := d.raw["basePath"].(string)
		s.Servers = append(s.Servers, host+base)
	}
	return s
}

// declarationOrder streams the document once to recover the order of the
// keys under "paths" and of the methods under each path.
func declarationOrder(data []byte) ([]string, map[string][]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, nil, err
	}
	methods := map[string][]string{}
	var order []string
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, nil, err
		}
		if key != "paths" {
			if err := skipValue(dec); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := expectDelim(dec, '{'); err != nil {
			return nil, nil, err
		}
		for dec.More() {
			path, err := readKey(dec)
			if err != nil {
				return nil, nil, err
			}
			if _, seen := methods[path]; !seen {
				order = append(order, path)
				methods[path] = nil
			}
			tok, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			if tok != json.Delim('{') {
				if d, ok := tok.(json.Delim); ok && d == '[' {
					if err := skipRest(dec, 1); err != nil {
						return nil, nil, err
					}
				}
				continue
			}
			for dec.More() {
				m, err := readKey(dec)
				if err != nil {
					return nil, nil, err
				}
				if IsMethod(m) {
					methods[path] = append(methods[path], strings.ToLower(m))
				}
				if err := skipValue(dec); err != nil {
					return nil, nil, err
				}
			}
			if _, err := dec.Token(); err != nil {
				return nil, nil, err
			}
		}
		return order, methods, nil
	}
	return order, methods, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		return skipRest(dec, 1)
	}
	return nil
}

func skipRest(dec *json.Decoder, depth int) error {
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
	return nil
}
