// Package request turns a filled parameter container into URLs and executes
// them, following pagination and recovering from expired tokens.
package request

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golovatskygroup/bard/internal/params"
	"github.com/golovatskygroup/bard/internal/spec"
)

var (
	ErrNoEndpoint           = errors.New("no API_call in parameters")
	ErrMissingPathParameter = errors.New("missing path parameter")
)

// MissingPathParameterError names the first path parameter without a value.
type MissingPathParameterError struct {
	Endpoint string
	Name     string
}

func (e *MissingPathParameterError) Error() string {
	return fmt.Sprintf("missing path parameter %q for %s", e.Name, e.Endpoint)
}

func (e *MissingPathParameterError) Unwrap() error { return ErrMissingPathParameter }

var placeholder = regexp.MustCompile(`\{([^}]+)\}`)

// Build renders the URL for c against baseURL. types gives the location of
// each parameter; parameters it does not list are sent in the query. c is
// not modified.
func Build(baseURL string, c *params.Container, types map[string]spec.ParamType) (string, error) {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return "", ErrNoEndpoint
	}

	values := c.Values()
	for k, v := range values {
		if params.IsEmpty(v) {
			delete(values, k)
		}
	}

	for _, name := range sortedKeys(types) {
		if types[name].Location != "path" {
			continue
		}
		if _, ok := values[name]; !ok {
			return "", &MissingPathParameterError{Endpoint: endpoint, Name: name}
		}
	}

	path := placeholder.ReplaceAllStringFunc(endpoint, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := values[name]
		if !ok {
			return m
		}
		return renderValue(v, url.PathEscape, ",")
	})

	var query []string
	for _, name := range c.Keys() {
		v, ok := values[name]
		if !ok || types[name].Location == "path" {
			continue
		}
		query = append(query, url.QueryEscape(name)+"="+renderValue(v, url.QueryEscape, "%2C"))
	}

	out := strings.TrimSuffix(baseURL, "/") + path
	if len(query) > 0 {
		out += "?" + strings.Join(query, "&")
	}
	return out, nil
}

// renderValue stringifies v for a URL. Lists join their escaped elements
// with sep.
func renderValue(v any, escape func(string) string, sep string) string {
	switch x := v.(type) {
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = escape(scalar(e))
		}
		return strings.Join(parts, sep)
	case []string:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = escape(e)
		}
		return strings.Join(parts, sep)
	case []int:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = strconv.Itoa(e)
		}
		return strings.Join(parts, sep)
	case []int64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = strconv.FormatInt(e, 10)
		}
		return strings.Join(parts, sep)
	case []float64:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = scalar(e)
		}
		return strings.Join(parts, sep)
	}
	return escape(scalar(v))
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]spec.ParamType) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
