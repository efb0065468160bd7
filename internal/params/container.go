// Package params holds the values a caller fills in for one endpoint. The
// set of accepted keys is fixed when the container is created; anything else
// goes through a KeyResolver.
package params

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/golovatskygroup/bard/internal/spec"
)

// APICallKey is the reserved key holding the endpoint path.
const APICallKey = "API_call"

var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrInvalidValue     = errors.New("invalid parameter value")
)

// Container is a key-constrained parameter map for one endpoint. It is not
// safe for concurrent mutation.
type Container struct {
	endpoint string
	order    []string
	allowed  map[string]bool
	values   map[string]any
	defs     map[string]spec.Parameter
	resolver KeyResolver
}

// Option configures a Container.
type Option func(*Container)

// WithKeyResolver sets the policy for keys outside the declared set. The
// default is Reject.
func WithKeyResolver(r KeyResolver) Option {
	return func(c *Container) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithDefaults seeds every parameter that declares a default.
func WithDefaults() Option {
	return func(c *Container) {
		for _, name := range c.order {
			if d := c.defs[name].Default; d != nil {
				c.values[name] = d
			}
		}
	}
}

// New creates a container for endpoint accepting the given parameters.
func New(endpoint string, declared []spec.Parameter, opts ...Option) *Container {
	c := &Container{
		endpoint: endpoint,
		allowed:  map[string]bool{},
		values:   map[string]any{},
		defs:     map[string]spec.Parameter{},
		resolver: Reject,
	}
	for _, p := range declared {
		if c.allowed[p.Name] || p.Name == APICallKey {
			continue
		}
		c.order = append(c.order, p.Name)
		c.allowed[p.Name] = true
		c.defs[p.Name] = p
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint is the value of API_call.
func (c *Container) Endpoint() string { return c.endpoint }

// Keys lists the accepted keys in declaration order, without API_call.
func (c *Container) Keys() []string {
	out := make([]string, 0, len(c.order))
	for _, k := range c.order {
		if c.allowed[k] {
			out = append(out, k)
		}
	}
	return out
}

// Definition returns the declared parameter behind key.
func (c *Container) Definition(key string) (spec.Parameter, bool) {
	if !c.allowed[key] {
		return spec.Parameter{}, false
	}
	p, ok := c.defs[key]
	return p, ok
}

// Types maps each accepted key to its location and display type.
func (c *Container) Types() map[string]spec.ParamType {
	out := make(map[string]spec.ParamType, len(c.order))
	for _, k := range c.Keys() {
		p := c.defs[k]
		out[k] = spec.ParamType{Location: p.In, DataType: p.DataType()}
	}
	return out
}

// Allowed reports whether key is accepted.
func (c *Container) Allowed(key string) bool {
	return key == APICallKey || c.allowed[key]
}

// Get returns the value for key. API_call always has a value.
func (c *Container) Get(key string) (any, bool) {
	if key == APICallKey {
		return c.endpoint, c.endpoint != ""
	}
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key holds a value.
func (c *Container) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value under key. An unknown key is handed to the KeyResolver,
// which may ignore it, redirect it to a valid key, or reject it.
func (c *Container) Set(ctx context.Context, key string, value any) error {
	if key == APICallKey {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidValue, APICallKey, value)
		}
		c.endpoint = s
		return nil
	}
	if c.allowed[key] {
		c.values[key] = value
		return nil
	}

	valid := c.Keys()
	res, err := c.resolver.ResolveKey(ctx, UnresolvedKey{
		Key:        key,
		Value:      value,
		Endpoint:   c.endpoint,
		Suggestion: Suggest(key, valid),
		Valid:      valid,
	})
	if err != nil {
		return fmt.Errorf("resolve parameter %q: %w", key, err)
	}
	switch res.Action {
	case Ignore:
		return nil
	case Correct:
		if !c.allowed[res.Key] {
			return fmt.Errorf("%w: %q (corrected from %q) for %s", ErrUnknownParameter, res.Key, key, c.endpoint)
		}
		c.values[res.Key] = value
		return nil
	}
	return fmt.Errorf("%w: %q is not a parameter of %s", ErrUnknownParameter, key, c.endpoint)
}

// MustSet is Set with a background context, for literals in tests and
// examples. It panics on error.
func (c *Container) MustSet(key string, value any) *Container {
	if err := c.Set(context.Background(), key, value); err != nil {
		panic(err)
	}
	return c
}

// Update sets every entry of values, in key order, stopping at the first
// error.
func (c *Container) Update(ctx context.Context, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(ctx, k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key from the values and from the accepted set, so it
// cannot be set again.
func (c *Container) Delete(key string) error {
	if !c.allowed[key] {
		return fmt.Errorf("%w: %q is not in this container", ErrUnknownParameter, key)
	}
	delete(c.values, key)
	delete(c.allowed, key)
	return nil
}

// Pop removes key like Delete and returns its value.
func (c *Container) Pop(key string) (any, bool) {
	if key == APICallKey {
		v := c.endpoint
		c.endpoint = ""
		return v, v != ""
	}
	v, ok := c.values[key]
	delete(c.values, key)
	delete(c.allowed, key)
	return v, ok
}

// Clear drops every value and every accepted key.
func (c *Container) Clear() {
	c.values = map[string]any{}
	c.allowed = map[string]bool{}
	c.order = nil
}

// Values returns a copy of the set values, without API_call.
func (c *Container) Values() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy sharing the key resolver.
func (c *Container) Clone() *Container {
	out := &Container{
		endpoint: c.endpoint,
		order:    append([]string(nil), c.order...),
		allowed:  make(map[string]bool, len(c.allowed)),
		values:   c.Values(),
		defs:     c.defs,
		resolver: c.resolver,
	}
	for k, v := range c.allowed {
		out.allowed[k] = v
	}
	return out
}
