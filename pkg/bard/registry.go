package bard

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateClient = errors.New("client already registered")
	ErrUnknownClient   = errors.New("client not registered")
)

// Registry holds clients by instance name. The caller creates clients and
// adds them; Get never builds one.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[string]*Client{}}
}

// Add registers c under its name.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClient, c.Name())
	}
	r.clients[c.Name()] = c
	return nil
}

func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, name)
	}
	return c, nil
}

// Remove unregisters name and returns the client without closing it.
func (r *Registry) Remove(name string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[name]
	delete(r.clients, name)
	return c, ok
}

// Names lists the registered instances, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes and forgets every client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}
