package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golovatskygroup/bard/internal/spec"
)

// Store persists one session.
type Store interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
}

// FileStore keeps the session in a JSON file shaped {"token", "expiry"}.
type FileStore struct {
	Path string
}

type tokenFile struct {
	Token    string `json:"token"`
	Expiry   string `json:"expiry"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (f FileStore) Load(context.Context) (Session, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("read token file: %w", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return Session{}, fmt.Errorf("%w: %s: %v", ErrNoSession, f.Path, err)
	}
	if tf.Token == "" {
		return Session{}, fmt.Errorf("%w: %s has no token", ErrNoSession, f.Path)
	}
	expiry, err := spec.ParseTimestamp(tf.Expiry)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s: %v", ErrNoSession, f.Path, err)
	}
	return Session{Token: tf.Token, Expiry: expiry, Endpoint: tf.Endpoint}, nil
}

func (f FileStore) Save(_ context.Context, s Session) error {
	data, err := json.Marshal(tokenFile{
		Token:    s.Token,
		Expiry:   s.Expiry.Format(time.RFC3339Nano),
		Endpoint: s.Endpoint,
	})
	if err != nil {
		return err
	}
	return spec.WriteFileAtomic(f.Path, data, 0o600)
}

// MemoryStore keeps the session for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
}

func (m *MemoryStore) Load(context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	return *m.session, nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &s
	return nil
}
