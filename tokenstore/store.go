package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonwraymond/apiguard/token"
)

// ErrNotFound is returned by backends when a key is absent. It is
// token.ErrNotFound.
var ErrNotFound = token.ErrNotFound

// Backend stores opaque records by key.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get returns an error matching ErrNotFound when key is absent.
// - Delete is idempotent.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Store is a token.Store over a Backend.
type Store struct {
	backend Backend
	sealer  *Sealer
}

// Option configures a Store.
type Option func(*Store)

// WithSealer encrypts every record with s.
func WithSealer(s *Sealer) Option {
	return func(st *Store) { st.sealer = s }
}

// New creates a Store on backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and decodes principal's grant.
func (s *Store) Load(ctx context.Context, principal string) (token.Data, error) {
	raw, err := s.backend.Get(ctx, principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return token.Data{}, err
		}
		return token.Data{}, fmt.Errorf("tokenstore: load %s: %w", principal, err)
	}

	if s.sealer != nil {
		if raw, err = s.sealer.Open(raw, principal); err != nil {
			return token.Data{}, fmt.Errorf("tokenstore: open %s: %w", principal, err)
		}
	}

	var d token.Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return token.Data{}, fmt.Errorf("tokenstore: decode %s: %w", principal, err)
	}
	return d, nil
}

// Save encodes and writes d.
func (s *Store) Save(ctx context.Context, principal string, d token.Data) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("tokenstore: encode %s: %w", principal, err)
	}
	if s.sealer != nil {
		if raw, err = s.sealer.Seal(raw, principal); err != nil {
			return fmt.Errorf("tokenstore: seal %s: %w", principal, err)
		}
	}
	if err := s.backend.Put(ctx, principal, raw); err != nil {
		return fmt.Errorf("tokenstore: save %s: %w", principal, err)
	}
	return nil
}

// Delete removes principal's grant.
func (s *Store) Delete(ctx context.Context, principal string) error {
	if err := s.backend.Delete(ctx, principal); err != nil {
		return fmt.Errorf("tokenstore: delete %s: %w", principal, err)
	}
	return nil
}

var _ token.Store = (*Store)(nil)
