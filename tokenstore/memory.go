package tokenstore

import (
	"context"
	"sync"

	"github.com/jonwraymond/apiguard/token"
)

// Memory is an in-process token.Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]token.Data
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]token.Data)}
}

// Load returns the grant for principal.
func (m *Memory) Load(_ context.Context, principal string) (token.Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[principal]
	if !ok {
		return token.Data{}, token.ErrNotFound
	}
	return copyData(d), nil
}

// Save stores a copy of d.
func (m *Memory) Save(_ context.Context, principal string, d token.Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[principal] = copyData(d)
	return nil
}

// Delete removes principal's grant.
func (m *Memory) Delete(_ context.Context, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, principal)
	return nil
}

func copyData(d token.Data) token.Data {
	if d.Scopes != nil {
		d.Scopes = append([]string(nil), d.Scopes...)
	}
	return d
}

var _ token.Store = (*Memory)(nil)
