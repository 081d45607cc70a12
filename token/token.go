package token

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for token operations.
var (
	ErrNotFound       = errors.New("token: not found")
	ErrNoToken        = errors.New("token: no token")
	ErrNoRefreshToken = errors.New("token: no refresh token")
	ErrInvalidToken   = errors.New("token: access token is empty")

	// ErrTerminal is returned once the manager has given up refreshing. A
	// fresh grant passed to Start clears it.
	ErrTerminal = errors.New("token: refresh stopped after repeated failures")
)

// Data is one OAuth grant.
type Data struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token has expired at now. A token
// without an expiry never expires.
func (d Data) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// Valid reports whether the access token is usable at now.
func (d Data) Valid(now time.Time) bool {
	return d.AccessToken != "" && !d.Expired(now)
}

// RefreshAt returns when a refresh is due given the lead time buffer.
func (d Data) RefreshAt(buffer time.Duration) time.Time {
	return d.ExpiresAt.Add(-buffer)
}

// clone copies d so callers cannot alias the manager's scope slice.
func (d Data) clone() Data {
	if d.Scopes != nil {
		d.Scopes = append([]string(nil), d.Scopes...)
	}
	return d
}

// Store persists grants keyed by principal.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Load returns an error matching ErrNotFound when nothing is stored.
// - Delete is idempotent.
type Store interface {
	Load(ctx context.Context, principal string) (Data, error)
	Save(ctx context.Context, principal string, d Data) error
	Delete(ctx context.Context, principal string) error
}

// RefreshTransport performs the refresh-token exchange with the provider.
// Errors must be classified with the resilience error constructors; a
// revoked grant is recognised from a resilience.AuthGrant error. Untyped
// errors are only checked for a grant code in their text.
type RefreshTransport interface {
	Exchange(ctx context.Context, refreshToken string) (Data, error)
}

// TransportFunc adapts a function to RefreshTransport.
type TransportFunc func(ctx context.Context, refreshToken string) (Data, error)

// Exchange calls f.
func (f TransportFunc) Exchange(ctx context.Context, refreshToken string) (Data, error) {
	return f(ctx, refreshToken)
}

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted         EventType = "started"
	EventRefreshed       EventType = "refreshed"
	EventRefreshFailed   EventType = "refresh-failed"
	EventTerminalFailure EventType = "terminal-failure"
	EventStopped         EventType = "stopped"
	EventSignedOut       EventType = "signed-out"
)

// Event reports a change in a credential's lifecycle. Events never carry
// token material.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Principal string    `json:"principal"`
	At        time.Time `json:"at"`
	Err       string    `json:"error,omitempty"`
}

// Notifier broadcasts lifecycle events, for example to other processes
// sharing the same store.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f NotifierFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
