package token

import (
	"net/http"
)

// RoundTripper authorizes outgoing requests with the manager's current
// access token.
type RoundTripper struct {
	manager *Manager
	base    http.RoundTripper
}

// NewRoundTripper wraps base, or http.DefaultTransport when nil.
func NewRoundTripper(m *Manager, base http.RoundTripper) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{manager: m, base: base}
}

// RoundTrip sets the Authorization header on a copy of req. Like any
// RoundTripper it closes the request body, even when no token is available.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	access, err := rt.manager.GetValidToken(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}

	tokenType := "Bearer"
	if cur, ok := rt.manager.Current(); ok && cur.TokenType != "" && cur.AccessToken == access {
		tokenType = cur.TokenType
	}

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", tokenType+" "+access)
	return rt.base.RoundTrip(out)
}

// Client returns an http.Client using rt.
func (rt *RoundTripper) Client() *http.Client {
	return &http.Client{Transport: rt}
}
