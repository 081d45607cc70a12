package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/jonwraymond/apiguard/resilience"
)

// OAuth2Transport exchanges refresh tokens at an OAuth2 token endpoint.
type OAuth2Transport struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuth2Transport creates a transport for cfg. A nil client uses
// http.DefaultClient.
func NewOAuth2Transport(cfg *oauth2.Config, client *http.Client) *OAuth2Transport {
	return &OAuth2Transport{config: cfg, client: client}
}

// Exchange performs a refresh_token grant. Provider errors are classified:
// invalid_grant and similar codes become auth-grant errors, 429 and 503
// become rate-limit errors, and 408 and other 5xx become transient.
func (t *OAuth2Transport) Exchange(ctx context.Context, refreshToken string) (Data, error) {
	if t.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, t.client)
	}

	// An already-expired token makes the source refresh immediately.
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := t.config.TokenSource(ctx, expired).Token()
	if err != nil {
		return Data{}, classifyOAuth2Error(err)
	}

	d := Data{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.Type(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		d.Scopes = strings.Fields(scope)
	}
	return d, nil
}

func classifyOAuth2Error(err error) error {
	const op = "token-exchange"

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		cerr := resilience.FromStatus(op, status, re.ErrorCode, err)
		var typed *resilience.Error
		if errors.As(cerr, &typed) && typed.Kind == resilience.KindRateLimit && re.Response != nil {
			if secs, perr := strconv.Atoi(re.Response.Header.Get("Retry-After")); perr == nil && secs > 0 {
				typed.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return cerr
	}
	if resilience.IsRetryable(err) {
		return resilience.Transient(op, err)
	}
	return fmt.Errorf("token: exchange: %w", err)
}

var _ RefreshTransport = (*OAuth2Transport)(nil)
