package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFromJWT returns the exp claim of a JWT access token. The signature
// is not verified: the token is only inspected to schedule its refresh when
// the grant omitted expires_in. ok is false for opaque tokens.
func ExpiryFromJWT(accessToken string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time.UTC(), true
}

// withExpiry fills in ExpiresAt from the access token when it is missing.
func withExpiry(d Data) Data {
	if d.ExpiresAt.IsZero() {
		if exp, ok := ExpiryFromJWT(d.AccessToken); ok {
			d.ExpiresAt = exp
		}
	}
	return d
}
