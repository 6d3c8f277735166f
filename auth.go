package chatsync

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials carries the bearer token presented to the backend.
type Credentials struct {
	Token string
}

// Check rejects credentials that cannot succeed: an empty token, or a JWT
// whose exp claim has passed. Opaque tokens are left to the server. The
// signature is not verified here.
func (c Credentials) Check(now time.Time) error {
	if c.Token == "" {
		return &AuthError{Reason: "missing credential"}
	}
	claims, ok := c.claims()
	if !ok {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return &AuthError{Reason: "malformed exp claim", Err: err}
	}
	if exp != nil && !exp.After(now) {
		return &AuthError{Reason: fmt.Sprintf("credential expired at %s", exp.UTC().Format(time.RFC3339))}
	}
	return nil
}

// ExpiresAt returns the JWT exp claim, if the token carries one.
func (c Credentials) ExpiresAt() (time.Time, bool) {
	claims, ok := c.claims()
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Identity reads the participant identity embedded in a JWT. The user id
// comes from "userId", falling back to "sub".
func (c Credentials) Identity() Identity {
	claims, ok := c.claims()
	if !ok {
		return Identity{}
	}
	str := func(k string) string {
		switch v := claims[k].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
		return ""
	}
	id := Identity{
		UserID:    str("userId"),
		Username:  str("username"),
		FullName:  str("fullName"),
		FirstName: str("firstName"),
		LastName:  str("lastName"),
	}
	if id.UserID == "" {
		id.UserID = str("sub")
	}
	return id
}

func (c Credentials) claims() (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
