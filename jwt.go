package tide

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by an auth token.
// Parsed without verification; the server is the verifier.
type AuthClaims struct {
	Subject string
	Issuer  string
	Expiry  *time.Time
}

func ParseAuthClaimsUnverified(token string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}

	authClaims := &AuthClaims{}
	if subject, err := claims.GetSubject(); err == nil {
		authClaims.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		authClaims.Issuer = issuer
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		authClaims.Expiry = &expiry.Time
	}
	return authClaims, nil
}

func (self *AuthClaims) Expired(now time.Time) bool {
	if self.Expiry == nil {
		return false
	}
	return self.Expiry.Before(now)
}
