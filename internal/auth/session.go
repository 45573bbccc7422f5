// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/oops"
)

// DefaultSessionTTL is how long an issued bearer token stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Claims are the bearer token claims.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// SessionIssuer issues bearer tokens for authenticated accounts.
type SessionIssuer interface {
	Issue(account *Account) (token string, expiresAt time.Time, err error)
}

// JWTIssuer signs and verifies HS256 bearer tokens.
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Compile-time interface check.
var _ SessionIssuer = (*JWTIssuer)(nil)

// NewJWTIssuer creates an issuer. A non-positive ttl uses DefaultSessionTTL.
func NewJWTIssuer(secret string, ttl time.Duration) (*JWTIssuer, error) {
	if secret == "" {
		return nil, oops.Code("SESSION_INVALID_CONFIG").Errorf("JWT secret cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &JWTIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token carrying the account's id, username, email, and role.
func (i *JWTIssuer) Issue(account *Account) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		ID:       account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
		Role:     account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, oops.Code("SESSION_SIGN_FAILED").
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token. Any failure yields AUTH_TOKEN_INVALID.
func (i *JWTIssuer) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("token cannot be empty")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Wrap(err)
	}
	if claims.ID == "" {
		return nil, oops.Code("AUTH_TOKEN_INVALID").Errorf("token has no account id")
	}
	return claims, nil
}
