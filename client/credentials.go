package client

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialSupplier returns the bearer token for jwt-bearer routes.
type CredentialSupplier func(ctx context.Context) (string, error)

// StaticCredentials always supplies token.
func StaticCredentials(token string) CredentialSupplier {
	return func(context.Context) (string, error) { return token, nil }
}

// JWTConfig configures locally signed HS256 tokens.
type JWTConfig struct {
	Secret   string        `yaml:"secret" json:"-"`
	Issuer   string        `yaml:"issuer" json:"issuer,omitempty"`
	Audience string        `yaml:"audience" json:"audience,omitempty"`
	Subject  string        `yaml:"subject" json:"subject,omitempty"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// SignedCredentials signs a fresh token per call.
func SignedCredentials(cfg JWTConfig) (CredentialSupplier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	secret := []byte(cfg.Secret)

	return func(context.Context) (string, error) {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   cfg.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		}
		if cfg.Audience != "" {
			claims.Audience = jwt.ClaimStrings{cfg.Audience}
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	}, nil
}
