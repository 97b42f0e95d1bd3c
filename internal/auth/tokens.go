package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour
)

var (
	ErrMissingSigningSecret = errors.New("token issuer: signing secret required")
	ErrMissingIssuer        = errors.New("token issuer: issuer required")
	ErrMissingAudience      = errors.New("token issuer: audience required")
	ErrMissingSubject       = errors.New("token issuer: subject required")
	ErrMissingToken         = errors.New("token issuer: token required")
	ErrInvalidToken         = errors.New("token issuer: invalid token")
	ErrExpiredToken         = errors.New("token issuer: token expired")
)

// TokenIssuerConfig describes how service tokens are signed and validated.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the HS256 service tokens that guard the
// HTTP API. Tokens are minted offline with the token subcommand and presented
// by clients as bearer credentials.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with validated configuration.
// A non-positive TokenTTL falls back to the default.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// IssueToken produces a signed service token and its expiry (seconds) for the subject.
func (i *TokenIssuer) IssueToken(_ context.Context, subject string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, ErrMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the service token is well formed and returns its subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
