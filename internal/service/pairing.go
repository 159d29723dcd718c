package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/peersync/internal/crypto"
	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/limiter"
	"github.com/and161185/peersync/internal/model"
)

// tokenIssuer is stamped into peer tokens and checked on parse.
const tokenIssuer = "peersync"

// Pairer admits peers that know the shared pairing code.
type Pairer interface {
	// Pair applies rate limiting, checks the code and issues a peer token.
	Pair(ctx context.Context, identity, code, ip string) (model.Tokens, error)
}

// PairingService issues HS256 peer tokens whose subject is the peer identity.
type PairingService struct {
	code     *pkgcrypto.PairingCode
	signKey  []byte
	tokenTTL time.Duration
	lim      limiter.Limiter
	now      func() time.Time
}

// NewPairingService constructs PairingService with required dependencies.
func NewPairingService(code *pkgcrypto.PairingCode, signKey []byte, tokenTTL time.Duration, lim limiter.Limiter) *PairingService {
	return &PairingService{code: code, signKey: signKey, tokenTTL: tokenTTL, lim: lim, now: time.Now}
}

// Pair authenticates a peer by pairing code with rate limiting by (identity, ip).
func (s *PairingService) Pair(ctx context.Context, identity, code, ip string) (model.Tokens, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || code == "" {
		return model.Tokens{}, errors.New("validation: empty identity/code")
	}
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, identity, ipHash)
	if err != nil {
		return model.Tokens{}, err
	}
	if !allowed {
		return model.Tokens{}, errs.ErrRateLimited
	}

	if !s.code.Verify(code) {
		if blocked, _, ferr := s.lim.Failure(ctx, identity, ipHash); ferr == nil && blocked {
			return model.Tokens{}, errs.ErrRateLimited
		}
		return model.Tokens{}, errs.ErrUnauthorized
	}

	// best-effort reset
	_ = s.lim.Success(ctx, identity, ipHash)

	tok, exp, err := IssuePeerToken(s.signKey, identity, s.tokenTTL, s.now())
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: tok, ExpiresAt: exp}, nil
}

// IssuePeerToken creates a signed HS256 JWT for identity.
func IssuePeerToken(signKey []byte, identity string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   identity,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
	return signed, exp, err
}

// ParsePeerToken verifies an HS256 peer token and returns its subject.
// Every failure is reported as errs.ErrUnauthorized.
func ParsePeerToken(signKey []byte, tok string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	},
		jwt.WithLeeway(30*time.Second),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("peer token: %v: %w", err, errs.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("peer token without subject: %w", errs.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// BearerToken extracts the token from an "authorization: Bearer <token>" value.
func BearerToken(values ...string) (string, error) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("no bearer token: %w", errs.ErrUnauthorized)
}
