package ratelimit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Subject is who a request is counted against.
type Subject struct {
	Identifier Identifier
	Tier       Tier
}

type tokenClaims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Resolver turns a request into a Subject. A valid HS256 bearer token yields a
// user identifier and the tier from its "tier" claim; anything else is counted
// against the client address under the anonymous tier.
type Resolver struct {
	secret      []byte
	defaultTier Tier
	logger      *zap.Logger
}

func NewResolver(secret string, lg *zap.Logger) *Resolver {
	return &Resolver{secret: []byte(secret), defaultTier: TierFree, logger: logger.OrNop(lg)}
}

// Resolve never falls back to a shared bucket: if the client address cannot be
// parsed and no valid token is present, ErrInvalidIdentifier is returned.
func (r *Resolver) Resolve(req *http.Request, clientIP string) (Subject, error) {
	if raw, ok := bearerToken(req); ok && len(r.secret) > 0 {
		sub, err := r.fromToken(raw)
		if err == nil {
			return sub, nil
		}
		r.logger.Debug("Ignoring invalid bearer token", zap.Error(err))
	}

	id, err := NewIPIdentifier(clientIP)
	if err != nil {
		return Subject{}, err
	}
	return Subject{Identifier: id, Tier: TierAnonymous}, nil
}

func (r *Resolver) fromToken(raw string) (Subject, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Subject{}, fmt.Errorf("parse token: %w", err)
	}

	id, err := NewUserIdentifier(claims.Subject)
	if err != nil {
		return Subject{}, err
	}

	tier := Tier(claims.Tier)
	switch tier {
	case TierFree, TierPro:
	default:
		tier = r.defaultTier
	}
	return Subject{Identifier: id, Tier: tier}, nil
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}
