package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"herringbone/config"
	"herringbone/core"

	"github.com/golang-jwt/jwt/v5"
	googleuuid "github.com/google/uuid"
)

// Service token scopes. Every mutating route names the scope it needs;
// a token carries the union of scopes its service was issued.
const (
	ScopeCorrelate      = "incidents:correlate"
	ScopeIncidentsWrite = "incidents:write"
	ScopeIncidentsRead  = "incidents:read"
	ScopeRulesRead      = "rules:read"
	ScopeRulesWrite     = "rules:write"
	ScopeMatcher        = "matcher:match"
)

// ServiceClaims are the claims carried by a service token.
type ServiceClaims struct {
	Service string   `json:"service"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants the scope.
func (c *ServiceClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueServiceToken mints an HS256 service token with the given scopes.
func IssueServiceToken(service string, scopes []string, cfg *config.Config) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(cfg.Auth.TokenExpiry)

	claims := &ServiceClaims{
		Service: service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "herringbone",
			Subject:   service,
			ID:        googleuuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.Auth.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign service token: %w", err)
	}
	return signed, expiry, nil
}

// VerifyServiceToken parses and validates a service token. The signing
// method is pinned to HS256 so an attacker cannot downgrade to none.
func VerifyServiceToken(tokenString string, cfg *config.Config) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Auth.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ServiceTokenSource returns a credential provider that self-issues
// tokens for an in-process client calling another component over HTTP.
// Cached until near expiry; ForceRefresh mints a fresh one.
func ServiceTokenSource(service string, scopes []string, cfg *config.Config) core.TokenSource {
	return core.NewCachedTokenSource(func(context.Context) (string, time.Time, error) {
		return IssueServiceToken(service, scopes, cfg)
	}, 30*time.Second)
}

type claimsContextKey struct{}

// requireScope wraps a handler with bearer-token verification and a
// scope check. With auth disabled in config the handler runs as-is.
func (a *API) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Auth.Enabled {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil, a.logger)
			return
		}

		claims, err := VerifyServiceToken(strings.TrimPrefix(header, "Bearer "), a.config)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid service token", err, a.logger)
			return
		}
		if !claims.HasScope(scope) {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("Token for %s lacks scope %s", claims.Service, scope), nil, a.logger)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next(w, r.WithContext(ctx))
	}
}
