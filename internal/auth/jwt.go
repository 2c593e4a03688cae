// Package auth identifies the coordinator behind mutating requests. HS256
// bearer tokens only; upstream identity providers are out of scope for the
// sync core.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

// CtxUserID carries the authenticated coordinator id.
const CtxUserID ctxKey = "uid"

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// UserID returns the coordinator id from the request context, empty when
// unauthenticated.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxUserID).(string); ok {
		return v
	}
	return ""
}

// parseToken validates an HS256 token and extracts the subject claim.
func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("token missing sub claim")
	}
	return sub, nil
}

// Middleware authenticates requests and stores the coordinator id in the
// context. In dev mode an X-Debug-Sub header short-circuits token validation.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.DevMode {
				if sub := r.Header.Get("X-Debug-Sub"); sub != "" {
					ctx := context.WithValue(r.Context(), CtxUserID, sub)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			sub, err := parseToken(strings.TrimPrefix(header, "Bearer "), cfg.HS256Secret)
			if err != nil {
				log.Warn().Err(err).Msg("token validation failed")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxUserID, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
