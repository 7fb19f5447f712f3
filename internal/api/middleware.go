/**
 * @description
 * This file contains the middleware for the ticket-service router: bearer token
 * authentication, role gating, the internal API key check and request logging.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token verification.
 * - github.com/go-chi/chi/v5/middleware: request ids and response wrapping.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/helphut/ticket-service/internal/domain"
	"github.com/rs/zerolog"
)

// ActorContextKey is a custom type for the context key to avoid collisions.
type ActorContextKey string

const actorKey ActorContextKey = "actor"

// AuthConfig holds the token verification settings.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// identityClaims is the token payload. ActorID names the partner organization or
// volunteer profile and defaults to the subject.
type identityClaims struct {
	Role    string `json:"role"`
	ActorID string `json:"actor_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates HS256 bearer tokens and places the caller's actor in
// the request context.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(options...)
	secret := []byte(cfg.Secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := &identityClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Invalid token")
				return
			}

			actor, err := actorFromClaims(claims)
			if err != nil {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromClaims(claims *identityClaims) (domain.Actor, error) {
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("invalid role claim")
	}
	rawID := strings.TrimSpace(claims.ActorID)
	if rawID == "" {
		rawID = strings.TrimSpace(claims.Subject)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("actor id not found in token")
	}
	return domain.Actor{ID: id, Role: role}, nil
}

// ActorFromContext returns the authenticated actor placed by AuthMiddleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// RequireRole rejects authenticated callers whose role is not listed.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Authentication required")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErrorBody(w, http.StatusForbidden, ErrorTypeForbidden, fmt.Sprintf("role %q cannot use this endpoint", actor.Role))
		})
	}
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An unset key closes the internal surface.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeErrorBody(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := logger.Info()
			if status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
