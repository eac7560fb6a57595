// Package middleware provides HTTP middleware for the settlement API.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/nimbuspay/settlement_layer/pkg/logger"
)

type contextKey string

const userIDKey contextKey = "auth_user_id"

// Claims are the JWT claims accepted on API requests.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates bearer tokens signed with a shared HMAC secret and puts the
// authenticated user id on the request context.
type Auth struct {
	secret []byte
	log    *logger.Logger
}

// NewAuth creates the auth middleware.
func NewAuth(secret string, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{secret: []byte(secret), log: log}
}

// Middleware returns a mux-compatible wrapper enforcing authentication.
func (a *Auth) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				a.reject(w, r, "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				a.reject(w, r, "Authorization header must be a bearer token")
				return
			}

			claims, err := a.validate(parts[1])
			if err != nil {
				a.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
				a.reject(w, r, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Auth) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing user_id claim")
	}
	return claims, nil
}

func (a *Auth) reject(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// UserID extracts the authenticated user id from the context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
