package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"thk/internal/domain"
)

var (
	// ErrMissingToken is returned when no Authorization header is present.
	ErrMissingToken = errors.New("missing authorization token")
	// ErrInvalidToken is returned when the JWT is malformed or its signature is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the JWT has expired.
	ErrExpiredToken = errors.New("token expired")
)

// Roles carried in the "role" claim.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type contextKey string

const callerKey contextKey = "thk_caller"

// Claims are the verified contents of an HTTP bearer token.
type Claims struct {
	UID       uint32
	Role      string
	IssuedAt  int64
	ExpiresAt int64
}

type jwtClaims struct {
	UID  uint32 `json:"uid"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for uid with the given role.
func IssueToken(uid uint32, role string, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	switch role {
	case RoleAdmin, RoleUser:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now()
	claims := jwtClaims{
		UID:  uid,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "thk",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies tokenStr and returns its claims.
func ParseToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	jc, ok := token.Claims.(*jwtClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	c := &Claims{UID: jc.UID, Role: jc.Role}
	if jc.IssuedAt != nil {
		c.IssuedAt = jc.IssuedAt.Unix()
	}
	if jc.ExpiresAt != nil {
		c.ExpiresAt = jc.ExpiresAt.Unix()
	}
	return c, nil
}

// CallerFrom returns the caller stored by the auth middleware.
func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(callerKey).(domain.Caller)
	return c, ok
}

// authMiddleware resolves the caller of every request. Without a secret all
// requests run as the unprivileged default identity.
func authMiddleware(secret []byte, defaultIdentity uint32) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := domain.Caller{Identity: defaultIdentity}

			if len(secret) > 0 {
				token, err := bearerToken(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				claims, err := ParseToken(token, secret)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				caller = domain.Caller{Identity: claims.UID, Admin: claims.Role == RoleAdmin}
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header. WebSocket clients that cannot
// set headers may pass the token as the access_token query parameter.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
		return "", ErrMissingToken
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid authorization header")
	}
	return parts[1], nil
}
