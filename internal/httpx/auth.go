package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey int

const (
	shopperKey ctxKey = iota
	sessionKey
)

const (
	SessionHeader = "X-Session-Id"
	SessionCookie = "sid"
)

type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Auth validates HS256 bearer tokens issued by the storefront's login service.
type Auth struct {
	Secret []byte
}

func (a *Auth) parse(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing token")
	}
	raw, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("invalid token format")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", errors.New("token has no subject")
	}
	return id, nil
}

// Authenticate rejects requests without a valid token.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.parse(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), shopperKey, id)))
	})
}

// OptionalAuth attaches the shopper when the token is valid and proceeds either way.
func (a *Auth) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, err := a.parse(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), shopperKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

// Sign issues a token for shopperID. Used by tests and local tooling.
func (a *Auth) Sign(shopperID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: shopperID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shopperID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

// Session resolves the anonymous cart session from the X-Session-Id header or the sid cookie,
// issuing a cookie when neither is present.
func Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get(SessionHeader)
		if sid == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				sid = c.Value
			}
		}
		if sid == "" {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		w.Header().Set(SessionHeader, sid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sid)))
	})
}

func shopperID(ctx context.Context) string {
	id, _ := ctx.Value(shopperKey).(string)
	return id
}

func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}
