package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "docbox-web"

var ErrNoSession = errors.New("no session")

// Claims is the content of the session cookie.
type Claims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

// Sessions issues and checks the signed session cookie.
type Sessions struct {
	name   string
	secret []byte
	ttl    time.Duration
}

// NewSessions creates a cookie signer. An empty secret gets a random one,
// so sessions do not survive a restart.
func NewSessions(name, secret string, ttl time.Duration) *Sessions {
	if secret == "" {
		secret = uuid.NewString() + uuid.NewString()
	}
	return &Sessions{name: name, secret: []byte(secret), ttl: ttl}
}

// Name returns the cookie name.
func (s *Sessions) Name() string { return s.name }

// Issue signs a session for login and sets it on w.
func (s *Sessions) Issue(w http.ResponseWriter, login string) error {
	now := time.Now()
	claims := &Claims{
		Login: login,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(s.ttl),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the cookie.
func (s *Sessions) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Verify returns the claims of r's session cookie.
func (s *Sessions) Verify(r *http.Request) (*Claims, error) {
	c, err := r.Cookie(s.name)
	if err != nil || c.Value == "" {
		return nil, ErrNoSession
	}
	token, err := jwt.ParseWithClaims(c.Value, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

type contextKey string

const claimsKey = contextKey("session")

func withClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFrom returns the session of an authenticated request.
func ClaimsFrom(ctx context.Context) *Claims {
	if c, ok := ctx.Value(claimsKey).(*Claims); ok {
		return c
	}
	return nil
}
