package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// Claims identify the chat user a request acts for. The chat transport
// mints one token per user; the subject is the stable identity id.
type Claims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	ChatID string `json:"chat_id,omitempty"`
}

const issuer = "swapvault"

// IssueToken signs an HS256 token for identityID.
func IssueToken(secret []byte, identityID, name, chatID string, ttl time.Duration) (string, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", clierr.New(clierr.CodeUsage, "identity id is required")
	}
	if len(secret) == 0 {
		return "", clierr.New(clierr.CodeConfig, "jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  identityID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Name:   name,
		ChatID: chatID,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "sign token", err)
	}
	return signed, nil
}

// ParseToken verifies tokenString and returns its claims.
func ParseToken(secret []byte, tokenString string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return Claims{}, clierr.Wrap(clierr.CodeAuth, "invalid bearer token", err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, clierr.New(clierr.CodeAuth, "invalid bearer token")
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// RequireToken rejects requests without a valid bearer token.
func (s *Server) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			s.fail(w, r, clierr.New(clierr.CodeAuth, "missing bearer token"), nil)
			return
		}
		claims, err := ParseToken(s.secret, strings.TrimSpace(tokenString))
		if err != nil {
			s.fail(w, r, err, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
