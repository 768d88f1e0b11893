package adminapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig guards the admin API with an optional HS256 bearer token.
// Every route here is read-only, so there is no API-key tier as in the
// teacher's middleware - a valid token is the only way in.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
}

// BearerAuth validates an HS256 JWT on every request except /health.
type BearerAuth struct {
	secret []byte
}

// NewBearerAuth builds a BearerAuth checking tokens against secret.
func NewBearerAuth(secret string) *BearerAuth {
	return &BearerAuth{secret: []byte(secret)}
}

// Handler is mux middleware enforcing the bearer token.
func (a *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !parsed.Valid {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
