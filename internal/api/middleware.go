package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/pkg/httputil"
)

// authMiddleware verifies the caller presented either a static bearer
// token from cfg.Tokens or a JWT signed with cfg.JWTSecret. It is
// intentionally shallow: spec §1 puts the business logic of caller
// identity and authorization out of scope, so this only establishes that
// the request carries *a* credential this deployment recognizes, not who
// the caller is or what they're allowed to do.
func authMiddleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	tokens := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 && cfg.JWTSecret == "" {
				next.ServeHTTP(w, r) // no credentials configured: auth disabled
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				httputil.Unauthorized(w, "missing bearer token")
				return
			}

			if _, ok := tokens[raw]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.JWTSecret != "" {
				_, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
					return []byte(cfg.JWTSecret), nil
				}, jwt.WithValidMethods([]string{"HS256"}))
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}

			httputil.Unauthorized(w, "invalid credentials")
		})
	}
}
