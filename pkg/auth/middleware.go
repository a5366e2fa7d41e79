package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// TokenQueryParam carries the token for clients that cannot set headers,
// such as browser EventSource streams.
const TokenQueryParam = "token"

// ExtractToken returns the request token from the Authorization header,
// falling back to the token query parameter.
func ExtractToken(r *http.Request) string {
	if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Middleware authenticates every request with a. When required is true,
// requests without a valid token get 401; otherwise they pass through
// without a principal.
func Middleware(a Authenticator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				if required {
					unauthorized(w, "missing authentication token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			ctx := WithToken(r.Context(), token)
			p, err := a.Authenticate(ctx)
			if err != nil {
				if required {
					unauthorized(w, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

// RequireAuth returns middleware that rejects unauthenticated requests.
func RequireAuth(a Authenticator) func(http.Handler) http.Handler {
	return Middleware(a, true)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
