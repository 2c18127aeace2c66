package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const adminKeyCtx contextKey = "admin_key"

// AdminKeyHeader carries the admin key. A Bearer Authorization header is
// accepted as well.
const AdminKeyHeader = "X-Admin-Key"

// adminKeyMiddleware lifts the presented admin key into the request context
// and rejects requests that carry none. The key itself is verified by the
// admin service on every operation.
func adminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
		if key == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				key = strings.TrimSpace(h[7:])
			}
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing admin key")
			return
		}
		ctx := context.WithValue(r.Context(), adminKeyCtx, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(adminKeyCtx).(string)
	return key
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AdminKeyHeader)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
