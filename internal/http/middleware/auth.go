package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth guards /v1/ routes with a static bearer token. Streaming routes also
// accept the token as the access_token query parameter because browser
// EventSource clients cannot set headers.
func Auth(requiredToken string, streamPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredToken == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" && hasAnyPrefix(r.URL.Path, streamPrefixes) {
				token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(requiredToken)) != 1 {
				writeUnauthorized(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="ingest"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"},"request_id":"` + GetRequestID(r.Context()) + `"}`))
}
