package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Credential sources, checked in order.
var credentialSources = []func(*http.Request) string{
	bearerToken,
	func(r *http.Request) string { return strings.TrimSpace(r.Header.Get("X-API-Key")) },
	// Browsers cannot set headers on a WebSocket handshake.
	func(r *http.Request) string {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return ""
		}
		return r.URL.Query().Get("api_key")
	},
}

// Auth rejects requests that do not present apiKey. An empty key disables
// the check, and paths in public are always let through.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	if apiKey == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range public {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			presented := ""
			for _, src := range credentialSources {
				if presented = src(r); presented != "" {
					break
				}
			}
			switch {
			case presented == "":
				deny(w, "missing authentication token")
			case subtle.ConstantTimeCompare([]byte(presented), want) != 1:
				deny(w, "invalid authentication token")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("WWW-Authenticate", `Bearer realm="spotmaker"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
