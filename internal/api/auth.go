package api

import (
	"crypto/subtle"
	"net/http"
)

// AgentSecret rejects requests that do not carry secret in the
// X-Agent-Secret header or the "secret" query parameter. An empty secret
// rejects everything.
func AgentSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Agent-Secret")
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if secret == "" || !secretEqual(got, secret) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing agent secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
