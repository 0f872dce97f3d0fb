package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// presentedToken reads "Authorization: token <t>" or the token query parameter.
func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "token") {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("token")
}

// requireToken guards the API with a bcrypt hash of the shared access token.
// An empty hash disables the check.
func requireToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := presentedToken(r)
			if tok == "" {
				respondError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(tok)); err != nil {
				respondError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
