package httpapi

import (
	"net/http"
	"strings"

	"github.com/robokop/oneid"
)

// AuthedHandler serves a request on behalf of an authenticated principal
type AuthedHandler func(w http.ResponseWriter, r *http.Request, principal oneid.Principal)

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireUser verifies the bearer token and hands the resolved principal to
// next. Requests without a valid token get a 401.
func (s *Server) RequireUser(next AuthedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			s.writeError(w, r, oneid.NewAuthError(oneid.KindAuthFailure, oneid.ErrCodeUnauthenticated, "No token provided", ""))
			return
		}
		principal, err := s.ID.Tokens.Authenticate(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, principal)
	}
}
