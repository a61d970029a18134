// Package httpapi exposes oneid over JSON HTTP. Routes are served by a
// gorilla/mux router wrapped in an scs session, which only ever holds the id
// of an in-flight discoverable passkey ceremony.
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"

	"github.com/robokop/oneid"
	"github.com/robokop/oneid/oauth2"
)

const passkeySessionKey = "passkeySessionId"

// Server routes HTTP requests onto a wired oneid.OneID.
type Server struct {
	ID      *oneid.OneID
	Session *scs.SessionManager

	// Optional federated providers. Their OnLogin is set by NewServer when empty.
	Google *oauth2.Provider
	Github *oauth2.Provider

	Logger *slog.Logger
}

// NewServer wires the default session manager and federated login callbacks.
func NewServer(id *oneid.OneID, google, github *oauth2.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ID: id, Google: google, Github: github, Logger: logger}

	session := scs.New()
	session.Lifetime = id.Config.ChallengeTTL
	session.Cookie.Name = "oneid_ceremony"
	session.Cookie.HttpOnly = true
	session.Cookie.SameSite = http.SameSiteLaxMode
	session.Cookie.Secure = secureOrigins(id.Config.RelyingParty.Origins)
	s.Session = session

	for _, p := range []*oauth2.Provider{google, github} {
		if p == nil {
			continue
		}
		if p.OnLogin == nil {
			p.OnLogin = s.federatedLogin
		}
		if p.FailureURL == "" && id.Config.FrontendURL != "" {
			p.FailureURL = strings.TrimRight(id.Config.FrontendURL, "/") + "/login"
		}
		p.SecureCookies = session.Cookie.Secure
		if p.Logger == nil {
			p.Logger = logger
		}
	}
	return s
}

func secureOrigins(origins []string) bool {
	for _, o := range origins {
		if !strings.HasPrefix(o, "https://") {
			return false
		}
	}
	return len(origins) > 0
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Router registers every route on a new router
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	users := api.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	users.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	users.HandleFunc("/profile", s.RequireUser(s.handleProfile)).Methods(http.MethodGet)

	auth := api.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/validate-token", s.handleValidateToken).Methods(http.MethodPost)
	auth.HandleFunc("/verification-link", s.handleVerificationLink).Methods(http.MethodPost)
	auth.HandleFunc("/activate-user-token", s.handleInspectActivation).Methods(http.MethodGet)
	auth.HandleFunc("/activate-new-user", s.handleActivateNewUser).Methods(http.MethodPost)
	auth.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet, http.MethodPost)
	if s.Google != nil {
		auth.HandleFunc("/google", s.Google.HandleRedirect).Methods(http.MethodGet)
		auth.HandleFunc("/google/callback", s.Google.HandleCallback).Methods(http.MethodGet)
	}
	if s.Github != nil {
		auth.HandleFunc("/github", s.Github.HandleRedirect).Methods(http.MethodGet)
		auth.HandleFunc("/github/callback", s.Github.HandleCallback).Methods(http.MethodGet)
	}

	passkeys := api.PathPrefix("/passkeys").Subrouter()
	passkeys.HandleFunc("/generate-registration-options", s.RequireUser(s.handleRegistrationOptions)).Methods(http.MethodPost, http.MethodGet)
	passkeys.HandleFunc("/verify-registration", s.RequireUser(s.handleVerifyRegistration)).Methods(http.MethodPost)
	passkeys.HandleFunc("/generate-authentication-options", s.handleAuthenticationOptions).Methods(http.MethodPost, http.MethodGet)
	passkeys.HandleFunc("/verify-authentication", s.handleVerifyAuthentication).Methods(http.MethodPost)
	passkeys.HandleFunc("/list", s.RequireUser(s.handleListPasskeys)).Methods(http.MethodGet)
	passkeys.HandleFunc("/{id}", s.RequireUser(s.handleDeletePasskey)).Methods(http.MethodDelete)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// Handler returns the routed API with session loading and request logging
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.Session.LoadAndSave(s.Router()))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger().DebugContext(r.Context(), "request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// federatedLogin merges the provider profile into the user store and sends
// the browser back to the frontend with a session token.
func (s *Server) federatedLogin(w http.ResponseWriter, r *http.Request, profile oneid.FederatedProfile) {
	user, err := s.ID.Identities.UpsertFederatedUser(r.Context(), profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.ID.Tokens.IssueToken(user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger().InfoContext(r.Context(), "federated login", "provider", profile.Provider, "user_id", user.ID)
	target := fmt.Sprintf("%s/oauth-callback?token=%s", strings.TrimRight(s.ID.Config.FrontendURL, "/"), url.QueryEscape(token))
	http.Redirect(w, r, target, http.StatusFound)
}
