package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	stateCookie    = "oauthstate"
	stateCookieTTL = 10 * time.Minute
)

func generateStateOauthCookie(w http.ResponseWriter, secure bool) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	state := base64.URLEncoding.EncodeToString(b)
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(stateCookieTTL),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return state, nil
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/", MaxAge: -1})
}

// OauthRedirector sends the browser to the provider's consent screen with a
// fresh state value that the callback must echo back.
func OauthRedirector(oauthConfig *oauth2.Config, secureCookies bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := generateStateOauthCookie(w, secureCookies)
		if err != nil {
			slog.Error("generate oauth state", "error", err)
			http.Error(w, "could not start login", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, oauthConfig.AuthCodeURL(state), http.StatusFound)
	}
}
