// Package oauth2 implements Google and GitHub sign-in with
// golang.org/x/oauth2. A provider runs the redirect and callback legs and
// hands the resulting oneid.FederatedProfile to a LoginFunc, which normally
// merges it into the user store and issues a session token.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/robokop/oneid"
)

// LoginFunc completes a federated login once the provider vouched for profile
type LoginFunc func(w http.ResponseWriter, r *http.Request, profile oneid.FederatedProfile)

// ErrNoEmail is returned when a provider profile carries no usable email
var ErrNoEmail = errors.New("oauth2: provider returned no email")

type profileFetcher func(ctx context.Context, p *Provider, token *oauth2.Token) (oneid.FederatedProfile, error)

// Provider is one configured OAuth2 identity provider.
type Provider struct {
	Name   string
	Config oauth2.Config

	// UserInfoURL is the profile endpoint. Overridable for tests.
	UserInfoURL string

	// EmailsURL lists the account's addresses when the profile hides them
	EmailsURL string

	// HTTPClient is used for token exchange and profile calls when set
	HTTPClient *http.Client

	OnLogin LoginFunc

	// FailureURL receives the browser when the exchange or profile fetch fails
	FailureURL string

	SecureCookies bool
	Logger        *slog.Logger

	fetch profileFetcher
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Provider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

// ExchangeContext carries the injected HTTP client into the oauth2 library
func (p *Provider) ExchangeContext(ctx context.Context) context.Context {
	if p.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	return ctx
}

// HandleRedirect starts the login
func (p *Provider) HandleRedirect(w http.ResponseWriter, r *http.Request) {
	OauthRedirector(&p.Config, p.SecureCookies)(w, r)
}

// HandleCallback checks state, exchanges the code and fetches the profile.
func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) {
	oauthState, _ := r.Cookie(stateCookie)
	if oauthState == nil {
		http.Error(w, "missing oauth state", http.StatusBadRequest)
		return
	}
	clearStateCookie(w)
	if r.FormValue("state") != oauthState.Value {
		p.logger().Warn("oauth state mismatch", "provider", p.Name)
		http.Error(w, fmt.Sprintf("invalid oauth %s state", p.Name), http.StatusBadRequest)
		return
	}

	ctx := p.ExchangeContext(r.Context())
	token, err := p.Config.Exchange(ctx, r.FormValue("code"))
	if err != nil {
		p.fail(w, r, "code exchange", err)
		return
	}
	profile, err := p.fetch(ctx, p, token)
	if err != nil {
		p.fail(w, r, "fetch profile", err)
		return
	}
	profile.Provider = p.Name
	p.OnLogin(w, r, profile)
}

func (p *Provider) fail(w http.ResponseWriter, r *http.Request, step string, err error) {
	p.logger().Info("oauth login failed", "provider", p.Name, "step", step, "error", err)
	target := p.FailureURL
	if target == "" {
		target = "/login"
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (p *Provider) getJSON(ctx context.Context, url string, token *oauth2.Token, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s: %w", url, err)
	}
	return nil
}
