package oauth2

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/robokop/oneid"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type googleUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// NewGoogle configures Google sign-in with the email and profile scopes
func NewGoogle(clientID, clientSecret, callbackURL string, onLogin LoginFunc) *Provider {
	return &Provider{
		Name: "google",
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		UserInfoURL: googleUserInfoURL,
		OnLogin:     onLogin,
		fetch:       fetchGoogleProfile,
	}
}

func fetchGoogleProfile(ctx context.Context, p *Provider, token *oauth2.Token) (oneid.FederatedProfile, error) {
	var u googleUser
	if err := p.getJSON(ctx, p.UserInfoURL, token, &u); err != nil {
		return oneid.FederatedProfile{}, err
	}
	if u.Email == "" {
		return oneid.FederatedProfile{}, ErrNoEmail
	}
	return oneid.FederatedProfile{Email: u.Email, DisplayName: u.Name, AvatarURL: u.Picture}, nil
}
