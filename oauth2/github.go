package oauth2

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/robokop/oneid"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// NewGithub configures GitHub sign-in. Users who hide their email get the
// primary verified address from /user/emails, falling back to their noreply
// address.
func NewGithub(clientID, clientSecret, callbackURL string, onLogin LoginFunc) *Provider {
	return &Provider{
		Name: "github",
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		UserInfoURL: githubUserURL,
		EmailsURL:   githubEmailsURL,
		OnLogin:     onLogin,
		fetch:       fetchGithubProfile,
	}
}

func fetchGithubProfile(ctx context.Context, p *Provider, token *oauth2.Token) (oneid.FederatedProfile, error) {
	var u githubUser
	if err := p.getJSON(ctx, p.UserInfoURL, token, &u); err != nil {
		return oneid.FederatedProfile{}, err
	}

	email := u.Email
	if email == "" && p.EmailsURL != "" {
		var emails []githubEmail
		if err := p.getJSON(ctx, p.EmailsURL, token, &emails); err != nil {
			p.logger().Debug("github emails unavailable", "login", u.Login, "error", err)
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				email = e.Email
				break
			}
		}
	}
	if email == "" {
		if u.Login == "" {
			return oneid.FederatedProfile{}, ErrNoEmail
		}
		email = u.Login + "@users.noreply.github.com"
	}

	name := u.Name
	if name == "" {
		name = u.Login
	}
	return oneid.FederatedProfile{Email: email, DisplayName: name, AvatarURL: u.AvatarURL}, nil
}
