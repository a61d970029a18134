package client

import (
	"net/http"
)

// AuthTransport adds a fixed bearer token to every request
type AuthTransport struct {
	Base  http.RoundTripper
	Token string
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewAuthTransport creates an AuthTransport over http.DefaultTransport
func NewAuthTransport(token string) *AuthTransport {
	return &AuthTransport{Base: http.DefaultTransport, Token: token}
}

// sessionTransport attaches the stored session token and forgets it when the
// server rejects it.
type sessionTransport struct {
	client *AuthClient
	base   http.RoundTripper
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.client.GetToken()
	if err != nil {
		return nil, err
	}
	if token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		t.client.forget(token)
	}
	return resp, nil
}
