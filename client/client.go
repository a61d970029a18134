package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthClient is an HTTP client bound to one oneid server. Requests made through
// HTTPClient carry the stored session token.
type AuthClient struct {
	mu            sync.Mutex
	serverURL     string
	store         CredentialStore
	httpClient    *http.Client
	baseTransport http.RoundTripper
}

// User is the profile a oneid server returns
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	ProfilePicture string    `json:"profilePicture,omitempty"`
	HasPassword    bool      `json:"hasPassword"`
	Passkeys       *int      `json:"passkeys,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Passkey is one registered passkey as listed by the server
type Passkey struct {
	ID         string     `json:"id"`
	DeviceType string     `json:"deviceType"`
	BackedUp   bool       `json:"backedUp"`
	Transports []string   `json:"transports"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
	Field      string `json:"field"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("oneid: %s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("oneid: %s (HTTP %d)", e.Message, e.StatusCode)
}

type sessionResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// ClientOption configures an AuthClient
type ClientOption func(*AuthClient)

// WithHTTPClient copies timeout, redirect policy and jar from client and wraps
// its transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *AuthClient) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			c.baseTransport = client.Transport
		}
		c.httpClient.Timeout = client.Timeout
		c.httpClient.CheckRedirect = client.CheckRedirect
		c.httpClient.Jar = client.Jar
	}
}

// WithTransport sets the base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *AuthClient) {
		c.baseTransport = transport
	}
}

// NewAuthClient creates a client for serverURL. Only the scheme and host of
// serverURL are kept.
func NewAuthClient(serverURL string, store CredentialStore, opts ...ClientOption) *AuthClient {
	u, err := url.Parse(serverURL)
	if err == nil && u.Scheme != "" && u.Host != "" {
		serverURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	c := &AuthClient{
		serverURL:     serverURL,
		store:         store,
		httpClient:    &http.Client{},
		baseTransport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient.Transport = &sessionTransport{client: c, base: c.baseTransport}
	return c
}

// HTTPClient returns the underlying HTTP client with auth handling
func (c *AuthClient) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *AuthClient) ServerURL() string {
	return c.serverURL
}

// GetToken returns the stored session token, or "" when there is none or it
// has expired.
func (c *AuthClient) GetToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil {
		return "", err
	}
	if cred == nil || cred.IsExpired() {
		return "", nil
	}
	return cred.Token, nil
}

func (c *AuthClient) GetCredential() (*ServerCredential, error) {
	return c.store.GetCredential(c.serverURL)
}

// IsLoggedIn returns true if there is a valid (non-expired) credential
func (c *AuthClient) IsLoggedIn() bool {
	cred, err := c.store.GetCredential(c.serverURL)
	return err == nil && cred != nil && !cred.IsExpired()
}

// Login authenticates with email and password and stores the session token
func (c *AuthClient) Login(ctx context.Context, email, password string) (*ServerCredential, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, c.bare(), http.MethodPost, "/api/users/login", body, &resp); err != nil {
		return nil, err
	}
	return c.remember(resp)
}

// RedeemLink exchanges an emailed login link token for a session
func (c *AuthClient) RedeemLink(ctx context.Context, linkToken string) (*ServerCredential, error) {
	var resp sessionResponse
	if err := c.call(ctx, c.bare(), http.MethodPost, "/api/auth/validate-token", map[string]string{"token": linkToken}, &resp); err != nil {
		return nil, err
	}
	return c.remember(resp)
}

// RequestLoginLink asks the server to email a login or activation link
func (c *AuthClient) RequestLoginLink(ctx context.Context, email string) (newUser bool, err error) {
	var resp struct {
		NewUser bool `json:"newUser"`
	}
	err = c.call(ctx, c.bare(), http.MethodPost, "/api/auth/verification-link", map[string]string{"email": email}, &resp)
	return resp.NewUser, err
}

// Profile fetches the logged in user
func (c *AuthClient) Profile(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, c.httpClient, http.MethodGet, "/api/users/profile", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *AuthClient) Passkeys(ctx context.Context) ([]Passkey, error) {
	var out []Passkey
	if err := c.call(ctx, c.httpClient, http.MethodGet, "/api/passkeys/list", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AuthClient) DeletePasskey(ctx context.Context, id string) error {
	return c.call(ctx, c.httpClient, http.MethodDelete, "/api/passkeys/"+url.PathEscape(id), nil, nil)
}

// Logout removes the credential for this server
func (c *AuthClient) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.RemoveCredential(c.serverURL); err != nil {
		return err
	}
	return c.store.Save()
}

// bare skips the session transport so login calls never send a stale token
func (c *AuthClient) bare() *http.Client {
	return &http.Client{Transport: c.baseTransport, Timeout: c.httpClient.Timeout}
}

// forget drops the stored credential if it still holds token
func (c *AuthClient) forget(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, err := c.store.GetCredential(c.serverURL)
	if err != nil || cred == nil || cred.Token != token {
		return
	}
	if err := c.store.RemoveCredential(c.serverURL); err == nil {
		c.store.Save()
	}
}

func (c *AuthClient) remember(resp sessionResponse) (*ServerCredential, error) {
	if resp.Token == "" {
		return nil, fmt.Errorf("server returned no session token")
	}
	cred := &ServerCredential{
		Token:     resp.Token,
		UserID:    resp.User.ID,
		UserEmail: resp.User.Email,
		CreatedAt: time.Now(),
	}
	// The client cannot verify the signature; exp is only used to skip
	// sending tokens that are already dead.
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, &claims); err == nil && claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetCredential(c.serverURL, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if err := c.store.Save(); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return cred, nil
}

func (c *AuthClient) call(ctx context.Context, hc *http.Client, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response from server: %w", err)
	}
	return nil
}
