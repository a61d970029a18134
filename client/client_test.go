package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type mockCredentialStore struct {
	mu      sync.Mutex
	servers map[string]*ServerCredential
	saves   int
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{servers: map[string]*ServerCredential{}}
}

func (m *mockCredentialStore) GetCredential(serverURL string) (*ServerCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[serverURL], nil
}

func (m *mockCredentialStore) SetCredential(serverURL string, cred *ServerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[serverURL] = cred
	return nil
}

func (m *mockCredentialStore) RemoveCredential(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.servers, serverURL)
	return nil
}

func (m *mockCredentialStore) ListServers() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.servers {
		out = append(out, k)
	}
	return out, nil
}

func (m *mockCredentialStore) Save() error {
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()
	return nil
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

// fakeServer mimics the oneid HTTP API for a single user
func fakeServer(t *testing.T, session string) *httptest.Server {
	user := map[string]any{"id": "u1", "email": "user@example.org", "name": "User", "hasPassword": true}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	authed := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+session
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("login must not send a bearer token")
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "correct horse" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials", "code": "invalid_credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": session, "user": user})
	})
	mux.HandleFunc("POST /api/auth/validate-token", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["token"] != "link-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Token is valid", "token": session, "user": user})
	})
	mux.HandleFunc("POST /api/auth/verification-link", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "sent", "newUser": true})
	})
	mux.HandleFunc("GET /api/users/profile", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, user)
	})
	mux.HandleFunc("GET /api/passkeys/list", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "pk1", "deviceType": "multiDevice", "backedUp": true, "transports": []string{"internal"}}})
	})
	mux.HandleFunc("DELETE /api/passkeys/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "pk1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Passkey not found", "code": "credential_not_found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Passkey deleted successfully"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthClient_LoginStoresSession(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	session := signedToken(t, exp)
	srv := fakeServer(t, session)
	store := newMockCredentialStore()
	c := NewAuthClient(srv.URL+"/some/path", store)

	if c.ServerURL() != srv.URL {
		t.Errorf("ServerURL() = %s, want %s", c.ServerURL(), srv.URL)
	}

	cred, err := c.Login(context.Background(), "user@example.org", "correct horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if cred.Token != session || cred.UserID != "u1" || cred.UserEmail != "user@example.org" {
		t.Errorf("credential = %+v", cred)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1", store.saves)
	}
	if !c.IsLoggedIn() {
		t.Error("expected to be logged in")
	}

	u, err := c.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if u.Email != "user@example.org" || !u.HasPassword {
		t.Errorf("profile = %+v", u)
	}
}

func TestAuthClient_LoginFailure(t *testing.T) {
	srv := fakeServer(t, signedToken(t, time.Now().Add(time.Hour)))
	c := NewAuthClient(srv.URL, newMockCredentialStore())

	_, err := c.Login(context.Background(), "user@example.org", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Login() error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "invalid_credentials" {
		t.Errorf("APIError = %+v", apiErr)
	}
	if c.IsLoggedIn() {
		t.Error("failed login must not store a credential")
	}
}

func TestAuthClient_RedeemLinkAndPasskeys(t *testing.T) {
	session := signedToken(t, time.Now().Add(time.Hour))
	srv := fakeServer(t, session)
	c := NewAuthClient(srv.URL, newMockCredentialStore())
	ctx := context.Background()

	newUser, err := c.RequestLoginLink(ctx, "user@example.org")
	if err != nil || !newUser {
		t.Fatalf("RequestLoginLink() = %v, %v", newUser, err)
	}

	if _, err := c.RedeemLink(ctx, "link-token"); err != nil {
		t.Fatalf("RedeemLink() error = %v", err)
	}
	keys, err := c.Passkeys(ctx)
	if err != nil {
		t.Fatalf("Passkeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "pk1" || !keys[0].BackedUp {
		t.Errorf("passkeys = %+v", keys)
	}

	if err := c.DeletePasskey(ctx, "pk1"); err != nil {
		t.Errorf("DeletePasskey() error = %v", err)
	}
	err = c.DeletePasskey(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("DeletePasskey(missing) error = %v, want 404", err)
	}
}

func TestAuthClient_UnauthorizedForgetsToken(t *testing.T) {
	srv := fakeServer(t, signedToken(t, time.Now().Add(time.Hour)))
	store := newMockCredentialStore()
	store.SetCredential(srv.URL, &ServerCredential{Token: "revoked"})
	c := NewAuthClient(srv.URL, store)

	if _, err := c.Profile(context.Background()); err == nil {
		t.Fatal("expected error for revoked token")
	}
	if c.IsLoggedIn() {
		t.Error("credential should be dropped after 401")
	}
}

func TestAuthClient_ExpiredTokenNotSent(t *testing.T) {
	srv := fakeServer(t, "never-matches")
	store := newMockCredentialStore()
	store.SetCredential(srv.URL, &ServerCredential{Token: "old", ExpiresAt: time.Now().Add(-time.Minute)})
	c := NewAuthClient(srv.URL, store)

	tok, err := c.GetToken()
	if err != nil || tok != "" {
		t.Errorf("GetToken() = %q, %v; want empty", tok, err)
	}
	// the expired credential stays until Logout since no token was rejected
	if cred, _ := c.GetCredential(); cred == nil {
		t.Error("expired credential should not be removed by GetToken")
	}
	if err := c.Logout(); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if cred, _ := c.GetCredential(); cred != nil {
		t.Error("Logout should remove the credential")
	}
}

func TestAuthTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	hc := &http.Client{Transport: NewAuthTransport("abc")}
	resp, err := hc.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got != "Bearer abc" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestServerCredentialExpiry(t *testing.T) {
	c := &ServerCredential{}
	if c.IsExpired() || c.IsExpiringSoon(time.Hour) {
		t.Error("zero expiry never expires")
	}
	c.ExpiresAt = time.Now().Add(time.Minute)
	if c.IsExpired() {
		t.Error("not yet expired")
	}
	if !c.IsExpiringSoon(5 * time.Minute) {
		t.Error("expires within five minutes")
	}
}
