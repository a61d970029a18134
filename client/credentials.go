// Package client talks to a oneid server on behalf of a CLI or service.
// It keeps the session token per server and attaches it to outgoing requests.
package client

import (
	"time"
)

// ServerCredential holds the session token issued by one server
type ServerCredential struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id,omitempty"`
	UserEmail string    `json:"user_email,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired returns true if the token has expired. A zero ExpiresAt never expires.
func (c *ServerCredential) IsExpired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (c *ServerCredential) IsExpiringSoon(within time.Duration) bool {
	return !c.ExpiresAt.IsZero() && time.Now().Add(within).After(c.ExpiresAt)
}

// CredentialStore defines the interface for storing and retrieving credentials
type CredentialStore interface {
	// GetCredential returns nil, nil if no credential exists for the server
	GetCredential(serverURL string) (*ServerCredential, error)

	SetCredential(serverURL string, cred *ServerCredential) error

	RemoveCredential(serverURL string) error

	// ListServers returns all server URLs with stored credentials
	ListServers() ([]string, error)

	// Save persists any pending changes (for stores that batch writes)
	Save() error
}
