package oneid

import (
	"context"
	"strings"
	"time"
)

// User is the single identity record every login method converges on.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Version      int       `json:"version"` // optimistic locking version

	// PendingChallenge is only populated by challenge stores that keep the
	// user-scoped challenge on the user row.
	PendingChallenge string `json:"pending_challenge,omitempty"`
}

// HasPassword reports whether a password has been attached to the user
func (u *User) HasPassword() bool { return u.PasswordHash != "" }

// DeviceType values for Credential.DeviceType
const (
	DeviceSingle = "singleDevice"
	DeviceMulti  = "multiDevice"
)

// Credential is a registered passkey.
type Credential struct {
	ID              string     `json:"id"`
	ExternalID      string     `json:"external_id"` // base64url credential id chosen by the authenticator
	PublicKey       []byte     `json:"public_key"`
	SignCount       uint32     `json:"sign_count"`
	OwnerID         string     `json:"owner_id"`
	DeviceType      string     `json:"device_type"`
	BackedUp        bool       `json:"backed_up"`
	Transports      []string   `json:"transports,omitempty"`
	AttestationType string     `json:"attestation_type,omitempty"`
	AAGUID          []byte     `json:"aaguid,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
}

// CeremonyKind identifies what a challenge was issued for
type CeremonyKind string

const (
	CeremonyRegistration   CeremonyKind = "registration"
	CeremonyAuthentication CeremonyKind = "authentication"
	CeremonyEmailLink      CeremonyKind = "email_link"
)

// Challenge is a single-use random value bound to a ceremony kind and scope.
type Challenge struct {
	Kind      CeremonyKind `json:"kind"`
	ScopeKey  string       `json:"scope_key"`
	Value     string       `json:"value"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// IsExpired checks if the challenge is past its expiry at the given time
func (c *Challenge) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// UserScope returns the challenge scope key for ceremonies tied to a known user
func UserScope(userID string) string { return "user:" + userID }

// SessionScope returns the challenge scope key for discoverable ceremonies
func SessionScope(sessionID string) string { return "session:" + sessionID }

// LinkScope returns the challenge scope key for a single-use email link
func LinkScope(tokenID string) string { return "link:" + tokenID }

// UserIDFromScope returns the user id encoded in a user scope key
func UserIDFromScope(scopeKey string) (string, bool) {
	return strings.CutPrefix(scopeKey, "user:")
}

// NormalizeEmail lower-cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IdentityStore persists users keyed by id and by normalized email.
type IdentityStore interface {
	// FindUserByEmail returns ErrUserNotFound when no user owns the email
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// FindUserByID returns ErrUserNotFound when the id is unknown
	FindUserByID(ctx context.Context, id string) (*User, error)

	// CreateUser inserts a new user, returning ErrDuplicateEmail when the email is taken
	CreateUser(ctx context.Context, user *User) error

	// UpdateUser saves the user only if the stored version equals user.Version,
	// then increments user.Version. Returns ErrVersionConflict otherwise.
	UpdateUser(ctx context.Context, user *User) error
}

// CredentialStore persists passkeys.
type CredentialStore interface {
	FindCredentialByID(ctx context.Context, id string) (*Credential, error)
	FindCredentialByExternalID(ctx context.Context, externalID string) (*Credential, error)
	ListCredentialsByOwner(ctx context.Context, ownerID string) ([]*Credential, error)

	// CreateCredential returns ErrDuplicateCredential when the external id is taken
	CreateCredential(ctx context.Context, cred *Credential) error

	// UpdateSignCounter sets the counter to next only if it still equals expected.
	// Returns ErrCounterConflict when another writer got there first.
	UpdateSignCounter(ctx context.Context, id string, expected, next uint32, usedAt time.Time) error

	DeleteCredential(ctx context.Context, id string) error
}

// ChallengeStore holds at most one outstanding challenge per kind and scope.
type ChallengeStore interface {
	// PutChallenge stores c, replacing any challenge with the same kind and scope
	PutChallenge(ctx context.Context, c *Challenge) error

	// TakeChallenge atomically reads and clears the challenge. Of two concurrent
	// callers at most one receives it; the other gets ErrChallengeNotFound.
	TakeChallenge(ctx context.Context, kind CeremonyKind, scopeKey string) (*Challenge, error)
}
