//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"

	"github.com/robokop/oneid"
)

// UserEntity is the Datastore entity for users. Key name is the user id.
type UserEntity struct {
	Key              *datastore.Key `datastore:"__key__"`
	Email            string         `datastore:"email"`
	DisplayName      string         `datastore:"display_name,noindex"`
	AvatarURL        string         `datastore:"avatar_url,noindex"`
	PasswordHash     string         `datastore:"password_hash,noindex"`
	PendingChallenge string         `datastore:"pending_challenge,noindex"`
	CreatedAt        time.Time      `datastore:"created_at"`
	UpdatedAt        time.Time      `datastore:"updated_at"`
	Version          int            `datastore:"version"`
}

func (e *UserEntity) ToUser() *oneid.User {
	return &oneid.User{
		ID:               e.Key.Name,
		Email:            e.Email,
		DisplayName:      e.DisplayName,
		AvatarURL:        e.AvatarURL,
		PasswordHash:     e.PasswordHash,
		PendingChallenge: e.PendingChallenge,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		Version:          e.Version,
	}
}

func UserToEntity(u *oneid.User, key *datastore.Key) *UserEntity {
	return &UserEntity{
		Key:              key,
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		AvatarURL:        u.AvatarURL,
		PasswordHash:     u.PasswordHash,
		PendingChallenge: u.PendingChallenge,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
		Version:          u.Version,
	}
}

// IndexEntity maps a unique value (an email or a credential external id) to
// the id of the entity that owns it. Key name is the unique value.
type IndexEntity struct {
	Key     *datastore.Key `datastore:"__key__"`
	OwnerID string         `datastore:"owner_id,noindex"`
}

// CredentialEntity is the Datastore entity for passkeys. Key name is the credential id.
type CredentialEntity struct {
	Key             *datastore.Key `datastore:"__key__"`
	ExternalID      string         `datastore:"external_id"`
	PublicKey       []byte         `datastore:"public_key,noindex"`
	SignCount       int64          `datastore:"sign_count,noindex"`
	OwnerID         string         `datastore:"owner_id"`
	DeviceType      string         `datastore:"device_type,noindex"`
	BackedUp        bool           `datastore:"backed_up,noindex"`
	Transports      []string       `datastore:"transports,noindex"`
	AttestationType string         `datastore:"attestation_type,noindex"`
	AAGUID          []byte         `datastore:"aaguid,noindex"`
	CreatedAt       time.Time      `datastore:"created_at"`
	LastUsedAt      time.Time      `datastore:"last_used_at,noindex"`
}

func (e *CredentialEntity) ToCredential() *oneid.Credential {
	c := &oneid.Credential{
		ID:              e.Key.Name,
		ExternalID:      e.ExternalID,
		PublicKey:       e.PublicKey,
		SignCount:       uint32(e.SignCount),
		OwnerID:         e.OwnerID,
		DeviceType:      e.DeviceType,
		BackedUp:        e.BackedUp,
		Transports:      e.Transports,
		AttestationType: e.AttestationType,
		AAGUID:          e.AAGUID,
		CreatedAt:       e.CreatedAt,
	}
	if !e.LastUsedAt.IsZero() {
		t := e.LastUsedAt
		c.LastUsedAt = &t
	}
	return c
}

func CredentialToEntity(c *oneid.Credential, key *datastore.Key) *CredentialEntity {
	e := &CredentialEntity{
		Key:             key,
		ExternalID:      c.ExternalID,
		PublicKey:       c.PublicKey,
		SignCount:       int64(c.SignCount),
		OwnerID:         c.OwnerID,
		DeviceType:      c.DeviceType,
		BackedUp:        c.BackedUp,
		Transports:      c.Transports,
		AttestationType: c.AttestationType,
		AAGUID:          c.AAGUID,
		CreatedAt:       c.CreatedAt,
	}
	if c.LastUsedAt != nil {
		e.LastUsedAt = *c.LastUsedAt
	}
	return e
}

// ChallengeEntity is the Datastore entity for pending challenges.
// Key format: Kind + "|" + ScopeKey
type ChallengeEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Kind      string         `datastore:"kind,noindex"`
	ScopeKey  string         `datastore:"scope_key,noindex"`
	Value     string         `datastore:"value,noindex"`
	IssuedAt  time.Time      `datastore:"issued_at,noindex"`
	ExpiresAt time.Time      `datastore:"expires_at"`
}

func (e *ChallengeEntity) ToChallenge() *oneid.Challenge {
	return &oneid.Challenge{
		Kind:      oneid.CeremonyKind(e.Kind),
		ScopeKey:  e.ScopeKey,
		Value:     e.Value,
		IssuedAt:  e.IssuedAt,
		ExpiresAt: e.ExpiresAt,
	}
}

func ChallengeToEntity(c *oneid.Challenge, key *datastore.Key) *ChallengeEntity {
	return &ChallengeEntity{
		Key:       key,
		Kind:      string(c.Kind),
		ScopeKey:  c.ScopeKey,
		Value:     c.Value,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
	}
}
