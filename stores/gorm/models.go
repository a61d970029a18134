//go:build !wasm
// +build !wasm

package gorm

import (
	"strings"
	"time"

	"github.com/robokop/oneid"
)

// UserModel is the GORM model for users
type UserModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	Email            string `gorm:"size:255;uniqueIndex"`
	DisplayName      string `gorm:"size:255"`
	AvatarURL        string `gorm:"size:1024"`
	PasswordHash     string `gorm:"size:255"`
	PendingChallenge string `gorm:"type:text"`
	Version          int    `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UserModel) TableName() string {
	return "users"
}

func (m *UserModel) ToUser() *oneid.User {
	return &oneid.User{
		ID:               m.ID,
		Email:            m.Email,
		DisplayName:      m.DisplayName,
		AvatarURL:        m.AvatarURL,
		PasswordHash:     m.PasswordHash,
		PendingChallenge: m.PendingChallenge,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func UserToModel(u *oneid.User) *UserModel {
	return &UserModel{
		ID:               u.ID,
		Email:            oneid.NormalizeEmail(u.Email),
		DisplayName:      u.DisplayName,
		AvatarURL:        u.AvatarURL,
		PasswordHash:     u.PasswordHash,
		PendingChallenge: u.PendingChallenge,
		Version:          u.Version,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

// CredentialModel is the GORM model for passkeys
type CredentialModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	ExternalID      string `gorm:"size:512;uniqueIndex"`
	PublicKey       []byte
	SignCount       uint32
	OwnerID         string `gorm:"size:64;index"`
	DeviceType      string `gorm:"size:32"`
	BackedUp        bool
	Transports      string `gorm:"size:255"` // comma separated
	AttestationType string `gorm:"size:64"`
	AAGUID          []byte
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

func (CredentialModel) TableName() string {
	return "credentials"
}

func (m *CredentialModel) ToCredential() *oneid.Credential {
	var transports []string
	if m.Transports != "" {
		transports = strings.Split(m.Transports, ",")
	}
	return &oneid.Credential{
		ID:              m.ID,
		ExternalID:      m.ExternalID,
		PublicKey:       m.PublicKey,
		SignCount:       m.SignCount,
		OwnerID:         m.OwnerID,
		DeviceType:      m.DeviceType,
		BackedUp:        m.BackedUp,
		Transports:      transports,
		AttestationType: m.AttestationType,
		AAGUID:          m.AAGUID,
		CreatedAt:       m.CreatedAt,
		LastUsedAt:      m.LastUsedAt,
	}
}

func CredentialToModel(c *oneid.Credential) *CredentialModel {
	return &CredentialModel{
		ID:              c.ID,
		ExternalID:      c.ExternalID,
		PublicKey:       c.PublicKey,
		SignCount:       c.SignCount,
		OwnerID:         c.OwnerID,
		DeviceType:      c.DeviceType,
		BackedUp:        c.BackedUp,
		Transports:      strings.Join(c.Transports, ","),
		AttestationType: c.AttestationType,
		AAGUID:          c.AAGUID,
		CreatedAt:       c.CreatedAt,
		LastUsedAt:      c.LastUsedAt,
	}
}

// ChallengeModel is the GORM model for pending ceremony challenges
type ChallengeModel struct {
	Kind      string `gorm:"primaryKey;size:32"`
	ScopeKey  string `gorm:"primaryKey;size:255"`
	Value     string `gorm:"size:128"`
	IssuedAt  time.Time
	ExpiresAt time.Time `gorm:"index"`
}

func (ChallengeModel) TableName() string {
	return "challenges"
}

func (m *ChallengeModel) ToChallenge() *oneid.Challenge {
	return &oneid.Challenge{
		Kind:      oneid.CeremonyKind(m.Kind),
		ScopeKey:  m.ScopeKey,
		Value:     m.Value,
		IssuedAt:  m.IssuedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

func ChallengeToModel(c *oneid.Challenge) *ChallengeModel {
	return &ChallengeModel{
		Kind:      string(c.Kind),
		ScopeKey:  c.ScopeKey,
		Value:     c.Value,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
	}
}
