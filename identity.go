package oneid

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateEmail checks an already normalized email address
func ValidateEmail(email string) error {
	if email == "" {
		return NewAuthError(KindValidation, ErrCodeMissingField, "Email is required", "email")
	}
	if !emailRegex.MatchString(email) {
		return NewAuthError(KindValidation, ErrCodeInvalidEmail, "Invalid email format", "email")
	}
	return nil
}

// FederatedProfile is what a third-party provider tells us about a user.
type FederatedProfile struct {
	Provider    string
	Email       string
	DisplayName string
	AvatarURL   string
}

// maxWriteAttempts bounds optimistic retries against concurrent writers
const maxWriteAttempts = 5

// IdentityMerger resolves every login method onto one User per email.
// Existing users only ever have empty fields filled in.
type IdentityMerger struct {
	Users  IdentityStore
	Logger *slog.Logger

	// Now and NewID default to time.Now and uuid.NewString
	Now   func() time.Time
	NewID func() string
}

func (m *IdentityMerger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *IdentityMerger) newID() string {
	if m.NewID != nil {
		return m.NewID()
	}
	return uuid.NewString()
}

func (m *IdentityMerger) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *IdentityMerger) newUser(email, name string) *User {
	now := m.now()
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	return &User{
		ID:          m.newID(),
		Email:       email,
		DisplayName: name,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// UpsertFederatedUser finds the user owning the profile's email, creating one
// if needed, and fills in display name and avatar only where they are empty.
// Calling it repeatedly with the same profile changes nothing after the first call.
func (m *IdentityMerger) UpsertFederatedUser(ctx context.Context, profile FederatedProfile) (*User, error) {
	email := NormalizeEmail(profile.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		user, err := m.Users.FindUserByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			user = m.newUser(email, profile.DisplayName)
			user.AvatarURL = profile.AvatarURL
			err = m.Users.CreateUser(ctx, user)
			if errors.Is(err, ErrDuplicateEmail) {
				// lost a race with another first login; merge into the winner
				continue
			}
			if err != nil {
				return nil, storeError(err, "create user")
			}
			m.logger().InfoContext(ctx, "created user from federated login", "user_id", user.ID, "provider", profile.Provider)
			return user, nil
		}
		if err != nil {
			return nil, storeError(err, "find user")
		}

		if !fillEmptyProfile(user, profile) {
			return user, nil
		}
		user.UpdatedAt = m.now()
		err = m.Users.UpdateUser(ctx, user)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, storeError(err, "update user")
		}
		return user, nil
	}
	return nil, wrapError(KindConflict, "concurrent_update", "User was modified concurrently, try again", ErrVersionConflict)
}

func fillEmptyProfile(u *User, p FederatedProfile) bool {
	changed := false
	if u.DisplayName == "" && p.DisplayName != "" {
		u.DisplayName = p.DisplayName
		changed = true
	}
	if u.AvatarURL == "" && p.AvatarURL != "" {
		u.AvatarURL = p.AvatarURL
		changed = true
	}
	return changed
}

// CreateUser inserts a brand new user and fails with a ConflictError when the
// email is already registered.
func (m *IdentityMerger) CreateUser(ctx context.Context, email, name string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	user := m.newUser(email, strings.TrimSpace(name))
	if err := m.Users.CreateUser(ctx, user); err != nil {
		return nil, storeError(err, "create user")
	}
	m.logger().InfoContext(ctx, "created user", "user_id", user.ID)
	return user, nil
}

// AttachPassword sets the password hash on the user owning email, creating the
// user if needed. A user that already has a password yields a ConflictError.
func (m *IdentityMerger) AttachPassword(ctx context.Context, email, passwordHash string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		user, err := m.Users.FindUserByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			user = m.newUser(email, "")
			user.PasswordHash = passwordHash
			err = m.Users.CreateUser(ctx, user)
			if errors.Is(err, ErrDuplicateEmail) {
				continue
			}
			if err != nil {
				return nil, storeError(err, "create user")
			}
			return user, nil
		}
		if err != nil {
			return nil, storeError(err, "find user")
		}
		if user.HasPassword() {
			return nil, NewAuthError(KindConflict, ErrCodeEmailExists, "A password is already set for this email", "email")
		}
		user.PasswordHash = passwordHash
		user.UpdatedAt = m.now()
		err = m.Users.UpdateUser(ctx, user)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, storeError(err, "update user")
		}
		return user, nil
	}
	return nil, wrapError(KindConflict, "concurrent_update", "User was modified concurrently, try again", ErrVersionConflict)
}
