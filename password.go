package oneid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// LoginResult is returned by every successful login.
type LoginResult struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// dummyHash is compared against when the email is unknown so that a miss
// costs as much as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("oneid-timing-equalizer"), bcrypt.DefaultCost)

// PasswordAuth handles email + password registration and login.
type PasswordAuth struct {
	Users  IdentityStore
	Merger *IdentityMerger
	Tokens *TokenIssuer
	Logger *slog.Logger

	// MinPasswordLength defaults to 8
	MinPasswordLength int
}

func (a *PasswordAuth) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// RegisterWithPassword attaches a bcrypt password hash to the user owning
// email, creating the user if this is the first login method used.
func (a *PasswordAuth) RegisterWithPassword(ctx context.Context, email, password string) (*User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	minLen := a.MinPasswordLength
	if minLen <= 0 {
		minLen = DefaultMinPassword
	}
	if len(password) < minLen {
		return nil, NewAuthError(KindValidation, ErrCodeWeakPassword,
			fmt.Sprintf("Password must be at least %d characters", minLen), "password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return a.Merger.AttachPassword(ctx, email, string(hash))
}

// LoginWithPassword returns a session token for valid credentials. An unknown
// email, a user without a password, and a wrong password all return
// ErrInvalidCredentials.
func (a *PasswordAuth) LoginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, NewAuthError(KindValidation, ErrCodeMissingField, "Email and password are required", "")
	}

	user, err := a.Users.FindUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, storeError(err, "find user")
	}
	if user == nil || !user.HasPassword() {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		a.logger().DebugContext(ctx, "password mismatch", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	token, err := a.Tokens.IssueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, User: user}, nil
}
