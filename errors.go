package oneid

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the boundary can map them to a response.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindAuthFailure   ErrorKind = "auth_failure"
	KindCloneDetected ErrorKind = "clone_detected"
	KindUpstream      ErrorKind = "upstream"
)

// Error codes carried in AuthError.Code
const (
	ErrCodeMissingField          = "missing_field"
	ErrCodeInvalidEmail          = "invalid_email"
	ErrCodeWeakPassword          = "weak_password"
	ErrCodeInvalidCreds          = "invalid_credentials"
	ErrCodeEmailExists           = "email_exists"
	ErrCodeUserNotFound          = "user_not_found"
	ErrCodeCredentialNotFound    = "credential_not_found"
	ErrCodeCredentialExists      = "credential_exists"
	ErrCodeChallengeMissing      = "challenge_missing"
	ErrCodeChallengeExpired      = "challenge_expired"
	ErrCodeCloneDetected         = "clone_detected"
	ErrCodeTokenMalformed        = "token_malformed"
	ErrCodeTokenSignatureInvalid = "token_signature_invalid"
	ErrCodeTokenExpired          = "token_expired"
	ErrCodeTokenPurpose          = "token_purpose"
	ErrCodeLinkUsed              = "link_used"
	ErrCodeUnauthenticated       = "unauthenticated"
	ErrCodeUpstream              = "upstream_failure"
)

// AuthError is the error type returned by every core operation.
type AuthError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches another AuthError by kind, and by code when the target sets one.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// NewAuthError creates a new error of the given kind
func NewAuthError(kind ErrorKind, code, message, field string) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message, Field: field}
}

func wrapError(kind ErrorKind, code, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message, Err: err}
}

// Kind sentinels for errors.Is
var (
	ErrValidation    = &AuthError{Kind: KindValidation}
	ErrNotFound      = &AuthError{Kind: KindNotFound}
	ErrConflict      = &AuthError{Kind: KindConflict}
	ErrAuthFailure   = &AuthError{Kind: KindAuthFailure}
	ErrCloneDetected = &AuthError{Kind: KindCloneDetected}
	ErrUpstream      = &AuthError{Kind: KindUpstream}
)

// ErrInvalidCredentials is returned for every failed password login, whatever the cause.
var ErrInvalidCredentials = NewAuthError(KindAuthFailure, ErrCodeInvalidCreds, "Invalid email or password", "")

// Sentinels returned by store implementations
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrDuplicateCredential = errors.New("credential already registered")
	ErrCounterConflict     = errors.New("sign counter changed concurrently")
	ErrVersionConflict     = errors.New("record changed concurrently")
)

// KindOf returns the kind of err, or "" when err is not an AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// storeError maps a store failure to an AuthError. Unknown errors are upstream failures.
func storeError(err error, what string) error {
	var ae *AuthError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrUserNotFound):
		return wrapError(KindNotFound, ErrCodeUserNotFound, "User not found", err)
	case errors.Is(err, ErrCredentialNotFound):
		return wrapError(KindNotFound, ErrCodeCredentialNotFound, "Passkey not found", err)
	case errors.Is(err, ErrDuplicateEmail):
		return wrapError(KindConflict, ErrCodeEmailExists, "Email is already registered", err)
	case errors.Is(err, ErrDuplicateCredential):
		return wrapError(KindConflict, ErrCodeCredentialExists, "This passkey is already registered", err)
	default:
		return wrapError(KindUpstream, ErrCodeUpstream, "failed to "+what, err)
	}
}
