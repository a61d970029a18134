package oneid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// COSE algorithm identifiers offered for new credentials: ES256, EdDSA, RS256
var supportedAlgorithms = []int{-7, -8, -257}

type RelyingPartyEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserEntity struct {
	ID          string `json:"id"` // base64url user handle
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type CredentialParameter struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

type CredentialDescriptor struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	Transports []string `json:"transports,omitempty"`
}

type AuthenticatorSelection struct {
	ResidentKey      string `json:"residentKey"`
	UserVerification string `json:"userVerification"`
}

// RegistrationOptions is sent to the client to create a new passkey.
type RegistrationOptions struct {
	Challenge              string                 `json:"challenge"`
	RP                     RelyingPartyEntity     `json:"rp"`
	User                   UserEntity             `json:"user"`
	PubKeyCredParams       []CredentialParameter  `json:"pubKeyCredParams"`
	Timeout                int64                  `json:"timeout"`
	ExcludeCredentials     []CredentialDescriptor `json:"excludeCredentials"`
	AuthenticatorSelection AuthenticatorSelection `json:"authenticatorSelection"`
	Attestation            string                 `json:"attestation"`
}

// AuthenticationOptions is sent to the client to sign in with a passkey.
// SessionID is set for discoverable ceremonies and must be presented at finish.
type AuthenticationOptions struct {
	Challenge        string                 `json:"challenge"`
	RPID             string                 `json:"rpId"`
	Timeout          int64                  `json:"timeout"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials"`
	UserVerification string                 `json:"userVerification"`
	SessionID        string                 `json:"sessionId,omitempty"`
}

type RegistrationResult struct {
	Verified   bool        `json:"verified"`
	Credential *Credential `json:"credential,omitempty"`
}

type AuthenticationResult struct {
	Verified bool   `json:"verified"`
	Token    string `json:"token,omitempty"`
	User     *User  `json:"user,omitempty"`
}

// AuthenticationRequest selects the ceremony mode. With UserID set the
// ceremony is targeted at that user's credentials; otherwise it is
// discoverable and scoped to SessionID (generated when empty).
type AuthenticationRequest struct {
	UserID    string
	SessionID string
}

// AssertionRequest finishes an authentication ceremony
type AssertionRequest struct {
	SessionID string
	Response  json.RawMessage
}

// CloneHook is notified when a credential presents a non-increasing counter
type CloneHook func(ctx context.Context, cred *Credential, presented uint32)

// CeremonyManager runs passkey registration and authentication ceremonies.
type CeremonyManager struct {
	RelyingParty RelyingParty
	ChallengeTTL time.Duration

	Users       IdentityStore
	Credentials CredentialStore
	Challenges  ChallengeStore
	Verifier    Verifier
	Tokens      *TokenIssuer

	// AllowCounterless accepts authenticators whose counter stays at zero
	AllowCounterless bool

	// OnCloneDetected runs after a clone is detected, in addition to logging
	OnCloneDetected CloneHook

	Logger *slog.Logger
	Now    func() time.Time
}

func (m *CeremonyManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *CeremonyManager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *CeremonyManager) ttl() time.Duration {
	if m.ChallengeTTL > 0 {
		return m.ChallengeTTL
	}
	return DefaultChallengeTTL
}

func (m *CeremonyManager) issueChallenge(ctx context.Context, kind CeremonyKind, scopeKey string) (*Challenge, error) {
	value, err := NewChallengeValue()
	if err != nil {
		return nil, err
	}
	now := m.now()
	ch := &Challenge{
		Kind:      kind,
		ScopeKey:  scopeKey,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl()),
	}
	if err := m.Challenges.PutChallenge(ctx, ch); err != nil {
		return nil, storeError(err, "store challenge")
	}
	return ch, nil
}

// consumeChallenge takes the challenge out of the store. The challenge is gone
// afterwards whatever the outcome of the ceremony.
func (m *CeremonyManager) consumeChallenge(ctx context.Context, kind CeremonyKind, scopeKey string) (*Challenge, error) {
	ch, err := m.Challenges.TakeChallenge(ctx, kind, scopeKey)
	if errors.Is(err, ErrChallengeNotFound) {
		return nil, NewAuthError(KindAuthFailure, ErrCodeChallengeMissing, "No pending challenge, start the ceremony again", "")
	}
	if err != nil {
		return nil, storeError(err, "load challenge")
	}
	if ch.IsExpired(m.now()) {
		return nil, NewAuthError(KindAuthFailure, ErrCodeChallengeExpired, "Challenge has expired, start the ceremony again", "")
	}
	return ch, nil
}

func requirePrincipal(p Principal) error {
	if p.IsZero() {
		return NewAuthError(KindAuthFailure, ErrCodeUnauthenticated, "Authentication required", "")
	}
	return nil
}

func descriptors(creds []*Credential) []CredentialDescriptor {
	out := make([]CredentialDescriptor, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialDescriptor{Type: "public-key", ID: c.ExternalID, Transports: c.Transports})
	}
	return out
}

// StartRegistration issues registration options for an authenticated user.
// Passkeys the user already has are listed so the authenticator refuses to
// register them twice.
func (m *CeremonyManager) StartRegistration(ctx context.Context, principal Principal) (*RegistrationOptions, error) {
	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	user, err := m.Users.FindUserByID(ctx, principal.UserID)
	if err != nil {
		return nil, storeError(err, "find user")
	}
	existing, err := m.Credentials.ListCredentialsByOwner(ctx, user.ID)
	if err != nil {
		return nil, storeError(err, "list credentials")
	}

	ch, err := m.issueChallenge(ctx, CeremonyRegistration, UserScope(user.ID))
	if err != nil {
		return nil, err
	}

	return &RegistrationOptions{
		Challenge: ch.Value,
		RP:        RelyingPartyEntity{ID: m.RelyingParty.ID, Name: m.RelyingParty.Name},
		User: UserEntity{
			ID:          base64.RawURLEncoding.EncodeToString([]byte(user.ID)),
			Name:        user.Email,
			DisplayName: user.DisplayName,
		},
		PubKeyCredParams:   credentialParameters(),
		Timeout:            m.ttl().Milliseconds(),
		ExcludeCredentials: descriptors(existing),
		AuthenticatorSelection: AuthenticatorSelection{
			ResidentKey:      "preferred",
			UserVerification: "preferred",
		},
		Attestation: "none",
	}, nil
}

func credentialParameters() []CredentialParameter {
	out := make([]CredentialParameter, 0, len(supportedAlgorithms))
	for _, alg := range supportedAlgorithms {
		out = append(out, CredentialParameter{Type: "public-key", Alg: alg})
	}
	return out
}

// FinishRegistration verifies the attestation against the pending challenge
// and stores the new credential. A response that fails verification yields
// Verified=false with no error.
func (m *CeremonyManager) FinishRegistration(ctx context.Context, principal Principal, response json.RawMessage) (*RegistrationResult, error) {
	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	user, err := m.Users.FindUserByID(ctx, principal.UserID)
	if err != nil {
		return nil, storeError(err, "find user")
	}
	ch, err := m.consumeChallenge(ctx, CeremonyRegistration, UserScope(user.ID))
	if err != nil {
		return nil, err
	}

	res, err := m.Verifier.VerifyAttestation(ctx, AttestationInput{
		Response:          response,
		ExpectedChallenge: ch.Value,
		ExpectedRPID:      m.RelyingParty.ID,
		ExpectedOrigins:   m.RelyingParty.Origins,
		User:              user,
	})
	if err != nil {
		return nil, wrapError(KindUpstream, ErrCodeUpstream, "Passkey verification is unavailable", err)
	}
	if res == nil || !res.Verified {
		m.logger().InfoContext(ctx, "registration response did not verify", "user_id", user.ID)
		return &RegistrationResult{Verified: false}, nil
	}

	if _, err := m.Credentials.FindCredentialByExternalID(ctx, res.CredentialID); err == nil {
		return nil, NewAuthError(KindConflict, ErrCodeCredentialExists, "This passkey is already registered", "")
	} else if !errors.Is(err, ErrCredentialNotFound) {
		return nil, storeError(err, "find credential")
	}

	deviceType := res.DeviceType
	if deviceType == "" {
		deviceType = DeviceSingle
	}
	cred := &Credential{
		ID:              uuid.NewString(),
		ExternalID:      res.CredentialID,
		PublicKey:       res.PublicKey,
		SignCount:       res.SignCount,
		OwnerID:         user.ID,
		DeviceType:      deviceType,
		BackedUp:        res.BackedUp,
		Transports:      res.Transports,
		AttestationType: res.AttestationType,
		AAGUID:          res.AAGUID,
		CreatedAt:       m.now(),
	}
	if err := m.Credentials.CreateCredential(ctx, cred); err != nil {
		return nil, storeError(err, "store credential")
	}
	m.logger().InfoContext(ctx, "registered passkey", "user_id", user.ID, "credential_id", cred.ID)
	return &RegistrationResult{Verified: true, Credential: cred}, nil
}

// StartAuthentication issues authentication options. Targeted ceremonies list
// the user's credentials; discoverable ceremonies leave the list empty and
// are bound to a session id instead.
func (m *CeremonyManager) StartAuthentication(ctx context.Context, req AuthenticationRequest) (*AuthenticationOptions, error) {
	opts := &AuthenticationOptions{
		RPID:             m.RelyingParty.ID,
		Timeout:          m.ttl().Milliseconds(),
		AllowCredentials: []CredentialDescriptor{},
		UserVerification: "preferred",
	}

	var scopeKey string
	if req.UserID != "" {
		user, err := m.Users.FindUserByID(ctx, req.UserID)
		if err != nil {
			return nil, storeError(err, "find user")
		}
		creds, err := m.Credentials.ListCredentialsByOwner(ctx, user.ID)
		if err != nil {
			return nil, storeError(err, "list credentials")
		}
		opts.AllowCredentials = descriptors(creds)
		scopeKey = UserScope(user.ID)
	} else {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		opts.SessionID = sessionID
		scopeKey = SessionScope(sessionID)
	}

	ch, err := m.issueChallenge(ctx, CeremonyAuthentication, scopeKey)
	if err != nil {
		return nil, err
	}
	opts.Challenge = ch.Value
	return opts, nil
}

// FinishAuthentication verifies an assertion, enforces that the signature
// counter strictly increases, and issues a session token.
func (m *CeremonyManager) FinishAuthentication(ctx context.Context, req AssertionRequest) (*AuthenticationResult, error) {
	// a session-scoped challenge is consumed up front so that no failure
	// below can leave it replayable
	var ch *Challenge
	if req.SessionID != "" {
		var err error
		if ch, err = m.consumeChallenge(ctx, CeremonyAuthentication, SessionScope(req.SessionID)); err != nil {
			return nil, err
		}
	}

	externalID, err := ParseCredentialID(req.Response)
	if err != nil {
		return nil, err
	}
	cred, err := m.Credentials.FindCredentialByExternalID(ctx, externalID)
	if err != nil {
		return nil, storeError(err, "find credential")
	}
	user, err := m.Users.FindUserByID(ctx, cred.OwnerID)
	if err != nil {
		return nil, storeError(err, "find user")
	}

	if ch == nil {
		if ch, err = m.consumeChallenge(ctx, CeremonyAuthentication, UserScope(user.ID)); err != nil {
			return nil, err
		}
	}

	res, err := m.Verifier.VerifyAssertion(ctx, AssertionInput{
		Response:          req.Response,
		ExpectedChallenge: ch.Value,
		ExpectedRPID:      m.RelyingParty.ID,
		ExpectedOrigins:   m.RelyingParty.Origins,
		User:              user,
		Credential:        cred,
	})
	if err != nil {
		return nil, wrapError(KindUpstream, ErrCodeUpstream, "Passkey verification is unavailable", err)
	}
	if res == nil || !res.Verified {
		m.logger().InfoContext(ctx, "assertion did not verify", "user_id", user.ID, "credential_id", cred.ID)
		return &AuthenticationResult{Verified: false}, nil
	}

	if err := m.advanceCounter(ctx, cred, res.NewCounter); err != nil {
		return nil, err
	}

	token, err := m.Tokens.IssueToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthenticationResult{Verified: true, Token: token, User: user}, nil
}

func (m *CeremonyManager) counterAdvances(stored, presented uint32) bool {
	if presented > stored {
		return true
	}
	return m.AllowCounterless && stored == 0 && presented == 0
}

// advanceCounter writes the presented counter conditionally on the value we
// read. If another ceremony moved the counter first, the fresh value is
// re-checked, so a stale counter can never be accepted twice.
func (m *CeremonyManager) advanceCounter(ctx context.Context, cred *Credential, presented uint32) error {
	expected := cred.SignCount
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if !m.counterAdvances(expected, presented) {
			return m.cloneDetected(ctx, cred, expected, presented)
		}
		err := m.Credentials.UpdateSignCounter(ctx, cred.ID, expected, presented, m.now())
		if err == nil {
			cred.SignCount = presented
			return nil
		}
		if !errors.Is(err, ErrCounterConflict) {
			return storeError(err, "update sign counter")
		}
		fresh, err := m.Credentials.FindCredentialByID(ctx, cred.ID)
		if err != nil {
			return storeError(err, "reload credential")
		}
		expected = fresh.SignCount
	}
	return wrapError(KindConflict, "concurrent_update", "Passkey was used concurrently, try again", ErrCounterConflict)
}

func (m *CeremonyManager) cloneDetected(ctx context.Context, cred *Credential, stored, presented uint32) error {
	m.logger().WarnContext(ctx, "possible cloned authenticator",
		"credential_id", cred.ID, "user_id", cred.OwnerID, "stored_counter", stored, "presented_counter", presented)
	if m.OnCloneDetected != nil {
		m.OnCloneDetected(ctx, cred, presented)
	}
	return NewAuthError(KindCloneDetected, ErrCodeCloneDetected, "Passkey counter did not increase", "")
}

// ListCredentials returns the caller's passkeys
func (m *CeremonyManager) ListCredentials(ctx context.Context, principal Principal) ([]*Credential, error) {
	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	creds, err := m.Credentials.ListCredentialsByOwner(ctx, principal.UserID)
	if err != nil {
		return nil, storeError(err, "list credentials")
	}
	return creds, nil
}

// DeleteCredential removes one of the caller's passkeys. Passkeys owned by
// someone else are reported as not found.
func (m *CeremonyManager) DeleteCredential(ctx context.Context, principal Principal, credentialID string) error {
	if err := requirePrincipal(principal); err != nil {
		return err
	}
	cred, err := m.Credentials.FindCredentialByID(ctx, credentialID)
	if err != nil {
		return storeError(err, "find credential")
	}
	if cred.OwnerID != principal.UserID {
		return storeError(ErrCredentialNotFound, "find credential")
	}
	if err := m.Credentials.DeleteCredential(ctx, cred.ID); err != nil {
		return storeError(err, "delete credential")
	}
	m.logger().InfoContext(ctx, "deleted passkey", "user_id", principal.UserID, "credential_id", cred.ID)
	return nil
}
