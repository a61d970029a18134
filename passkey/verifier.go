// Package passkey verifies WebAuthn attestation and assertion responses with
// github.com/go-webauthn/webauthn. It implements oneid.Verifier.
package passkey

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/robokop/oneid"
)

var credParams = []protocol.CredentialParameter{
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgEdDSA},
	{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgRS256},
}

type provider interface {
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Verifier checks authenticator responses against the relying party.
type Verifier struct {
	webAuthn provider
	parser   parser
	Logger   *slog.Logger
}

// NewVerifier builds a verifier for the given relying party
func NewVerifier(rp oneid.RelyingParty) (*Verifier, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rp.Name,
		RPID:          rp.ID,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Verifier{webAuthn: w, parser: defaultParser{}}, nil
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// VerifyAttestation validates a registration response. Any parse or
// verification problem is reported as Verified=false.
func (v *Verifier) VerifyAttestation(ctx context.Context, in oneid.AttestationInput) (*oneid.AttestationResult, error) {
	parsed, err := v.parser.ParseCredentialCreationResponseBytes(in.Response)
	if err != nil {
		v.logger().DebugContext(ctx, "parse attestation", "error", err)
		return &oneid.AttestationResult{Verified: false}, nil
	}

	session := webauthn.SessionData{
		Challenge:        in.ExpectedChallenge,
		RelyingPartyID:   in.ExpectedRPID,
		UserID:           []byte(in.User.ID),
		UserVerification: protocol.VerificationPreferred,
		CredParams:       credParams,
	}
	cred, err := v.webAuthn.CreateCredential(&user{user: in.User}, session, parsed)
	if err != nil {
		v.logger().DebugContext(ctx, "attestation rejected", "user_id", in.User.ID, "error", err)
		return &oneid.AttestationResult{Verified: false}, nil
	}

	deviceType := oneid.DeviceSingle
	if cred.Flags.BackupEligible {
		deviceType = oneid.DeviceMulti
	}
	return &oneid.AttestationResult{
		Verified:        true,
		CredentialID:    EncodeCredentialID(cred.ID),
		PublicKey:       cred.PublicKey,
		SignCount:       cred.Authenticator.SignCount,
		DeviceType:      deviceType,
		BackedUp:        cred.Flags.BackupState,
		Transports:      transportsToStrings(cred.Transport),
		AttestationType: cred.AttestationType,
		AAGUID:          cred.Authenticator.AAGUID,
	}, nil
}

// VerifyAssertion validates an authentication response against the stored
// credential and reports the counter the authenticator presented. Counter
// policy is left to the caller.
func (v *Verifier) VerifyAssertion(ctx context.Context, in oneid.AssertionInput) (*oneid.AssertionResult, error) {
	parsed, err := v.parser.ParseCredentialRequestResponseBytes(in.Response)
	if err != nil {
		v.logger().DebugContext(ctx, "parse assertion", "error", err)
		return &oneid.AssertionResult{Verified: false}, nil
	}

	stored, err := toWebAuthnCredential(in.Credential)
	if err != nil {
		return nil, err
	}
	session := webauthn.SessionData{
		Challenge:            in.ExpectedChallenge,
		RelyingPartyID:       in.ExpectedRPID,
		UserID:               []byte(in.User.ID),
		AllowedCredentialIDs: [][]byte{stored.ID},
		UserVerification:     protocol.VerificationPreferred,
	}
	u := &user{user: in.User, credentials: []webauthn.Credential{stored}}
	if _, err := v.webAuthn.ValidateLogin(u, session, parsed); err != nil {
		v.logger().DebugContext(ctx, "assertion rejected", "credential_id", in.Credential.ID, "error", err)
		return &oneid.AssertionResult{Verified: false}, nil
	}
	return &oneid.AssertionResult{Verified: true, NewCounter: parsed.Response.AuthenticatorData.Counter}, nil
}

// EncodeCredentialID renders a raw credential id the way browsers do
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentialID accepts padded or unpadded base64url
func DecodeCredentialID(id string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(id); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(id)
}

func toWebAuthnCredential(c *oneid.Credential) (webauthn.Credential, error) {
	id, err := DecodeCredentialID(c.ExternalID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id %s: %w", c.ID, err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			BackupEligible: c.DeviceType == oneid.DeviceMulti,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
	}, nil
}

func transportsToStrings(in []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		out = append(out, string(t))
	}
	return out
}

// user adapts oneid.User to webauthn.User
type user struct {
	user        *oneid.User
	credentials []webauthn.Credential
}

func (u *user) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *user) WebAuthnName() string                       { return u.user.Email }
func (u *user) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
