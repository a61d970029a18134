package oneid

import (
	"context"
	"encoding/json"
)

// Verifier checks authenticator responses. The ceremony manager never does
// any public-key cryptography itself.
//
// A returned error means the capability itself failed (and is reported as an
// upstream failure). A response that simply does not verify is reported with
// Verified set to false and a nil error.
type Verifier interface {
	VerifyAttestation(ctx context.Context, in AttestationInput) (*AttestationResult, error)
	VerifyAssertion(ctx context.Context, in AssertionInput) (*AssertionResult, error)
}

// AttestationInput is everything needed to verify a registration response
type AttestationInput struct {
	Response          json.RawMessage
	ExpectedChallenge string
	ExpectedRPID      string
	ExpectedOrigins   []string
	User              *User
}

// AttestationResult carries the credential material extracted from a verified registration
type AttestationResult struct {
	Verified        bool
	CredentialID    string // base64url
	PublicKey       []byte
	SignCount       uint32
	DeviceType      string
	BackedUp        bool
	Transports      []string
	AttestationType string
	AAGUID          []byte
}

// AssertionInput is everything needed to verify an authentication response
type AssertionInput struct {
	Response          json.RawMessage
	ExpectedChallenge string
	ExpectedRPID      string
	ExpectedOrigins   []string
	User              *User
	Credential        *Credential
}

// AssertionResult reports the counter the authenticator presented
type AssertionResult struct {
	Verified   bool
	NewCounter uint32
}

// ParseCredentialID extracts the base64url credential id from an
// authenticator response without verifying anything.
func ParseCredentialID(response json.RawMessage) (string, error) {
	var body struct {
		ID    string `json:"id"`
		RawID string `json:"rawId"`
	}
	if len(response) == 0 {
		return "", NewAuthError(KindValidation, ErrCodeMissingField, "Authenticator response is required", "response")
	}
	if err := json.Unmarshal(response, &body); err != nil {
		return "", wrapError(KindValidation, "invalid_response", "Authenticator response is not valid JSON", err)
	}
	id := body.ID
	if id == "" {
		id = body.RawID
	}
	if id == "" {
		return "", NewAuthError(KindValidation, ErrCodeMissingField, "Authenticator response has no credential id", "id")
	}
	return id, nil
}
