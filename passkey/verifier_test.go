package passkey

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robokop/oneid"
)

const (
	testRPID   = "localhost"
	testOrigin = "https://localhost:4000"
)

var b64 = base64.RawURLEncoding

// authenticator signs assertions with a software P-256 key
type authenticator struct {
	key    *ecdsa.PrivateKey
	credID []byte
}

func newAuthenticator(t *testing.T) *authenticator {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &authenticator{key: key, credID: []byte("test-credential-id")}
}

func (a *authenticator) coseKey(t *testing.T) []byte {
	pub := a.key.PublicKey
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	data, err := webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: x,
		YCoord: y,
	})
	require.NoError(t, err)
	return data
}

func (a *authenticator) assert(t *testing.T, challenge, origin, userID string, counter uint32) json.RawMessage {
	clientData, err := json.Marshal(map[string]any{
		"type":      "webauthn.get",
		"challenge": challenge,
		"origin":    origin,
	})
	require.NoError(t, err)

	rpHash := sha256.Sum256([]byte(testRPID))
	authData := append([]byte{}, rpHash[:]...)
	authData = append(authData, 0x05) // user present + user verified
	authData = binary.BigEndian.AppendUint32(authData, counter)

	clientHash := sha256.Sum256(clientData)
	signed := append(append([]byte{}, authData...), clientHash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64.EncodeToString(a.credID),
		"rawId": b64.EncodeToString(a.credID),
		"type":  "public-key",
		"response": map[string]string{
			"clientDataJSON":    b64.EncodeToString(clientData),
			"authenticatorData": b64.EncodeToString(authData),
			"signature":         b64.EncodeToString(sig),
			"userHandle":        b64.EncodeToString([]byte(userID)),
		},
	})
	require.NoError(t, err)
	return body
}

func newTestVerifier(t *testing.T) *Verifier {
	v, err := NewVerifier(oneid.RelyingParty{ID: testRPID, Name: "ROBOKOP", Origins: []string{testOrigin}})
	require.NoError(t, err)
	return v
}

func fixture(t *testing.T, a *authenticator) (*oneid.User, *oneid.Credential) {
	u := &oneid.User{ID: "user-1", Email: "alice@example.com", DisplayName: "Alice"}
	c := &oneid.Credential{
		ID:         "c1",
		ExternalID: EncodeCredentialID(a.credID),
		PublicKey:  a.coseKey(t),
		SignCount:  3,
		OwnerID:    u.ID,
		DeviceType: oneid.DeviceSingle,
	}
	return u, c
}

func TestVerifyAssertion_Valid(t *testing.T) {
	v := newTestVerifier(t)
	a := newAuthenticator(t)
	u, c := fixture(t, a)
	challenge, err := oneid.NewChallengeValue()
	require.NoError(t, err)

	res, err := v.VerifyAssertion(context.Background(), oneid.AssertionInput{
		Response:          a.assert(t, challenge, testOrigin, u.ID, 7),
		ExpectedChallenge: challenge,
		ExpectedRPID:      testRPID,
		ExpectedOrigins:   []string{testOrigin},
		User:              u,
		Credential:        c,
	})
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, uint32(7), res.NewCounter)
}

func TestVerifyAssertion_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	a := newAuthenticator(t)
	u, c := fixture(t, a)
	challenge, err := oneid.NewChallengeValue()
	require.NoError(t, err)
	other, err := oneid.NewChallengeValue()
	require.NoError(t, err)

	tests := []struct {
		name     string
		response json.RawMessage
	}{
		{"wrong challenge", a.assert(t, other, testOrigin, u.ID, 7)},
		{"wrong origin", a.assert(t, challenge, "https://evil.example", u.ID, 7)},
		{"signed by another key", newAuthenticator(t).assert(t, challenge, testOrigin, u.ID, 7)},
		{"not json", json.RawMessage(`{`)},
		{"empty object", json.RawMessage(`{}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := v.VerifyAssertion(context.Background(), oneid.AssertionInput{
				Response:          tc.response,
				ExpectedChallenge: challenge,
				ExpectedRPID:      testRPID,
				ExpectedOrigins:   []string{testOrigin},
				User:              u,
				Credential:        c,
			})
			require.NoError(t, err)
			assert.False(t, res.Verified)
		})
	}
}

func TestVerifyAttestation_Malformed(t *testing.T) {
	v := newTestVerifier(t)
	res, err := v.VerifyAttestation(context.Background(), oneid.AttestationInput{
		Response:          json.RawMessage(`{"id":"abc","type":"public-key"}`),
		ExpectedChallenge: "challenge",
		ExpectedRPID:      testRPID,
		ExpectedOrigins:   []string{testOrigin},
		User:              &oneid.User{ID: "user-1"},
	})
	require.NoError(t, err)
	assert.False(t, res.Verified)
}

func TestToWebAuthnCredential(t *testing.T) {
	c := &oneid.Credential{
		ID:         "c1",
		ExternalID: EncodeCredentialID([]byte{1, 2, 3}),
		PublicKey:  []byte{9},
		SignCount:  42,
		DeviceType: oneid.DeviceMulti,
		BackedUp:   true,
		Transports: []string{"internal", "hybrid"},
	}
	wc, err := toWebAuthnCredential(c)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, wc.ID)
	assert.Equal(t, uint32(42), wc.Authenticator.SignCount)
	assert.True(t, wc.Flags.BackupEligible)
	assert.True(t, wc.Flags.BackupState)
	assert.Len(t, wc.Transport, 2)

	_, err = toWebAuthnCredential(&oneid.Credential{ID: "bad", ExternalID: "!!!"})
	assert.Error(t, err)
}

func TestNewVerifier_RequiresRelyingParty(t *testing.T) {
	_, err := NewVerifier(oneid.RelyingParty{})
	assert.Error(t, err)
}
