package oneid_test

import (
	"strings"
	"testing"
	"time"

	"github.com/robokop/oneid"
)

func newIssuer(clock *fakeClock) *oneid.TokenIssuer {
	issuer := oneid.NewTokenIssuer(testConfig())
	issuer.Now = clock.Now
	return issuer
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newIssuer(clock)

	token, err := issuer.IssueToken("user-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	p, err := issuer.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if p.UserID != "user-1" || p.Purpose != oneid.PurposeSession {
		t.Errorf("unexpected payload: %+v", p)
	}
	if got := p.ExpiresAt.Sub(p.IssuedAt); got != oneid.DefaultSessionTTL {
		t.Errorf("ttl = %v, want %v", got, oneid.DefaultSessionTTL)
	}

	principal, err := issuer.Authenticate(token)
	if err != nil || principal.UserID != "user-1" {
		t.Errorf("Authenticate = %+v, %v", principal, err)
	}

	link, _ := issuer.IssueLoginLinkToken("user-1")
	_, err = issuer.Authenticate(link)
	expectCode(t, err, oneid.ErrCodeTokenPurpose)
}

func TestTokenIssuer_Failures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newIssuer(clock)
	token, _ := issuer.IssueToken("user-1")

	other := oneid.NewTokenIssuer(oneid.Config{JWTSecret: "a-completely-different-secret"})
	foreign, _ := other.IssueToken("user-1")

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"empty", "", oneid.ErrCodeTokenMalformed},
		{"garbage", "not-a-token", oneid.ErrCodeTokenMalformed},
		{"tampered signature", tampered, oneid.ErrCodeTokenSignatureInvalid},
		{"wrong secret", foreign, oneid.ErrCodeTokenSignatureInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := issuer.VerifyToken(tc.token)
			expectKind(t, err, oneid.KindAuthFailure)
			expectCode(t, err, tc.code)
		})
	}
}

func TestTokenIssuer_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newIssuer(clock)
	token, _ := issuer.IssueToken("user-1")

	clock.Advance(oneid.DefaultSessionTTL + time.Minute)
	_, err := issuer.VerifyToken(token)
	expectKind(t, err, oneid.KindAuthFailure)
	expectCode(t, err, oneid.ErrCodeTokenExpired)
}

func TestTokenIssuer_PurposesAreSeparate(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	issuer := newIssuer(clock)

	activation, _ := issuer.IssueActivationToken("new@example.com")
	_, err := issuer.VerifyToken(activation)
	expectCode(t, err, oneid.ErrCodeTokenPurpose)

	p, err := issuer.VerifyActivationToken(activation)
	if err != nil {
		t.Fatalf("VerifyActivationToken: %v", err)
	}
	if p.Email != "new@example.com" || p.UserID != "" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if got := p.ExpiresAt.Sub(p.IssuedAt); got != oneid.DefaultActivationTTL {
		t.Errorf("activation ttl = %v", got)
	}

	session, _ := issuer.IssueToken("user-1")
	_, err = issuer.VerifyActivationToken(session)
	expectCode(t, err, oneid.ErrCodeTokenPurpose)

	link, _ := issuer.IssueLoginLinkToken("user-1")
	p, err = issuer.VerifyToken(link)
	if err != nil || p.Purpose != oneid.PurposeLoginLink {
		t.Errorf("login link should verify as a sign-in token: %+v, %v", p, err)
	}
}

func TestNewChallengeValue_IsRandom(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		v, err := oneid.NewChallengeValue()
		if err != nil {
			t.Fatal(err)
		}
		if len(v) != 43 {
			t.Errorf("challenge length = %d, want 43", len(v))
		}
		if seen[v] {
			t.Fatal("duplicate challenge")
		}
		seen[v] = true
	}
}
