package oneid_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/robokop/oneid"
	"github.com/robokop/oneid/stores/fs"
)

// fakeResponse stands in for an authenticator response. The fake verifier
// accepts it when the echoed challenge matches.
type fakeResponse struct {
	ID        string `json:"id"`
	Challenge string `json:"challenge"`
	Counter   uint32 `json:"counter"`
}

func respond(id, challenge string, counter uint32) json.RawMessage {
	data, _ := json.Marshal(fakeResponse{ID: id, Challenge: challenge, Counter: counter})
	return data
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyAttestation(ctx context.Context, in oneid.AttestationInput) (*oneid.AttestationResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	var r fakeResponse
	if err := json.Unmarshal(in.Response, &r); err != nil || r.Challenge != in.ExpectedChallenge {
		return &oneid.AttestationResult{Verified: false}, nil
	}
	return &oneid.AttestationResult{
		Verified:     true,
		CredentialID: r.ID,
		PublicKey:    []byte("pk-" + r.ID),
		SignCount:    r.Counter,
		DeviceType:   oneid.DeviceMulti,
		BackedUp:     true,
		Transports:   []string{"internal"},
	}, nil
}

func (f *fakeVerifier) VerifyAssertion(ctx context.Context, in oneid.AssertionInput) (*oneid.AssertionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	var r fakeResponse
	if err := json.Unmarshal(in.Response, &r); err != nil || r.Challenge != in.ExpectedChallenge || r.ID != in.Credential.ExternalID {
		return &oneid.AssertionResult{Verified: false}, nil
	}
	return &oneid.AssertionResult{Verified: true, NewCounter: r.Counter}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentMail struct {
	Template  string
	Args      map[string]any
	Recipient string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, template string, args map[string]any, recipient string) (*oneid.Delivery, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{Template: template, Args: args, Recipient: recipient})
	return &oneid.Delivery{MessageID: "msg", Template: template, Recipient: recipient}, nil
}

func (m *recordingMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no email sent")
	}
	return m.sent[len(m.sent)-1]
}

// linkToken pulls the token query parameter out of an emailed link
func linkToken(t *testing.T, mail sentMail) string {
	t.Helper()
	u, err := url.Parse(mail.Args["link"].(string))
	if err != nil {
		t.Fatalf("bad link: %v", err)
	}
	return u.Query().Get("token")
}

type testEnv struct {
	*oneid.OneID
	Users       *fs.UserStore
	Credentials *fs.CredentialStore
	Challenges  *fs.ChallengeStore
	Verifier    *fakeVerifier
	Mailer      *recordingMailer
	Clock       *fakeClock
	Clones      []string
}

func testConfig() oneid.Config {
	return oneid.Config{
		RelyingParty: oneid.RelyingParty{
			ID:      "localhost",
			Name:    "ROBOKOP",
			Origins: []string{"https://localhost:4000"},
		},
		JWTSecret:           "test-secret-0123456789abcdef",
		FrontendURL:         "https://localhost:4000",
		SingleUseLoginLinks: true,
	}
}

func setupEnv(t *testing.T, mutate ...func(*oneid.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{
		Users:       fs.NewUserStore(dir),
		Credentials: fs.NewCredentialStore(dir),
		Challenges:  fs.NewChallengeStore(dir),
		Verifier:    &fakeVerifier{},
		Mailer:      &recordingMailer{},
		Clock:       &fakeClock{now: time.Now()},
	}
	id, err := oneid.New(cfg, oneid.Dependencies{
		Users:       env.Users,
		Credentials: env.Credentials,
		Challenges:  env.Challenges,
		Verifier:    env.Verifier,
		Mailer:      env.Mailer,
		Now:         env.Clock.Now,
		OnCloneDetected: func(ctx context.Context, cred *oneid.Credential, presented uint32) {
			env.Clones = append(env.Clones, cred.ID)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.OneID = id
	return env
}

func (e *testEnv) createUser(t *testing.T, email, name string) *oneid.User {
	t.Helper()
	user, err := e.Identities.CreateUser(context.Background(), email, name)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return user
}

// registerPasskey runs a full registration ceremony for user
func (e *testEnv) registerPasskey(t *testing.T, user *oneid.User, externalID string, counter uint32) *oneid.Credential {
	t.Helper()
	ctx := context.Background()
	p := oneid.Principal{UserID: user.ID}
	opts, err := e.Ceremonies.StartRegistration(ctx, p)
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	res, err := e.Ceremonies.FinishRegistration(ctx, p, respond(externalID, opts.Challenge, counter))
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if !res.Verified {
		t.Fatal("expected registration to verify")
	}
	return res.Credential
}

func expectKind(t *testing.T, err error, kind oneid.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := oneid.KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %q (%v)", kind, got, err)
	}
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	var ae *oneid.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError with code %s, got %v", code, err)
	}
	if ae.Code != code {
		t.Fatalf("expected code %s, got %s (%v)", code, ae.Code, err)
	}
}
