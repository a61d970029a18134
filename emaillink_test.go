package oneid_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robokop/oneid"
)

func TestEmailLogin_KnownUser(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com", "Alice")

	dispatch, err := env.EmailLinks.StartEmailLogin(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("StartEmailLogin: %v", err)
	}
	if dispatch.NewUser || dispatch.Template != oneid.TemplateMagicLink {
		t.Fatalf("unexpected dispatch: %+v", dispatch)
	}

	mail := env.Mailer.last(t)
	if mail.Recipient != "alice@example.com" {
		t.Errorf("recipient = %s", mail.Recipient)
	}
	token := linkToken(t, mail)

	res, err := env.EmailLinks.RedeemEmailToken(ctx, token, "")
	if err != nil {
		t.Fatalf("RedeemEmailToken: %v", err)
	}
	if res.User.ID != user.ID {
		t.Errorf("signed in as %s, want %s", res.User.ID, user.ID)
	}
	if p, err := env.Tokens.VerifyToken(res.Token); err != nil || p.Purpose != oneid.PurposeSession {
		t.Errorf("expected a session token: %+v, %v", p, err)
	}

	// login links are single-use
	_, err = env.EmailLinks.RedeemEmailToken(ctx, token, "")
	expectKind(t, err, oneid.KindAuthFailure)
	expectCode(t, err, oneid.ErrCodeLinkUsed)
}

func TestEmailLogin_ReusableLinksWhenNotTracked(t *testing.T) {
	env := setupEnv(t, func(c *oneid.Config) { c.SingleUseLoginLinks = false })
	ctx := context.Background()
	env.createUser(t, "alice@example.com", "Alice")

	if _, err := env.EmailLinks.StartEmailLogin(ctx, "alice@example.com"); err != nil {
		t.Fatal(err)
	}
	token := linkToken(t, env.Mailer.last(t))
	for i := 0; i < 2; i++ {
		if _, err := env.EmailLinks.RedeemEmailToken(ctx, token, ""); err != nil {
			t.Fatalf("redeem %d: %v", i, err)
		}
	}
}

func TestEmailLogin_Activation(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	dispatch, err := env.EmailLinks.StartEmailLogin(ctx, "new@example.com")
	if err != nil {
		t.Fatalf("StartEmailLogin: %v", err)
	}
	if !dispatch.NewUser || dispatch.Template != oneid.TemplateActivateAccount {
		t.Fatalf("unexpected dispatch: %+v", dispatch)
	}
	if _, err := env.Users.FindUserByEmail(ctx, "new@example.com"); !errors.Is(err, oneid.ErrUserNotFound) {
		t.Fatal("no user should exist before activation")
	}

	token := linkToken(t, env.Mailer.last(t))

	info, err := env.EmailLinks.InspectActivationToken(ctx, token)
	if err != nil || info.Email != "new@example.com" {
		t.Fatalf("InspectActivationToken = %+v, %v", info, err)
	}

	_, err = env.EmailLinks.RedeemEmailToken(ctx, token, "  ")
	expectKind(t, err, oneid.KindValidation)

	res, err := env.EmailLinks.RedeemEmailToken(ctx, token, "New Person")
	if err != nil {
		t.Fatalf("RedeemEmailToken: %v", err)
	}
	if res.User.DisplayName != "New Person" || res.User.Email != "new@example.com" {
		t.Errorf("unexpected user: %+v", res.User)
	}

	_, err = env.EmailLinks.RedeemEmailToken(ctx, token, "New Person")
	expectKind(t, err, oneid.KindConflict)

	_, err = env.EmailLinks.InspectActivationToken(ctx, token)
	expectKind(t, err, oneid.KindConflict)
}

func TestEmailLogin_ConcurrentActivationCreatesOneUser(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if _, err := env.EmailLinks.StartEmailLogin(ctx, "new@example.com"); err != nil {
		t.Fatal(err)
	}
	token := linkToken(t, env.Mailer.last(t))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.EmailLinks.RedeemEmailToken(ctx, token, "New Person")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			expectKind(t, err, oneid.KindConflict)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one activation, got %d", successes)
	}
}

func TestEmailLogin_ActivationExpires(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	if _, err := env.EmailLinks.StartEmailLogin(ctx, "new@example.com"); err != nil {
		t.Fatal(err)
	}
	token := linkToken(t, env.Mailer.last(t))

	env.Clock.Advance(oneid.DefaultActivationTTL + time.Second)
	_, err := env.EmailLinks.RedeemEmailToken(ctx, token, "Late")
	expectCode(t, err, oneid.ErrCodeTokenExpired)
}

func TestEmailLogin_SessionTokenIsNotALink(t *testing.T) {
	env := setupEnv(t)
	user := env.createUser(t, "alice@example.com", "Alice")
	session, _ := env.Tokens.IssueToken(user.ID)

	_, err := env.EmailLinks.RedeemEmailToken(context.Background(), session, "")
	expectCode(t, err, oneid.ErrCodeTokenPurpose)
}

func TestEmailLogin_MailerFailure(t *testing.T) {
	env := setupEnv(t)
	env.Mailer.err = errors.New("smtp down")
	_, err := env.EmailLinks.StartEmailLogin(context.Background(), "new@example.com")
	expectKind(t, err, oneid.KindUpstream)
}

func TestEmailLogin_InvalidEmail(t *testing.T) {
	env := setupEnv(t)
	_, err := env.EmailLinks.StartEmailLogin(context.Background(), "bad@")
	expectKind(t, err, oneid.KindValidation)
}
