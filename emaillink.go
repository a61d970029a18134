package oneid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// EmailDispatch describes the message StartEmailLogin sent
type EmailDispatch struct {
	Recipient string    `json:"recipient"`
	Template  string    `json:"template"`
	NewUser   bool      `json:"new_user"`
	Delivery  *Delivery `json:"-"`
}

// ActivationInfo is what an activation token reveals before it is redeemed
type ActivationInfo struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EmailLogin implements passwordless login by emailed link. Known users get a
// login link; unknown emails get a short lived activation link that creates
// the account once a display name is supplied.
type EmailLogin struct {
	Users  IdentityStore
	Merger *IdentityMerger
	Tokens *TokenIssuer
	Mailer Mailer

	// Challenges, when set, makes login links single-use
	Challenges ChallengeStore

	// FrontendURL is the base for emailed links
	FrontendURL string

	Logger *slog.Logger
}

func (e *EmailLogin) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *EmailLogin) link(path, token string) string {
	return fmt.Sprintf("%s%s?token=%s", strings.TrimRight(e.FrontendURL, "/"), path, url.QueryEscape(token))
}

// StartEmailLogin mails a login link or an activation link depending on
// whether the email already belongs to a user.
func (e *EmailLogin) StartEmailLogin(ctx context.Context, email string) (*EmailDispatch, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	user, err := e.Users.FindUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, storeError(err, "find user")
	}

	dispatch := &EmailDispatch{Recipient: email}
	var args map[string]any
	if user != nil {
		token, err := e.Tokens.IssueLoginLinkToken(user.ID)
		if err != nil {
			return nil, err
		}
		if err := e.rememberLink(ctx, token); err != nil {
			return nil, err
		}
		dispatch.Template = TemplateMagicLink
		args = map[string]any{"link": e.link("/oauth-callback", token), "email": email, "name": user.DisplayName}
	} else {
		token, err := e.Tokens.IssueActivationToken(email)
		if err != nil {
			return nil, err
		}
		dispatch.Template = TemplateActivateAccount
		dispatch.NewUser = true
		args = map[string]any{"link": e.link("/activate-user", token), "email": email}
	}

	delivery, err := e.Mailer.Send(ctx, dispatch.Template, args, email)
	if err != nil {
		return nil, wrapError(KindUpstream, ErrCodeUpstream, "Failed to send email", err)
	}
	dispatch.Delivery = delivery
	e.logger().InfoContext(ctx, "sent email link", "template", dispatch.Template, "new_user", dispatch.NewUser)
	return dispatch, nil
}

// rememberLink registers the token id so the link can be redeemed exactly once
func (e *EmailLogin) rememberLink(ctx context.Context, token string) error {
	if e.Challenges == nil {
		return nil
	}
	p, err := e.Tokens.parse(token)
	if err != nil {
		return err
	}
	err = e.Challenges.PutChallenge(ctx, &Challenge{
		Kind:      CeremonyEmailLink,
		ScopeKey:  LinkScope(p.ID),
		Value:     p.ID,
		IssuedAt:  p.IssuedAt,
		ExpiresAt: p.ExpiresAt,
	})
	return storeError(err, "record login link")
}

func (e *EmailLogin) consumeLink(ctx context.Context, p *TokenPayload) error {
	if e.Challenges == nil {
		return nil
	}
	ch, err := e.Challenges.TakeChallenge(ctx, CeremonyEmailLink, LinkScope(p.ID))
	if errors.Is(err, ErrChallengeNotFound) || (err == nil && ch.Value != p.ID) {
		return NewAuthError(KindAuthFailure, ErrCodeLinkUsed, "This login link has already been used", "token")
	}
	return storeError(err, "consume login link")
}

// RedeemEmailToken exchanges an emailed token for a session token. Login
// links sign in the existing user. Activation tokens create the user, which
// requires a display name and fails with a ConflictError once the email is
// registered.
func (e *EmailLogin) RedeemEmailToken(ctx context.Context, token, name string) (*LoginResult, error) {
	p, err := e.Tokens.parse(token)
	if err != nil {
		return nil, err
	}

	switch p.Purpose {
	case PurposeLoginLink:
		if p.UserID == "" {
			return nil, NewAuthError(KindAuthFailure, ErrCodeTokenPurpose, "Token cannot be used to sign in", "token")
		}
		user, err := e.Users.FindUserByID(ctx, p.UserID)
		if err != nil {
			return nil, storeError(err, "find user")
		}
		if err := e.consumeLink(ctx, p); err != nil {
			return nil, err
		}
		session, err := e.Tokens.IssueToken(user.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Token: session, User: user}, nil

	case PurposeActivation:
		if _, err := e.checkUnregistered(ctx, p.Email); err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, NewAuthError(KindValidation, ErrCodeMissingField, "Name is required", "name")
		}
		user, err := e.Merger.CreateUser(ctx, p.Email, name)
		if err != nil {
			return nil, err
		}
		session, err := e.Tokens.IssueToken(user.ID)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Token: session, User: user}, nil
	}
	return nil, NewAuthError(KindAuthFailure, ErrCodeTokenPurpose, "Token is not an email link", "token")
}

// InspectActivationToken reports the email an activation token was issued
// for, failing if that email has been registered since.
func (e *EmailLogin) InspectActivationToken(ctx context.Context, token string) (*ActivationInfo, error) {
	p, err := e.Tokens.VerifyActivationToken(token)
	if err != nil {
		return nil, err
	}
	if _, err := e.checkUnregistered(ctx, p.Email); err != nil {
		return nil, err
	}
	return &ActivationInfo{Email: p.Email, ExpiresAt: p.ExpiresAt}, nil
}

func (e *EmailLogin) checkUnregistered(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	_, err := e.Users.FindUserByEmail(ctx, email)
	if err == nil {
		return "", NewAuthError(KindConflict, ErrCodeEmailExists, "An account already exists for this email", "email")
	}
	if !errors.Is(err, ErrUserNotFound) {
		return "", storeError(err, "find user")
	}
	return email, nil
}
