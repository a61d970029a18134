package oneid

import (
	"errors"
	"log/slog"
	"time"
)

// Dependencies are the collaborators New wires into every component.
type Dependencies struct {
	Users       IdentityStore
	Credentials CredentialStore
	Challenges  ChallengeStore
	Verifier    Verifier
	Mailer      Mailer

	// Optional
	Logger          *slog.Logger
	Now             func() time.Time
	OnCloneDetected CloneHook
}

// OneID bundles the components that share a user store and token issuer.
type OneID struct {
	Config     Config
	Tokens     *TokenIssuer
	Identities *IdentityMerger
	Passwords  *PasswordAuth
	EmailLinks *EmailLogin
	Ceremonies *CeremonyManager
}

// New validates cfg and wires every login method onto the same stores.
func New(cfg Config, deps Dependencies) (*OneID, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Users == nil || deps.Credentials == nil || deps.Challenges == nil {
		return nil, errors.New("oneid: user, credential and challenge stores are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("oneid: a passkey verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = &ConsoleMailer{Logger: logger}
	}

	tokens := NewTokenIssuer(cfg)
	tokens.Now = deps.Now

	merger := &IdentityMerger{Users: deps.Users, Logger: logger, Now: deps.Now}

	links := &EmailLogin{
		Users:       deps.Users,
		Merger:      merger,
		Tokens:      tokens,
		Mailer:      mailer,
		FrontendURL: cfg.FrontendURL,
		Logger:      logger,
	}
	if cfg.SingleUseLoginLinks {
		links.Challenges = deps.Challenges
	}

	return &OneID{
		Config:     cfg,
		Tokens:     tokens,
		Identities: merger,
		Passwords: &PasswordAuth{
			Users:             deps.Users,
			Merger:            merger,
			Tokens:            tokens,
			Logger:            logger,
			MinPasswordLength: cfg.MinPasswordLength,
		},
		EmailLinks: links,
		Ceremonies: &CeremonyManager{
			RelyingParty:     cfg.RelyingParty,
			ChallengeTTL:     cfg.ChallengeTTL,
			Users:            deps.Users,
			Credentials:      deps.Credentials,
			Challenges:       deps.Challenges,
			Verifier:         deps.Verifier,
			Tokens:           tokens,
			AllowCounterless: cfg.AllowCounterless,
			OnCloneDetected:  deps.OnCloneDetected,
			Logger:           logger,
			Now:              deps.Now,
		},
	}, nil
}
