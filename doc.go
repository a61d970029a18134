// Package oneid unifies four login methods onto a single user record per email.
//
// Users can sign in with a federated provider (Google, GitHub), an email and
// password, an emailed link, or a passkey. Whichever method is used first
// creates the user; every later method attaches to the same record by email
// and only fills in fields that are still empty. All four methods end in the
// same place: a session token minted by TokenIssuer.
//
// # Components
//
//   - TokenIssuer: HMAC-signed JWTs for sessions, login links and activation.
//   - IdentityMerger: create-or-attach by email.
//   - PasswordAuth: bcrypt password registration and login.
//   - EmailLogin: login links for known users, activation links for new emails.
//   - CeremonyManager: passkey registration and authentication, including
//     single-use challenges and signature counter clone detection.
//
// Signature verification is delegated to a Verifier; see the passkey package
// for one backed by go-webauthn.
//
// # Storage
//
// Components depend on three small ports: IdentityStore, CredentialStore and
// ChallengeStore. Implementations live under stores/:
//
//	stores/fs      JSON files, for development and tests
//	stores/gorm    any database GORM supports
//	stores/gae     Google Cloud Datastore
//	stores/redis   challenges only, with native expiry
//
// # Basic Usage
//
//	cfg, err := oneid.LoadConfig()
//	verifier, err := passkey.NewVerifier(cfg.RelyingParty)
//	id, err := oneid.New(cfg, oneid.Dependencies{
//	    Users:       fs.NewUserStore(path),
//	    Credentials: fs.NewCredentialStore(path),
//	    Challenges:  fs.NewChallengeStore(path),
//	    Verifier:    verifier,
//	})
//
//	opts, err := id.Ceremonies.StartAuthentication(ctx, oneid.AuthenticationRequest{})
//	// ... client signs opts.Challenge ...
//	res, err := id.Ceremonies.FinishAuthentication(ctx, oneid.AssertionRequest{
//	    SessionID: opts.SessionID,
//	    Response:  body,
//	})
//
// Every operation returns *AuthError on failure. Use errors.Is with ErrNotFound,
// ErrConflict, ErrAuthFailure and friends, or KindOf, to classify it.
package oneid
