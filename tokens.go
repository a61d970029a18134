package oneid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPurpose distinguishes the tokens minted by TokenIssuer
type TokenPurpose string

const (
	PurposeSession    TokenPurpose = "session"
	PurposeLoginLink  TokenPurpose = "login_link"
	PurposeActivation TokenPurpose = "activation"
)

// Claims is the JWT payload shared by every token this package issues.
type Claims struct {
	jwt.RegisteredClaims
	Purpose TokenPurpose `json:"purpose"`
	Email   string       `json:"email,omitempty"`
}

// TokenPayload is the verified content of a token.
type TokenPayload struct {
	ID        string
	UserID    string
	Email     string
	Purpose   TokenPurpose
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID string
}

// IsZero reports whether the principal is unauthenticated
func (p Principal) IsZero() bool { return p.UserID == "" }

// TokenIssuer mints and verifies HMAC-signed JWTs.
type TokenIssuer struct {
	Secret        []byte
	Issuer        string
	SessionTTL    time.Duration
	LoginLinkTTL  time.Duration
	ActivationTTL time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// NewTokenIssuer creates an issuer from the shared config
func NewTokenIssuer(cfg Config) *TokenIssuer {
	cfg.EnsureDefaults()
	return &TokenIssuer{
		Secret:        []byte(cfg.JWTSecret),
		Issuer:        cfg.Issuer,
		SessionTTL:    cfg.SessionTTL,
		LoginLinkTTL:  cfg.LoginLinkTTL,
		ActivationTTL: cfg.ActivationTTL,
	}
}

func (t *TokenIssuer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// IssueToken creates a session token for the user
func (t *TokenIssuer) IssueToken(userID string) (string, error) {
	return t.sign(PurposeSession, userID, "", t.SessionTTL)
}

// IssueLoginLinkToken creates a token for an emailed login link
func (t *TokenIssuer) IssueLoginLinkToken(userID string) (string, error) {
	return t.sign(PurposeLoginLink, userID, "", t.LoginLinkTTL)
}

// IssueActivationToken creates a short lived token that carries only an email
func (t *TokenIssuer) IssueActivationToken(email string) (string, error) {
	return t.sign(PurposeActivation, "", email, t.ActivationTTL)
}

func (t *TokenIssuer) sign(purpose TokenPurpose, userID, email string, ttl time.Duration) (string, error) {
	if len(t.Secret) == 0 {
		return "", errors.New("token issuer has no secret")
	}
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
		Email:   email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a session or login-link token and returns its payload.
// Failures are AuthFailure errors coded token_malformed, token_signature_invalid
// or token_expired.
func (t *TokenIssuer) VerifyToken(token string) (*TokenPayload, error) {
	p, err := t.parse(token)
	if err != nil {
		return nil, err
	}
	if (p.Purpose != PurposeSession && p.Purpose != PurposeLoginLink) || p.UserID == "" {
		return nil, NewAuthError(KindAuthFailure, ErrCodeTokenPurpose, "Token cannot be used to sign in", "token")
	}
	return p, nil
}

// VerifyActivationToken checks a token minted by IssueActivationToken
func (t *TokenIssuer) VerifyActivationToken(token string) (*TokenPayload, error) {
	p, err := t.parse(token)
	if err != nil {
		return nil, err
	}
	if p.Purpose != PurposeActivation || p.Email == "" {
		return nil, NewAuthError(KindAuthFailure, ErrCodeTokenPurpose, "Token is not an activation token", "token")
	}
	return p, nil
}

// Authenticate resolves a bearer token into a Principal. Only session tokens
// qualify; login links must be redeemed first.
func (t *TokenIssuer) Authenticate(token string) (Principal, error) {
	p, err := t.VerifyToken(token)
	if err != nil {
		return Principal{}, err
	}
	if p.Purpose != PurposeSession {
		return Principal{}, NewAuthError(KindAuthFailure, ErrCodeTokenPurpose, "Login links must be redeemed before use", "token")
	}
	return Principal{UserID: p.UserID}, nil
}

func (t *TokenIssuer) parse(token string) (*TokenPayload, error) {
	if token == "" {
		return nil, NewAuthError(KindAuthFailure, ErrCodeTokenMalformed, "Token is malformed", "token")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.Secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, classifyTokenError(err)
	}

	p := &TokenPayload{
		ID:      claims.ID,
		UserID:  claims.Subject,
		Email:   claims.Email,
		Purpose: claims.Purpose,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func classifyTokenError(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return wrapError(KindAuthFailure, ErrCodeTokenExpired, "Token has expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return wrapError(KindAuthFailure, ErrCodeTokenSignatureInvalid, "Token signature is invalid", err)
	default:
		return wrapError(KindAuthFailure, ErrCodeTokenMalformed, "Token is malformed", err)
	}
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewChallengeValue returns 32 random bytes encoded as unpadded base64url,
// the encoding authenticators echo back in clientDataJSON.
func NewChallengeValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
