package oneid

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Default durations
const (
	DefaultSessionTTL    = 24 * time.Hour
	DefaultLoginLinkTTL  = 24 * time.Hour
	DefaultActivationTTL = 15 * time.Minute
	DefaultChallengeTTL  = 5 * time.Minute
	DefaultMinPassword   = 8
	DefaultIssuer        = "oneid"
)

// RelyingParty identifies this service to passkey authenticators.
type RelyingParty struct {
	ID      string   `env:"RP_ID"`
	Name    string   `env:"RP_NAME" envDefault:"ROBOKOP"`
	Origins []string `env:"RP_ORIGINS" envSeparator:","`
}

// Config holds the settings shared by every login method.
type Config struct {
	RelyingParty RelyingParty `envPrefix:"ONEID_"`

	JWTSecret string `env:"ONEID_JWT_SECRET"`
	Issuer    string `env:"ONEID_ISSUER" envDefault:"oneid"`

	// FrontendURL is the base for links placed in emails and OAuth redirects
	FrontendURL string `env:"ONEID_FRONTEND_URL"`

	SessionTTL    time.Duration `env:"ONEID_SESSION_TTL" envDefault:"24h"`
	LoginLinkTTL  time.Duration `env:"ONEID_LOGIN_LINK_TTL" envDefault:"24h"`
	ActivationTTL time.Duration `env:"ONEID_ACTIVATION_TTL" envDefault:"15m"`
	ChallengeTTL  time.Duration `env:"ONEID_CHALLENGE_TTL" envDefault:"5m"`

	MinPasswordLength int `env:"ONEID_MIN_PASSWORD_LENGTH" envDefault:"8"`

	// AllowCounterless accepts authenticators that always report a zero sign
	// counter. Any other non-increasing counter is still treated as a clone.
	AllowCounterless bool `env:"ONEID_ALLOW_COUNTERLESS"`

	// SingleUseLoginLinks records each issued login link so it can be redeemed once
	SingleUseLoginLinks bool `env:"ONEID_SINGLE_USE_LOGIN_LINKS" envDefault:"true"`
}

// LoadConfig reads the configuration from ONEID_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.EnsureDefaults()
	return cfg, cfg.Validate()
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.RelyingParty.Name == "" {
		c.RelyingParty.Name = "ROBOKOP"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.LoginLinkTTL <= 0 {
		c.LoginLinkTTL = DefaultLoginLinkTTL
	}
	if c.ActivationTTL <= 0 {
		c.ActivationTTL = DefaultActivationTTL
	}
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = DefaultChallengeTTL
	}
	if c.MinPasswordLength <= 0 {
		c.MinPasswordLength = DefaultMinPassword
	}
}

// Validate rejects configurations that would make ceremonies or tokens unsafe.
// The relying party and signing secret have no fallback values.
func (c *Config) Validate() error {
	if c.RelyingParty.ID == "" {
		return NewAuthError(KindValidation, ErrCodeMissingField, "relying party id is required", "ONEID_RP_ID")
	}
	if len(c.RelyingParty.Origins) == 0 {
		return NewAuthError(KindValidation, ErrCodeMissingField, "at least one relying party origin is required", "ONEID_RP_ORIGINS")
	}
	for _, o := range c.RelyingParty.Origins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewAuthError(KindValidation, "invalid_origin", fmt.Sprintf("invalid origin %q", o), "ONEID_RP_ORIGINS")
		}
	}
	if len(c.JWTSecret) < 16 {
		return NewAuthError(KindValidation, ErrCodeMissingField, "jwt secret must be at least 16 bytes", "ONEID_JWT_SECRET")
	}
	return nil
}
