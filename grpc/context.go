// Package grpc authenticates gRPC calls with oneid bearer tokens. The
// interceptors read "authorization: Bearer <token>" metadata, verify it and
// attach the resulting oneid.Principal to the handler context.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/robokop/oneid"
)

// DefaultMetadataKeyAuthorization is the metadata key carrying the bearer token
const DefaultMetadataKeyAuthorization = "authorization"

// Config holds the metadata key configuration for auth context.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyAuthorization: DefaultMetadataKeyAuthorization}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
}

type principalKey struct{}

// ContextWithPrincipal returns ctx carrying p
func ContextWithPrincipal(ctx context.Context, p oneid.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal the interceptor attached.
// ok is false for unauthenticated calls.
func PrincipalFromContext(ctx context.Context) (oneid.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(oneid.Principal)
	return p, ok && !p.IsZero()
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	_, ok := PrincipalFromContext(ctx)
	return ok
}

// BearerTokenFromContext reads the bearer token from incoming metadata
func BearerTokenFromContext(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(config.MetadataKeyAuthorization)
	if len(values) == 0 {
		return ""
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenToOutgoingContext adds a bearer token to outgoing gRPC context metadata.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, DefaultMetadataKeyAuthorization, "Bearer "+token)
}
