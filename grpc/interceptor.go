package grpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/robokop/oneid"
)

// TokenAuthenticator turns a bearer token into a principal.
// *oneid.TokenIssuer implements it.
type TokenAuthenticator interface {
	Authenticate(token string) (oneid.Principal, error)
}

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	Authenticator TokenAuthenticator

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests without a token proceed with no principal.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	Logger *slog.Logger
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig(auth TokenAuthenticator) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Authenticator: auth,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(auth TokenAuthenticator, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(auth)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(auth TokenAuthenticator) *InterceptorConfig {
	config := DefaultInterceptorConfig(auth)
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) ensureDefaults() {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// authenticate resolves the principal for a call. A token that is present
// but invalid is always rejected, even on public methods.
func (c *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	token := BearerTokenFromContext(ctx, c.Config)
	if token == "" {
		if c.RequireAuth && !c.PublicMethods[method] {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	if c.Authenticator == nil {
		return nil, status.Error(codes.Internal, "no token authenticator configured")
	}
	principal, err := c.Authenticator.Authenticate(token)
	if err != nil {
		c.Logger.DebugContext(ctx, "rejected bearer token", "method", method, "error", err)
		return nil, StatusFromError(err)
	}
	return ContextWithPrincipal(ctx, principal), nil
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that verifies bearer tokens.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	if config == nil {
		config = DefaultInterceptorConfig(nil)
	}
	config.ensureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor returns a gRPC stream interceptor that verifies bearer tokens.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	if config == nil {
		config = DefaultInterceptorConfig(nil)
	}
	config.ensureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authStream{ServerStream: ss, ctx: ctx})
	}
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context { return s.ctx }

// StatusFromError maps oneid error kinds onto gRPC status codes
func StatusFromError(err error) error {
	var ae *oneid.AuthError
	if !errors.As(err, &ae) {
		return status.Error(codes.Internal, "internal error")
	}
	code := codes.Internal
	switch ae.Kind {
	case oneid.KindValidation:
		code = codes.InvalidArgument
	case oneid.KindNotFound:
		code = codes.NotFound
	case oneid.KindConflict:
		code = codes.AlreadyExists
	case oneid.KindAuthFailure, oneid.KindCloneDetected:
		code = codes.Unauthenticated
	case oneid.KindUpstream:
		code = codes.Unavailable
	}
	return status.Error(code, ae.Message)
}
