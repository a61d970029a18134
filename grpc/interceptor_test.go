package grpc

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/robokop/oneid"
)

type fakeAuthenticator map[string]string

func (f fakeAuthenticator) Authenticate(token string) (oneid.Principal, error) {
	if id, ok := f[token]; ok {
		return oneid.Principal{UserID: id}, nil
	}
	return oneid.Principal{}, oneid.NewAuthError(oneid.KindAuthFailure, oneid.ErrCodeTokenSignatureInvalid, "invalid token", "")
}

var auth = fakeAuthenticator{"good": "user123"}

func withToken(token string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
}

func expectCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected grpc status error, got %v", err)
	}
	if st.Code() != code {
		t.Errorf("expected %v, got %v", code, st.Code())
	}
}

func TestNewPublicMethodsConfig(t *testing.T) {
	config := NewPublicMethodsConfig(auth, "/pkg.Svc/Method1", "/pkg.Svc/Method2")
	if !config.RequireAuth {
		t.Error("expected RequireAuth to be true")
	}
	if !config.PublicMethods["/pkg.Svc/Method1"] || config.PublicMethods["/pkg.Svc/Method3"] {
		t.Errorf("unexpected public methods %v", config.PublicMethods)
	}
	if OptionalAuthConfig(auth).RequireAuth {
		t.Error("expected optional config to not require auth")
	}
}

func TestUnaryAuthInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/pkg.Svc/Method"}

	t.Run("rejects missing token", func(t *testing.T) {
		_, err := UnaryAuthInterceptor(DefaultInterceptorConfig(auth))(context.Background(), nil, info,
			func(ctx context.Context, req any) (any, error) {
				t.Error("handler should not be called")
				return nil, nil
			})
		expectCode(t, err, codes.Unauthenticated)
	})

	t.Run("rejects invalid token", func(t *testing.T) {
		_, err := UnaryAuthInterceptor(DefaultInterceptorConfig(auth))(withToken("forged"), nil, info,
			func(ctx context.Context, req any) (any, error) {
				t.Error("handler should not be called")
				return nil, nil
			})
		expectCode(t, err, codes.Unauthenticated)
	})

	t.Run("attaches principal", func(t *testing.T) {
		var got oneid.Principal
		_, err := UnaryAuthInterceptor(DefaultInterceptorConfig(auth))(withToken("good"), nil, info,
			func(ctx context.Context, req any) (any, error) {
				got, _ = PrincipalFromContext(ctx)
				return "result", nil
			})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.UserID != "user123" {
			t.Errorf("principal = %+v", got)
		}
	})

	t.Run("public method without token", func(t *testing.T) {
		called := false
		_, err := UnaryAuthInterceptor(NewPublicMethodsConfig(auth, "/pkg.Svc/Method"))(context.Background(), nil, info,
			func(ctx context.Context, req any) (any, error) {
				called = true
				if IsAuthenticated(ctx) {
					t.Error("no principal expected")
				}
				return nil, nil
			})
		if err != nil || !called {
			t.Errorf("public method should pass: %v", err)
		}
	})

	t.Run("public method with bad token", func(t *testing.T) {
		_, err := UnaryAuthInterceptor(NewPublicMethodsConfig(auth, "/pkg.Svc/Method"))(withToken("forged"), nil, info,
			func(ctx context.Context, req any) (any, error) { return nil, nil })
		expectCode(t, err, codes.Unauthenticated)
	})

	t.Run("no authenticator configured", func(t *testing.T) {
		_, err := UnaryAuthInterceptor(nil)(withToken("good"), nil, info,
			func(ctx context.Context, req any) (any, error) { return nil, nil })
		expectCode(t, err, codes.Internal)
	})
}

type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

func TestStreamAuthInterceptor(t *testing.T) {
	info := &grpc.StreamServerInfo{FullMethod: "/pkg.Svc/Stream"}
	interceptor := StreamAuthInterceptor(DefaultInterceptorConfig(auth))

	err := interceptor(nil, &mockServerStream{ctx: context.Background()}, info, func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	})
	expectCode(t, err, codes.Unauthenticated)

	var got oneid.Principal
	err = interceptor(nil, &mockServerStream{ctx: withToken("good")}, info, func(srv any, ss grpc.ServerStream) error {
		got, _ = PrincipalFromContext(ss.Context())
		return nil
	})
	if err != nil || got.UserID != "user123" {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{oneid.NewAuthError(oneid.KindValidation, oneid.ErrCodeMissingField, "missing", "email"), codes.InvalidArgument},
		{oneid.NewAuthError(oneid.KindNotFound, oneid.ErrCodeUserNotFound, "no user", ""), codes.NotFound},
		{oneid.NewAuthError(oneid.KindConflict, oneid.ErrCodeEmailExists, "exists", ""), codes.AlreadyExists},
		{oneid.NewAuthError(oneid.KindCloneDetected, oneid.ErrCodeCloneDetected, "clone", ""), codes.Unauthenticated},
		{oneid.NewAuthError(oneid.KindUpstream, oneid.ErrCodeUpstream, "down", ""), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range tests {
		expectCode(t, StatusFromError(tc.err), tc.code)
	}
}
