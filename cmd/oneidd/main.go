// Command oneidd serves the oneid HTTP API and, optionally, a gRPC health
// endpoint guarded by the bearer token interceptors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/robokop/oneid"
	oneidgrpc "github.com/robokop/oneid/grpc"
	"github.com/robokop/oneid/httpapi"
	"github.com/robokop/oneid/oauth2"
	"github.com/robokop/oneid/passkey"
)

func main() {
	if err := run(); err != nil {
		slog.Error("oneidd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	srvCfg, err := loadServerConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: srvCfg.slogLevel()}))
	slog.SetDefault(logger)

	cfg, err := oneid.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, srvCfg)
	if err != nil {
		return err
	}
	defer b.Close()

	verifier, err := passkey.NewVerifier(cfg.RelyingParty)
	if err != nil {
		return fmt.Errorf("passkey verifier: %w", err)
	}

	id, err := oneid.New(cfg, oneid.Dependencies{
		Users:       b.Users,
		Credentials: b.Credentials,
		Challenges:  b.Challenges,
		Verifier:    verifier,
		Mailer:      &oneid.ConsoleMailer{Logger: logger},
		Logger:      logger,
		OnCloneDetected: func(ctx context.Context, cred *oneid.Credential, presented uint32) {
			logger.WarnContext(ctx, "possible cloned authenticator",
				"owner_id", cred.OwnerID, "credential_id", cred.ID, "stored", cred.SignCount, "presented", presented)
		},
	})
	if err != nil {
		return err
	}

	var google, github *oauth2.Provider
	if srvCfg.GoogleClientID != "" {
		google = oauth2.NewGoogle(srvCfg.GoogleClientID, srvCfg.GoogleClientSecret, srvCfg.callbackURL("google"), nil)
	}
	if srvCfg.GithubClientID != "" {
		github = oauth2.NewGithub(srvCfg.GithubClientID, srvCfg.GithubClientSecret, srvCfg.callbackURL("github"), nil)
	}
	api := httpapi.NewServer(id, google, github, logger)

	go sweepChallenges(ctx, b.Challenges, srvCfg.SweepInterval, logger)

	var grpcLis net.Listener
	if srvCfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", srvCfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	httpServer := &http.Server{Addr: srvCfg.Addr, Handler: api.Handler()}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", "addr", srvCfg.Addr, "store", srvCfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = newGRPCServer(id.Tokens, logger)
		go func() {
			logger.Info("grpc listening", "addr", srvCfg.GRPCAddr)
			if err := grpcServer.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newGRPCServer(auth oneidgrpc.TokenAuthenticator, logger *slog.Logger) *grpc.Server {
	interceptorCfg := oneidgrpc.NewPublicMethodsConfig(auth,
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName,
	)
	interceptorCfg.Logger = logger
	s := grpc.NewServer(
		grpc.UnaryInterceptor(oneidgrpc.UnaryAuthInterceptor(interceptorCfg)),
		grpc.StreamInterceptor(oneidgrpc.StreamAuthInterceptor(interceptorCfg)),
	)
	healthpb.RegisterHealthServer(s, health.NewServer())
	return s
}
