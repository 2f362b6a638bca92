// devapi serves a local stand-in for the admin API (login, refresh, GET /api/drivers)
// so the console can be exercised without the real backend.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"dispatch-admin/console/internal/config"
	"dispatch-admin/console/internal/devapi"
	"dispatch-admin/console/internal/logger"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/server"
)

func main() {
	cfg, err := config.LoadBase()
	if err != nil {
		zap.NewExample().Fatal("config", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = log.Sync() }()

	tokens, err := newTokenIssuer(cfg, log)
	if err != nil {
		log.Fatal("token issuer", zap.Error(err))
	}
	auth := devapi.NewAuthService(tokens, security.NewPasswordHasher(cfg.BcryptCost), nil)
	acct, err := auth.Register(context.Background(), cfg.DevAdminEmail, cfg.DevAdminPassword, "Dispatch Admin", "admin")
	if err != nil {
		log.Fatal("seed admin account", zap.Error(err))
	}
	log.Info("seeded admin account", zap.String("email", acct.Email), zap.Duration("token_ttl", cfg.AccessTTL()))

	srv := devapi.NewServer(cfg.DevAPIAddr, &devapi.Handler{Auth: auth, Log: log}, log)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("serve", zap.Error(err))
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.DevAPIGRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.DevAPIGRPCAddr)
		if err != nil {
			log.Fatal("grpc listen", zap.String("addr", cfg.DevAPIGRPCAddr), zap.Error(err))
		}
		grpcSrv = server.NewGRPCServer(server.Deps{Auth: auth, Logger: log})
		go func() {
			log.Info("devapi: grpc listening", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatal("grpc serve", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	srv.Close(shutdownCtx)
}

// newTokenIssuer uses JWT_PRIVATE_KEY / JWT_PUBLIC_KEY when set and the built-in test
// key pair otherwise.
func newTokenIssuer(cfg *config.Config, log *zap.Logger) (*security.TokenIssuer, error) {
	if cfg.JWTPrivateKey == "" || cfg.JWTPublicKey == "" {
		log.Warn("JWT_PRIVATE_KEY/JWT_PUBLIC_KEY not set; signing with the built-in test key")
		return security.NewTestTokenIssuer(cfg.AccessTTL(), nil)
	}
	signer, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		return nil, err
	}
	pub, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	return security.NewTokenIssuer(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), nil), nil
}
