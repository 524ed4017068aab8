package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nick-hill-dev/wsrelay-server/internal/bufstore"
	"github.com/nick-hill-dev/wsrelay-server/internal/config"
	"github.com/nick-hill-dev/wsrelay-server/internal/entity"
	"github.com/nick-hill-dev/wsrelay-server/internal/identity"
	"github.com/nick-hill-dev/wsrelay-server/internal/logging"
	"github.com/nick-hill-dev/wsrelay-server/internal/relay"
	"github.com/nick-hill-dev/wsrelay-server/internal/server"
	"github.com/nick-hill-dev/wsrelay-server/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	entityBlobs, err := storage.NewFileStore(cfg.EntityPath)
	if err != nil {
		logger.Fatal("open entity storage", zap.Error(err))
	}
	bufferBlobs, err := storage.NewFileStore(cfg.BufferPath)
	if err != nil {
		logger.Fatal("open buffer storage", zap.Error(err))
	}
	topoBlobs, err := storage.NewFileStore(cfg.DataPath)
	if err != nil {
		logger.Fatal("open data storage", zap.Error(err))
	}

	verifier := newVerifier(logger, cfg.JWT)

	entities := entity.NewStore(entityBlobs, clock.New(), logger)
	buffers := bufstore.NewStore(bufferBlobs, cfg.MaxBufferSize, cfg.EnforceSetCap, logger)
	manager := relay.NewManager(relay.Options{
		PublicRealmCount: cfg.PublicRealmCount,
		NameClaim:        cfg.JWT.NameClaim,
		RolesClaim:       cfg.JWT.RolesClaim,
		AdminRoleName:    cfg.JWT.AdminRoleName,
		LogIncoming:      cfg.LogIncoming,
		LogOutgoing:      cfg.LogOutgoing,
	}, entities, buffers, verifier, topoBlobs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.StartSweep(ctx, cfg.BufferSweepInterval)

	srv := server.NewRelayServer(cfg, logger, manager)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

// newVerifier loads the token verification key if one is configured. Token
// identification stays disabled otherwise.
func newVerifier(log *zap.Logger, cfg config.JWTConfig) identity.Verifier {
	if cfg.PublicKeyFile == "" {
		log.Info("token identification disabled: no public key configured")
		return nil
	}
	pem, err := os.ReadFile(cfg.PublicKeyFile)
	if err != nil {
		log.Fatal("read token verification key", zap.Error(err))
	}
	verifier, err := identity.NewJWTVerifier(identity.Options{
		PublicKeyPEM:  pem,
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		IgnoreExpired: cfg.IgnoreExpiredTokens,
	})
	if err != nil {
		log.Fatal("configure token verification", zap.Error(err))
	}
	log.Info("token identification enabled", zap.String("key", cfg.PublicKeyFile))
	return verifier
}
