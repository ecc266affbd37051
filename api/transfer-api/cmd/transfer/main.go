// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rapidaai/callbridge/api/transfer-api/config"
	internal_instruction "github.com/rapidaai/callbridge/api/transfer-api/internal/instruction"
	internal_telephony "github.com/rapidaai/callbridge/api/transfer-api/internal/telephony"
	internal_transfer "github.com/rapidaai/callbridge/api/transfer-api/internal/transfer"
	internal_transferstate "github.com/rapidaai/callbridge/api/transfer-api/internal/transferstate"
	internal_type "github.com/rapidaai/callbridge/api/transfer-api/internal/type"
	transfer_routers "github.com/rapidaai/callbridge/api/transfer-api/router"
	"github.com/rapidaai/callbridge/pkg/commons"
	"github.com/rapidaai/callbridge/pkg/connectors"
	"github.com/rapidaai/callbridge/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatalf("transfer-api: %v", err)
	}
}

func run(ctx context.Context) error {
	v, err := config.InitConfig()
	if err != nil {
		return err
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return err
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
		commons.Console(cfg.Environment() != utils.PRODUCTION),
	)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	store, ledger, conn, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Disconnect(context.Background()); err != nil {
			logger.Warnf("failed to disconnect %s: %v", conn.Name(), err)
		}
	}()

	calls, err := internal_telephony.NewCallControl(logger, internal_telephony.Options{
		Provider:       cfg.Provider.Name,
		Credential:     cfg.Provider.Credential,
		Timeout:        cfg.Provider.Timeout,
		Ledger:         ledger,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	if err != nil {
		return err
	}

	renderer, err := internal_instruction.NewRenderer(logger, internal_instruction.Config{
		PublicBaseURL:        cfg.PublicBaseURL,
		Dialect:              calls.Dialect(),
		SIPDomain:            cfg.Media.SIPDomain,
		HoldMusicURL:         cfg.HoldMusicURL,
		RecordingCallbackURL: cfg.RecordingCallbackURL,
		DefaultServiceNumber: cfg.Media.ServiceNumber,
		TemplateDir:          cfg.TemplateDir,
	})
	if err != nil {
		return err
	}

	transfer := internal_transfer.NewTransfer(logger, store, calls, renderer, internal_transfer.Options{
		SessionTTL:       cfg.SessionTTL,
		CommandTimeout:   cfg.Provider.Timeout,
		FallbackCallerID: cfg.Provider.FallbackCallerID,
	})

	if cfg.Environment() == utils.PRODUCTION {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	transfer_routers.Middleware(cfg, engine, logger)
	transfer_routers.HealthCheckRoutes(cfg, engine, logger, conn)
	transfer_routers.TransferApiRoute(cfg, engine, logger, transfer, renderer, calls)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("transfer-api listening on %s (provider=%s, store=%s)", cfg.Addr(), calls.Name(), cfg.Store.Driver)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down transfer-api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openStore connects the configured backend and returns the session store and
// command ledger that share it.
func openStore(ctx context.Context, cfg *config.TransferConfig, logger commons.Logger) (internal_transferstate.Store, internal_type.CommandLedger, connectors.Connector, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		if cfg.Store.Migrate {
			if err := internal_transferstate.Migrate(logger, cfg.PostgresConfig.URL()); err != nil {
				return nil, nil, nil, err
			}
		}
		postgres := connectors.NewPostgresConnector(&cfg.PostgresConfig, logger)
		if err := postgres.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		return internal_transferstate.NewPostgresStore(logger, postgres),
			internal_transferstate.NewPostgresCommandLedger(logger, postgres),
			postgres, nil
	case config.StoreRedis:
		redis := connectors.NewRedisConnector(&cfg.RedisConfig, logger)
		if err := redis.Connect(ctx); err != nil {
			return nil, nil, nil, err
		}
		return internal_transferstate.NewRedisStore(logger, redis, internal_transferstate.WithEventsMaxLen(cfg.EventsRetention)),
			internal_transferstate.NewRedisCommandLedger(logger, redis),
			redis, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
}
