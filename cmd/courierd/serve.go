package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/broker"
	"github.com/dgnsrekt/courier-realtime/internal/config"
	"github.com/dgnsrekt/courier-realtime/internal/hub"
	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/server"
	"github.com/dgnsrekt/courier-realtime/internal/ws"
)

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept websocket clients and relay events between instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				cfg.Listen = listen
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")
	return cmd
}

func newBroker(ctx context.Context, cfg *config.ServerConfig, instanceID string, m *metrics.Metrics, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		return broker.NewRedis(ctx, broker.RedisOptions{
			Addr:        cfg.Broker.Redis.Addr,
			Password:    cfg.Broker.Redis.Password,
			DB:          cfg.Broker.Redis.DB,
			Namespace:   cfg.Broker.Redis.Namespace,
			Compression: cfg.Broker.Redis.Compression,
			Origin:      instanceID,
			Logger:      logger,
			Metrics:     m,
		})
	case config.BrokerMemory:
		return broker.NewMemory(logger), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger) error {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log := logger.With(zap.String("instance", instanceID))

	log.Info("configuration loaded",
		zap.String("listen", cfg.Listen),
		zap.String("broker", cfg.Broker.Kind),
		zap.Strings("allowedOrigins", cfg.WS.AllowedOrigins),
		zap.Bool("eventIngest", cfg.Auth.ServiceToken != ""),
	)

	authenticator, err := auth.NewJWTAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Leeway)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	m := metrics.New()
	b, err := newBroker(ctx, cfg, instanceID, m, log)
	if err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("closing broker", zap.Error(err))
		}
	}()

	h := hub.New(b,
		hub.WithLogger(log),
		hub.WithMetrics(m),
		hub.WithInstanceID(instanceID),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })

	wsHandler := ws.NewHandler(gctx, h, authenticator, log, ws.Options{
		AllowedOrigins: cfg.WS.AllowedOrigins,
		InboundRate:    cfg.WS.InboundRate,
		InboundBurst:   cfg.WS.InboundBurst,
	})
	srv := server.NewServer(h, server.Options{
		WS:           wsHandler,
		Metrics:      m,
		ServiceToken: cfg.Auth.ServiceToken,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.NewRouter(srv, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		log.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
