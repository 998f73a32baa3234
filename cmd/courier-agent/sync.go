package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/notify"
	"github.com/dgnsrekt/courier-realtime/internal/queue"
	"github.com/dgnsrekt/courier-realtime/internal/syncengine"
)

func syncCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued changes to the server",
		Long: `Deliver queued changes to the server.

By default the agent keeps running: it probes the server's health endpoint,
drains the queue whenever the server becomes reachable and on every sync
interval, and flushes the queue to disk on exit. With --once it drains a
single time and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := syncengine.ParsePolicy(cfg.Sync.Policy)
			if err != nil {
				return err
			}
			n := notify.New(&cfg.Notify, logger)

			q, err := openQueue(cmd.Context(), n, once)
			if err != nil {
				return err
			}
			defer closeQueue(q)

			transport := syncengine.NewHTTPTransport(syncengine.HTTPConfig{
				BaseURL:    cfg.Server.BaseURL,
				Token:      cfg.Server.Token,
				RatePerSec: cfg.Server.RatePerSecond,
				Timeout:    cfg.Server.Timeout,
			}, logger)

			engine := syncengine.New(q, transport, syncengine.Config{
				BatchSize:   cfg.Sync.BatchSize,
				Concurrency: cfg.Sync.Concurrency,
				BaseDelay:   cfg.Sync.BaseDelay,
				Interval:    cfg.Sync.Interval,
				Policy:      policy,
				Logger:      logger,
				Metrics:     metrics.New(),
				Notifier:    n,
				OnEvent:     logEvent,
			})
			prober := syncengine.NewProber(cfg.Server.HealthURL, cfg.Sync.ProbeInterval, cfg.Server.Timeout, engine, logger)

			logger.Info("sync starting",
				zap.String("server", cfg.Server.BaseURL),
				zap.String("policy", string(policy)),
				zap.Int("queued", q.Len()),
				zap.Bool("degraded", q.Degraded()),
			)

			if once {
				return syncOnce(cmd.Context(), cmd, engine, prober, q)
			}

			g, gctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return prober.Run(gctx) })
			g.Go(func() error { return engine.Run(gctx) })
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "drain once and exit")
	return cmd
}

func syncOnce(ctx context.Context, cmd *cobra.Command, engine *syncengine.Engine, prober *syncengine.Prober, q *queue.Queue) error {
	if cfg.Server.HealthURL != "" {
		engine.SetOnline(prober.Check(ctx))
	} else {
		engine.SetOnline(true)
	}

	res, err := engine.Drain(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, retrying %d, failed %d, conflicts %d, remaining %d (%s)\n",
		res.Attempted, res.Succeeded, res.Retried, res.Failed, res.Conflicts, q.Len(), res.Duration.Round(time.Millisecond))
	return nil
}

func logEvent(ev syncengine.Event) {
	fields := []zap.Field{
		zap.String("opID", ev.Op.ID),
		zap.String("kind", string(ev.Op.Kind)),
		zap.String("entity", ev.Op.Entity),
	}
	switch ev.Kind {
	case syncengine.EventSucceeded:
		logger.Info("operation synced", append(fields, zap.Bool("conflictResolved", ev.Resolved))...)
	case syncengine.EventRetrying:
		logger.Info("operation will retry", append(fields,
			zap.Int("retry", ev.Op.RetryCount),
			zap.Time("nextAttempt", ev.NextAttempt),
			zap.Error(ev.Err))...)
	case syncengine.EventFailed:
		logger.Warn("operation abandoned", append(fields, zap.Error(ev.Err))...)
	}
}
