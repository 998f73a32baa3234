package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/notify"
	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// notifyTimeout bounds each notification sent from a queue callback.
const notifyTimeout = 10 * time.Second

// openQueue opens the configured store and restores the queue from it. With
// requireStore, a store that cannot be opened is an error; otherwise the
// queue runs memory-only.
func openQueue(ctx context.Context, n notify.Notifier, requireStore bool) (*queue.Queue, error) {
	store, err := queue.OpenStore(cfg.Queue.Backend, cfg.Queue.Path)
	if err != nil {
		if requireStore {
			return nil, fmt.Errorf("opening queue store: %w", err)
		}
		logger.Warn("queue store unavailable", zap.String("backend", cfg.Queue.Backend), zap.Error(err))
		store = nil
	}

	q, err := queue.Open(ctx, store, queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     logger,
		OnDegraded: func(ev queue.DegradedEvent) {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.NotifyDegraded(nctx, ev); err != nil {
				logger.Warn("degraded notification not sent", zap.Error(err))
			}
		},
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	if requireStore && q.Degraded() {
		_ = q.Close(context.Background())
		return nil, errors.New("queue store could not be read; refusing to continue memory-only")
	}
	return q, nil
}

func closeQueue(q *queue.Queue) {
	// Flush with a fresh context; the command's may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		logger.Error("flushing queue", zap.Error(err))
	}
}

func enqueueCmd() *cobra.Command {
	var (
		kind     string
		entity   string
		priority string
		data     string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a change for the next sync",
		Example: `  courier-agent enqueue --kind create --entity delivery_requests --priority high --data '{"pickup":"A","dropoff":"B"}'
  courier-agent enqueue --kind update --entity deliveries --file status.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := queue.ParseKind(kind)
			if err != nil {
				return err
			}
			p, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd.InOrStdin(), data, file)
			if err != nil {
				return err
			}

			q, err := openQueue(cmd.Context(), notify.New(&cfg.Notify, logger), true)
			if err != nil {
				return err
			}
			defer closeQueue(q)

			id, err := q.Enqueue(cmd.Context(), k, entity, payload, p, queue.Origin{Role: cfg.Origin.Role, ID: cfg.Origin.ID})
			if err != nil {
				return err
			}
			if q.Degraded() {
				return fmt.Errorf("operation %s was not persisted", id)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "create, update or delete (required)")
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "entity collection, e.g. deliveries (required)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "normal", "low, normal, high or critical")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the JSON payload from a file (- for stdin)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("entity")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

func readPayload(stdin io.Reader, data, file string) (json.RawMessage, error) {
	var b []byte
	switch {
	case file == "-":
		var err error
		if b, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
	case file != "":
		var err error
		if b, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
	default:
		b = []byte(data)
	}
	if len(b) > 0 && !json.Valid(b) {
		return nil, errors.New("payload is not valid JSON")
	}
	return b, nil
}

func listCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show queued changes in sync order",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), notify.New(&cfg.Notify, logger), true)
			if err != nil {
				return err
			}
			defer closeQueue(q)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for op := range q.ListPending() {
					if err := enc.Encode(op); err != nil {
						return err
					}
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPRIORITY\tKIND\tENTITY\tQUEUED\tRETRIES\tNEXT ATTEMPT\tLAST ERROR")
			for op := range q.ListPending() {
				next := "-"
				if op.NextAttemptAt > 0 {
					next = time.UnixMilli(op.NextAttemptAt).Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					op.ID, op.Priority, op.Kind, op.Entity,
					op.Enqueued().Format(time.RFC3339),
					op.RetryCount, op.MaxRetries, next, op.LastError)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON operation per line")
	return cmd
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>...",
		Short: "Drop queued changes without syncing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(cmd.Context(), notify.New(&cfg.Notify, logger), true)
			if err != nil {
				return err
			}
			defer closeQueue(q)

			for _, id := range args {
				if _, err := q.Get(id); errors.Is(err, queue.ErrNotFound) {
					logger.Warn("operation not queued", zap.String("opID", id))
					continue
				}
				if err := q.Remove(cmd.Context(), id); err != nil {
					return err
				}
				logger.Info("operation removed", zap.String("opID", id))
			}
			return nil
		},
	}
}
