package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// Notifier is the interface for sending sync notifications.
type Notifier interface {
	NotifyFailure(ctx context.Context, op queue.Operation, err error) error
	NotifyDegraded(ctx context.Context, ev queue.DegradedEvent) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// NotifyFailure reports an operation that failed permanently.
func (c *Client) NotifyFailure(ctx context.Context, op queue.Operation, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Sync Failed: %s %s", op.Kind, op.Entity)
	message := FormatFailureMessage(op, err)
	tags := c.config.Tags + ",x"
	priority := "high" // Override to high priority for failures

	return c.send(ctx, title, message, tags, priority)
}

// NotifyDegraded reports that the offline queue is running without its store.
func (c *Client) NotifyDegraded(ctx context.Context, ev queue.DegradedEvent) error {
	if !c.config.Enabled {
		return nil
	}

	title := "Offline Queue Degraded"
	message := FormatDegradedMessage(ev)
	tags := c.config.Tags + ",warning"

	return c.send(ctx, title, message, tags, c.config.Priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", strings.TrimPrefix(tags, ","))

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

// NotifyFailure is a no-op.
func (n *NoopNotifier) NotifyFailure(_ context.Context, _ queue.Operation, _ error) error {
	return nil
}

// NotifyDegraded is a no-op.
func (n *NoopNotifier) NotifyDegraded(_ context.Context, _ queue.DegradedEvent) error {
	return nil
}

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if cfg == nil || !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
