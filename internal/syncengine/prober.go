package syncengine

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OnlineSetter receives connectivity updates.
type OnlineSetter interface {
	SetOnline(online bool)
}

// Prober polls a health endpoint and reports connectivity.
type Prober struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	target     OnlineSetter
	logger     *zap.Logger
}

// NewProber creates a prober for healthURL.
func NewProber(healthURL string, interval, timeout time.Duration, target OnlineSetter, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		url:        healthURL,
		interval:   interval,
		httpClient: &http.Client{Timeout: timeout},
		target:     target,
		logger:     logger,
	}
}

// Check reports whether the health endpoint answered with a 2xx status.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Warn("invalid health url", zap.String("url", p.url), zap.Error(err))
		return false
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Debug("health check failed", zap.Error(err))
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run checks immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		online := p.Check(ctx)
		if ctx.Err() != nil {
			return nil
		}
		p.target.SetOnline(online)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
