package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/courier-realtime/internal/queue"
)

// Request headers understood by the sync API.
const (
	HeaderOperationID    = "X-Operation-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOriginRole     = "X-Origin-Role"
	HeaderOriginID       = "X-Origin-Id"
	HeaderForceWrite     = "X-Force-Write"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// maxResponseBody bounds how much of any response is read. Larger bodies are
// discarded.
const maxResponseBody = 1 << 20

// Transport delivers one operation attempt to the server. force asks the
// server to overwrite its copy.
type Transport interface {
	Send(ctx context.Context, op queue.Operation, force bool) Outcome
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, op queue.Operation, force bool) Outcome

func (f TransportFunc) Send(ctx context.Context, op queue.Operation, force bool) Outcome {
	return f(ctx, op, force)
}

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	BaseURL    string
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

// HTTPTransport maps operations onto the REST sync API:
// POST {base}/{entity}, PUT and DELETE {base}/{entity}/{id}.
type HTTPTransport struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Compile-time interface verification
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates an HTTP transport. A RatePerSec of zero disables
// client-side rate limiting.
func NewHTTPTransport(cfg HTTPConfig, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec*2)
	}

	return &HTTPTransport{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		limiter: limiter,
		logger:  logger,
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, op queue.Operation, force bool) Outcome {
	if err := t.limiter.Wait(ctx); err != nil {
		return Retryable(fmt.Errorf("rate limiter: %w", err))
	}

	method, target, err := t.route(op)
	if err != nil {
		return Permanent(err)
	}

	var body io.Reader
	if op.Kind != queue.KindDelete {
		body = bytes.NewReader(op.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderOperationID, op.ID)
	req.Header.Set(HeaderIdempotencyKey, op.ID)
	req.Header.Set(HeaderOriginRole, op.Origin.Role)
	req.Header.Set(HeaderOriginID, op.Origin.ID)
	if force {
		req.Header.Set(HeaderForceWrite, "true")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	t.logger.Debug("sending operation",
		zap.String("opID", op.ID),
		zap.String("method", method),
		zap.String("url", target),
		zap.Bool("force", force))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("executing request: %w", err))
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	_ = resp.Body.Close()
	if readErr != nil {
		return Retryable(fmt.Errorf("reading response: %w", readErr))
	}
	if len(respBody) > maxResponseBody {
		t.logger.Warn("response body too large, discarding",
			zap.String("opID", op.ID),
			zap.Int("status", resp.StatusCode),
			zap.Int("limit", maxResponseBody))
		respBody = nil
	}

	return classify(resp.StatusCode, respBody)
}

func (t *HTTPTransport) route(op queue.Operation) (string, string, error) {
	collection := t.baseURL + "/" + url.PathEscape(op.Entity)
	switch op.Kind {
	case queue.KindCreate:
		return http.MethodPost, collection, nil
	case queue.KindUpdate, queue.KindDelete:
		id, err := entityID(op.Payload)
		if err != nil {
			return "", "", err
		}
		method := http.MethodPut
		if op.Kind == queue.KindDelete {
			method = http.MethodDelete
		}
		return method, collection + "/" + url.PathEscape(id), nil
	default:
		return "", "", fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// entityID reads the payload's "id", which may be a string or a number.
func entityID(payload json.RawMessage) (string, error) {
	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.ID) == 0 {
		return "", errors.New("payload has no id")
	}
	var s string
	if err := json.Unmarshal(body.ID, &s); err == nil {
		if s == "" {
			return "", errors.New("payload has empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(body.ID, &n); err == nil {
		return n.String(), nil
	}
	return "", errors.New("payload id must be a string or number")
}

// conflictBody is the 409 response shape.
type conflictBody struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
}

// classify maps an HTTP response onto an Outcome.
func classify(status int, body []byte) Outcome {
	switch {
	case status >= 200 && status < 300:
		if len(bytes.TrimSpace(body)) == 0 || !json.Valid(body) {
			return Success(nil)
		}
		return Success(body)

	case status == http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(body, &cb); err != nil {
			return Retryable(fmt.Errorf("%w: unreadable conflict response: %v", ErrConflict, err))
		}
		out := Conflict(cb.Data, cb.UpdatedAt)
		out.Status = status
		return out

	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		out := Retryable(fmt.Errorf("server returned %d: %s", status, snippet(body)))
		out.Status = status
		return out

	default:
		out := Permanent(fmt.Errorf("server returned %d: %s", status, snippet(body)))
		out.Status = status
		return out
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return strconv.Quote(s)
}
