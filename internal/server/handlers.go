package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/courier-realtime/internal/auth"
	"github.com/dgnsrekt/courier-realtime/internal/envelope"
	"github.com/dgnsrekt/courier-realtime/internal/hub"
	"github.com/dgnsrekt/courier-realtime/internal/metrics"
	"github.com/dgnsrekt/courier-realtime/internal/ws"
)

// maxEventBody bounds POST /events request bodies.
const maxEventBody = 1 << 20

// Hub is the part of the broadcast hub the HTTP API uses.
type Hub interface {
	PublishDistributed(ctx context.Context, topic string, env envelope.Envelope) error
	Stats(ctx context.Context) (hub.Stats, error)
}

// Options configures a Server.
type Options struct {
	// WS serves GET /ws; nil leaves the route unmounted.
	WS      http.Handler
	Metrics *metrics.Metrics
	// ServiceToken authorizes POST /events. Empty rejects every request.
	ServiceToken string
	Now          func() time.Time
}

type Server struct {
	hub          Hub
	ws           http.Handler
	metrics      *metrics.Metrics
	serviceToken string
	logger       *zap.Logger
	now          func() time.Time
}

func NewServer(h Hub, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		hub:          h,
		ws:           opts.WS,
		metrics:      opts.Metrics,
		serviceToken: opts.ServiceToken,
		logger:       logger,
		now:          now,
	}
}

// EventRequest is the POST /events body. Either Status is set, fanning a
// delivery status change out to every interested topic, or Topic and Type
// name a single publication.
type EventRequest struct {
	Topic  string           `json:"topic,omitempty"`
	Type   envelope.Type    `json:"type,omitempty"`
	Data   json.RawMessage  `json:"data,omitempty"`
	Status *ws.StatusUpdate `json:"status,omitempty"`
}

// EventResponse reports how many topics an event was published to.
type EventResponse struct {
	Published int      `json:"published"`
	Topics    []string `json:"topics"`
	// LocalOnly is set when the broker was unavailable and only this
	// instance's subscribers were reached.
	LocalOnly bool `json:"localOnly,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// inboundTypes may not be published by backends.
var inboundTypes = map[envelope.Type]bool{
	envelope.TypePing:                 true,
	envelope.TypeSubscribe:            true,
	envelope.TypeUnsubscribe:          true,
	envelope.TypeDriverLocationUpdate: true,
	envelope.TypeDeliveryStatusUpdate: true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.hub.Stats(r.Context())
	if err != nil {
		s.logger.Warn("stats unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.CredentialFromRequest(r)
		if s.serviceToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceToken)) != 1 {
			s.logger.Debug("event publish rejected", zap.String("token", auth.MaskCredential(token)))
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid service token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	pubs, err := s.publications(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp := EventResponse{Topics: make([]string, 0, len(pubs))}
	for _, p := range pubs {
		err := s.hub.PublishDistributed(r.Context(), p.Topic, p.Envelope)
		switch {
		case err == nil:
		case errors.Is(err, hub.ErrBrokerPublish):
			resp.LocalOnly = true
		case errors.Is(err, hub.ErrUnknownTopic):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		default:
			s.logger.Warn("event publish failed", zap.String("topic", p.Topic), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		resp.Published++
		resp.Topics = append(resp.Topics, p.Topic)
	}

	s.logger.Debug("event published",
		zap.Strings("topics", resp.Topics),
		zap.Bool("localOnly", resp.LocalOnly))
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) publications(req EventRequest) ([]ws.Publication, error) {
	at := s.now()
	if req.Status != nil {
		if req.Topic != "" || req.Type != "" {
			return nil, errors.New("status events may not name a topic or type")
		}
		return ws.StatusPublications(*req.Status, at)
	}

	if req.Topic == "" || req.Type == "" {
		return nil, errors.New("topic and type are required")
	}
	if inboundTypes[req.Type] {
		return nil, errors.New("type " + string(req.Type) + " is client-only")
	}
	env, err := envelope.FromRaw(req.Type, req.Topic, req.Data, at)
	if err != nil {
		return nil, err
	}
	return []ws.Publication{{Topic: req.Topic, Envelope: env}}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
