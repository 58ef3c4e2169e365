package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"e2ee/internal/domain"
	"e2ee/internal/metrics"
	"e2ee/internal/platform/privacylog"
	"e2ee/internal/platform/ratelimiter"
	"e2ee/internal/protocol/x3dh"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ServerOptions configures the relay HTTP handler.
type ServerOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	// Limiter throttles requests per client address; nil disables it.
	Limiter *ratelimiter.MapLimiter
}

// Server exposes a Memory relay over JSON/HTTP.
type Server struct {
	relay   *Memory
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewRouter returns the relay's HTTP handler.
func NewRouter(relay *Memory, opts ServerOptions) http.Handler {
	s := &Server{
		relay:   relay,
		log:     privacylog.OrDiscard(opts.Logger).With("component", "relay"),
		metrics: metrics.OrNew(opts.Metrics),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(limit(opts.Limiter))
		r.Route("/v1/devices/{device}", func(r chi.Router) {
			r.Put("/bundle", s.publishBundle)
			r.Post("/bundle/fetch", s.fetchBundle)
			r.Get("/identity", s.lookupIdentity)
			r.Post("/messages", s.postMessage)
			r.Get("/messages", s.fetchMessages)
			r.Post("/messages/ack", s.ackMessages)
		})
		r.Route("/v1/conversations/{conversation}/devices", func(r chi.Router) {
			r.Post("/", s.joinConversation)
			r.Get("/", s.conversationDevices)
		})
	})
	return r
}

func (s *Server) publishBundle(w http.ResponseWriter, r *http.Request) {
	var b domain.PreKeyBundle
	if !decode(w, r, &b) {
		return
	}
	if b.DeviceID != device(r) {
		writeError(w, http.StatusBadRequest, "DEVICE_MISMATCH", "bundle device does not match path")
		return
	}
	if err := x3dh.VerifyBundle(b); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signed pre-key signature does not verify")
		return
	}
	if err := s.relay.PublishBundle(r.Context(), b); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("bundle published", "device_id", string(b.DeviceID), "one_time_prekeys", len(b.OneTimePreKeys))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.relay.FetchBundle(r.Context(), device(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) lookupIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.relay.LookupIdentity(r.Context(), device(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if !decode(w, r, &env) {
		return
	}
	if env.To != device(r) {
		writeError(w, http.StatusBadRequest, "DEVICE_MISMATCH", "envelope recipient does not match path")
		return
	}
	if err := s.relay.Post(r.Context(), env); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fetchMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	envs, err := s.relay.Fetch(r.Context(), device(r), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if envs == nil {
		envs = []domain.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) ackMessages(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.relay.Ack(r.Context(), device(r), req.Count); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) joinConversation(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_DEVICE", "device_id is required")
		return
	}
	if err := s.relay.JoinConversation(r.Context(), conversation(r), req.DeviceID); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) conversationDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.relay.ConversationDevices(r.Context(), conversation(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "not found")
		return
	}
	s.log.Error("relay request failed", "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

// observe logs each request and counts it by route pattern and status class.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RelayRequests.WithLabelValues(route, strconv.Itoa(status/100)+"xx").Inc()
		s.log.Debug("request",
			"method", r.Method, "route", route, "status", status,
			"duration", time.Since(start), "request_id", chimiddleware.GetReqID(r.Context()))
	})
}

// limit rejects clients that exceed their token bucket.
func limit(l *ratelimiter.MapLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !l.Allow(host, time.Now()) {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func device(r *http.Request) domain.DeviceID {
	return domain.DeviceID(chi.URLParam(r, "device"))
}

func conversation(r *http.Request) domain.ConversationID {
	return domain.ConversationID(chi.URLParam(r, "conversation"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
