package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

// HeaderIdempotencyKey carries the agent's task key on every POST.
const HeaderIdempotencyKey = "Idempotency-Key"

type Dependencies struct {
	Logger            *slog.Logger
	Addr              string
	AttendanceService *service.AttendanceService

	// Metrics is mounted at GET /metrics when set.
	Metrics http.Handler
	// Ready backs GET /healthz; nil means always ready.
	Ready func(context.Context) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	attendance *service.AttendanceService
	ready      func(context.Context) error
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	logger := d.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	s := &Server{
		logger:     logger,
		mux:        mux,
		attendance: d.AttendanceService,
		ready:      d.Ready,
	}

	mux.HandleFunc("POST /v1/checkin", s.handleCheckIn)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/checkout", s.handleCheckOut)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	handler := loggingMiddleware(logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req types.CheckInRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.attendance.CheckIn(r.Context(), idempotencyKey(r), req)
	s.respond(w, r, "checkin", resp, err)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.attendance.Heartbeat(r.Context(), idempotencyKey(r), req)
	s.respond(w, r, "heartbeat", resp, err)
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	var req types.CheckOutRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.attendance.CheckOut(r.Context(), idempotencyKey(r), req)
	s.respond(w, r, "checkout", resp, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := readBody(r, v); err != nil {
		code := "bad_json"
		if isProtobuf(r) {
			code = "bad_protobuf"
		}
		writeError(w, r, http.StatusBadRequest, code, "invalid request body")
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, resp types.AttendanceResponse, err error) {
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingIdempotencyKey):
			writeError(w, r, http.StatusBadRequest, "missing_idempotency_key", err.Error())
		case errors.Is(err, service.ErrInvalidSessionKey):
			writeError(w, r, http.StatusBadRequest, "invalid_session_key", err.Error())
		case errors.Is(err, service.ErrInvalidUserID):
			writeError(w, r, http.StatusBadRequest, "invalid_user_id", err.Error())
		case errors.Is(err, service.ErrInvalidSiteID):
			writeError(w, r, http.StatusBadRequest, "invalid_site_id", err.Error())
		default:
			s.logger.Error(op+" error", "err", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
		}
		return
	}

	writeResponse(w, r, http.StatusOK, resp)
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
}
