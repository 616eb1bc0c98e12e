package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"streamrelay/internal/auth"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/relay"
	"streamrelay/internal/server"
)

// Orchestrator is the command surface the HTTP handlers drive. It is
// satisfied by *relay.Orchestrator and by fakes in tests.
type Orchestrator interface {
	StartSession(ctx context.Context, roomID int64, sourceURL string) (string, error)
	EndSession(ctx context.Context, roomID int64) (string, error)
	SetCredential(ctx context.Context, roomID int64, credential string) (string, error)
	SetTransport(ctx context.Context, roomID int64, transport relay.Transport) (string, error)
	SetArguments(ctx context.Context, roomID int64, args []string) (string, error)
	SetNiconicoSession(ctx context.Context, roomID int64, session string) (string, error)
	ClearArguments(ctx context.Context, roomID int64) (string, error)
	Status(ctx context.Context, roomID int64) relay.RoomStatus
}

// Server exposes the relay commands over HTTP. Every /v1 route requires the
// calling user to be on the allow-list; rooms are keyed by the user that owns
// them, so the room identifier in the path doubles as the authorized user.
type Server struct {
	orchestrator Orchestrator
	users        *auth.Store
	bearerToken  string
	logger       *slog.Logger
	recorder     *metrics.Recorder
}

// Config carries the server's collaborators. Logger and Recorder may be nil.
type Config struct {
	Orchestrator Orchestrator
	Users        *auth.Store
	BearerToken  string
	Logger       *slog.Logger
	Recorder     *metrics.Recorder
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Server{
		orchestrator: cfg.Orchestrator,
		users:        cfg.Users,
		bearerToken:  cfg.BearerToken,
		logger:       logger,
		recorder:     recorder,
	}
}

// Routes assembles the full handler chain: request IDs, metrics, request
// logging, and bearer auth around the route table. /healthz and /metrics
// stay open so probes and scrapers need no token.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", s.recorder.Handler())
	mux.Handle("/v1/", server.BearerAuth(s.bearerToken, http.HandlerFunc(s.routeV1)))

	handler := metrics.HTTPMiddleware(s.recorder, mux)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(handler)
	return server.RequestID(s.logger, handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) routeV1(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case path == "users":
		s.handleRegisterUser(w, r)
	case path == "sessions":
		s.handleStartSession(w, r)
	case strings.HasPrefix(path, "sessions/"):
		s.handleEndSession(w, r, strings.TrimPrefix(path, "sessions/"))
	case strings.HasPrefix(path, "rooms/"):
		s.handleRoom(w, r, strings.TrimPrefix(path, "rooms/"))
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown resource"))
	}
}

type registerUserRequest struct {
	Secret string `json:"secret"`
	UserID int64  `json:"userId"`
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req registerUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	if err := s.users.Register(req.Secret, req.UserID); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidSecret), errors.Is(err, auth.ErrRegistrationDisabled):
			writeError(w, http.StatusForbidden, err)
		default:
			s.logger.Error("register user failed", "user_id", req.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("registration failed"))
		}
		return
	}
	writeMessage(w, http.StatusCreated, "user registered.")
}

type startSessionRequest struct {
	UserID int64  `json:"userId"`
	URL    string `json:"url"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	if !s.authorize(w, req.UserID) {
		return
	}
	ctx := roomContext(r.Context(), req.UserID)
	msg, err := s.orchestrator.StartSession(ctx, req.UserID, req.URL)
	if err != nil {
		s.logger.Error("start session failed", "room_id", req.UserID, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeMessage(w, http.StatusOK, msg)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	roomID, ok := s.parseRoomID(w, rawID)
	if !ok || !s.authorize(w, roomID) {
		return
	}
	ctx := roomContext(r.Context(), roomID)
	msg, err := s.orchestrator.EndSession(ctx, roomID)
	if err != nil {
		s.logger.Error("end session failed", "room_id", roomID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeMessage(w, http.StatusOK, msg)
}

type credentialRequest struct {
	Credential string `json:"credential"`
	Transport  string `json:"transport,omitempty"`
}

type argumentsRequest struct {
	Args    []string `json:"args,omitempty"`
	Preset  string   `json:"preset,omitempty"`
	Session string   `json:"session,omitempty"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	roomID, ok := s.parseRoomID(w, parts[0])
	if !ok || !s.authorize(w, roomID) {
		return
	}
	ctx := roomContext(r.Context(), roomID)

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		writeJSON(w, http.StatusOK, s.orchestrator.Status(ctx, roomID))
		return
	}

	switch parts[1] {
	case "credential":
		s.handleCredential(w, r, ctx, roomID)
	case "arguments":
		s.handleArguments(w, r, ctx, roomID)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown resource"))
	}
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request, ctx context.Context, roomID int64) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	var req credentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	msg, err := s.orchestrator.SetCredential(ctx, roomID, req.Credential)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.Transport != "" {
		transportMsg, err := s.orchestrator.SetTransport(ctx, roomID, relay.Transport(req.Transport))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg = msg + " " + transportMsg
	}
	writeMessage(w, http.StatusOK, msg)
}

func (s *Server) handleArguments(w http.ResponseWriter, r *http.Request, ctx context.Context, roomID int64) {
	switch r.Method {
	case http.MethodPut:
		var req argumentsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		var (
			msg string
			err error
		)
		switch req.Preset {
		case "":
			msg, err = s.orchestrator.SetArguments(ctx, roomID, req.Args)
		case "niconico":
			if req.Session == "" {
				writeError(w, http.StatusBadRequest, errors.New("session is required for the niconico preset"))
				return
			}
			msg, err = s.orchestrator.SetNiconicoSession(ctx, roomID, req.Session)
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown preset %q", req.Preset))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeMessage(w, http.StatusOK, msg)
	case http.MethodDelete:
		msg, err := s.orchestrator.ClearArguments(ctx, roomID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeMessage(w, http.StatusOK, msg)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func roomContext(ctx context.Context, roomID int64) context.Context {
	return logging.ContextWithRoomID(ctx, strconv.FormatInt(roomID, 10))
}

func (s *Server) parseRoomID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSuffix(raw, "/"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid room id"))
		return 0, false
	}
	return id, true
}

func (s *Server) authorize(w http.ResponseWriter, userID int64) bool {
	if s.users == nil {
		return true
	}
	if !s.users.Authorized(userID) {
		writeError(w, http.StatusForbidden, errors.New("user is not registered"))
		return false
	}
	return true
}
