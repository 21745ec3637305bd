package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"atlasd/internal/dispatch"
)

// CommandHandler executes one inbound command.
type CommandHandler interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, error)
}

type Deps struct {
	Commands CommandHandler
	Hub      *Hub
	Logger   *slog.Logger
}

// Server is the local control surface: the chat shim POSTs commands in and
// holds a websocket open for outbound notifications.
type Server struct {
	deps Deps
	log  *slog.Logger
	mux  *http.ServeMux
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, log: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/v1/commands", s.handleCommand)
	s.mux.HandleFunc("/api/v1/stream", deps.Hub.HandleWS)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]any{"status": "ok"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
		return
	}
	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	resp, err := s.deps.Commands.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, dispatch.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "UNAUTHORIZED", resp.Text)
	case err != nil:
		s.log.Error("command failed", "command", req.Command, "error", err)
		respondError(w, http.StatusInternalServerError, "COMMAND_FAILED", err.Error())
	default:
		respondOK(w, resp)
	}
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}

func respondError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
