// ABOUTME: HTTP ingest API for the generation pipeline and websocket endpoint for clients
// ABOUTME: Implements the broadcast Pusher by serializing frames onto each client's socket

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/2389/saga-sync/internal/broadcast"
	"github.com/2389/saga-sync/internal/dedupe"
	"github.com/2389/saga-sync/internal/registry"
	"github.com/2389/saga-sync/internal/sequencer"
)

// ErrNoSocket indicates no live socket exists for a connection id. The
// coordinator treats it like any transient delivery failure.
var ErrNoSocket = errors.New("no socket for connection")

// Server terminates client websockets and exposes the turn ingest API.
// It is the transport-layer collaborator the core fans out through.
type Server struct {
	seq      *sequencer.Sequencer
	reg      *registry.Registry
	coord    *broadcast.Coordinator
	signals  *dedupe.Cache
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient

	router *mux.Router
}

// NewServer wires the transport surface over the core components.
// Pass nil logger for default.
func NewServer(seq *sequencer.Sequencer, reg *registry.Registry, coord *broadcast.Coordinator, signals *dedupe.Cache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		seq:     seq,
		reg:     reg,
		coord:   coord,
		signals: signals,
		logger:  logger.With("component", "transport"),
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/sessions/{session}", s.handleCreateSession).Methods(http.MethodPut)
	api.HandleFunc("/sessions/{session}/turns", s.handleStartTurn).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session}/turns/{turn}/events", s.handleAppendEvent).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{session}/log", s.handleTurnLog).Methods(http.MethodGet)
	s.router = r

	return s
}

// Router returns the HTTP handler for the whole transport surface.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession registers a session ahead of any client joining,
// for pipelines that prepare sessions up front. Idempotent.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]
	if err := s.seq.CreateSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
}

// handleStartTurn allocates the next turn number for a session.
func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	turn, err := s.seq.StartTurn(r.Context(), sessionID)
	if err != nil {
		writeSequencerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"turn_number": turn})
}

// appendEventRequest is the ingest body for one turn event.
type appendEventRequest struct {
	Kind       string          `json:"event_kind"`
	Payload    json.RawMessage `json:"payload"`
	ArtifactID string          `json:"artifact_id"`
}

// handleAppendEvent appends one event to a turn.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["session"]
	turn, err := strconv.ParseInt(vars["turn"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid turn number: %w", err))
		return
	}

	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}

	index, err := s.seq.AppendEvent(r.Context(), sessionID, turn, sequencer.EventKind(req.Kind), req.Payload, req.ArtifactID)
	if err != nil {
		writeSequencerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"response_index": index})
}

// turnLogResponse is the history payload backing full-history requests,
// including clients told their replay was truncated.
type turnLogResponse struct {
	SessionID string            `json:"session_id"`
	Turns     []*sequencer.Turn `json:"turns"`
}

// handleTurnLog returns a session's turn log, optionally after since_turn.
func (s *Server) handleTurnLog(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	sinceTurn := int64(0)
	if raw := r.URL.Query().Get("since_turn"); raw != "" {
		var err error
		sinceTurn, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since_turn: %w", err))
			return
		}
	}

	turns, err := s.seq.TurnLog(sessionID, sinceTurn)
	if err != nil {
		writeSequencerError(w, err)
		return
	}

	resp := turnLogResponse{SessionID: sessionID, Turns: []*sequencer.Turn{}}
	for turn := range turns {
		resp.Turns = append(resp.Turns, turn)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeSequencerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequencer.ErrSessionNotFound), errors.Is(err, sequencer.ErrTurnNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, sequencer.ErrInvalidTurnState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
