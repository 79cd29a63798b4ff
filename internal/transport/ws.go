// ABOUTME: Websocket client lifecycle: join, heartbeat/signal read loop, frame writing
// ABOUTME: One wsClient per live socket; writes serialized under a per-socket mutex

package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/saga-sync/internal/broadcast"
	"github.com/2389/saga-sync/internal/registry"
)

// writeTimeout bounds a single socket write; a client that cannot accept a
// frame within it counts as a delivery failure.
const writeTimeout = 10 * time.Second

// serverMessage is the envelope for everything the server writes.
type serverMessage struct {
	Type    string             `json:"type"` // "welcome", "event", "control"
	Welcome *welcomePayload    `json:"welcome,omitempty"`
	Event   *broadcast.Frame   `json:"event,omitempty"`
	Control *broadcast.Control `json:"control,omitempty"`
}

// welcomePayload carries the connection identity and resumption token
// issued at registration. A fresh token is issued on every reconnect.
type welcomePayload struct {
	ConnectionID    string `json:"connection_id"`
	SessionID       string `json:"session_id"`
	Role            string `json:"role"`
	ResumptionToken string `json:"resumption_token"`
}

// clientMessage is the envelope for everything clients send.
type clientMessage struct {
	Type       string `json:"type"`                  // "heartbeat", "signal"
	Signal     string `json:"signal,omitempty"`      // "ack", "played"
	ArtifactID string `json:"artifact_id,omitempty"` // tracking key for the signal
}

// wsClient wraps one live socket. gorilla/websocket allows a single
// concurrent writer, so all writes go through writeMu.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(msg *serverMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// handleWS upgrades a client socket, registers the connection, and starts
// replay plus the read loop. Query parameters: session (required), role
// (defaults to participant), resume_token (optional warm-join token).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session query parameter is required"))
		return
	}

	role := registry.Role(r.URL.Query().Get("role"))
	if role == "" {
		role = registry.RoleParticipant
	}
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown role %q", role))
		return
	}
	resumeToken := r.URL.Query().Get("resume_token")

	// Session exists from first join onward
	if err := s.seq.CreateSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "session_id", sessionID)
		return
	}

	conn, token, err := s.reg.Register(sessionID, role)
	if err != nil {
		s.logger.Error("registration failed", "error", err, "session_id", sessionID)
		sock.Close()
		return
	}

	client := &wsClient{conn: sock}
	s.mu.Lock()
	s.clients[conn.ID] = client
	s.mu.Unlock()

	if err := client.write(&serverMessage{
		Type: "welcome",
		Welcome: &welcomePayload{
			ConnectionID:    conn.ID,
			SessionID:       sessionID,
			Role:            string(role),
			ResumptionToken: token,
		},
	}); err != nil {
		s.logger.Warn("welcome write failed", "error", err, "connection_id", conn.ID)
		s.dropClient(conn.ID)
		return
	}

	// Replay happens through the connection's delivery worker, after the
	// welcome, so the client sees the token before any events.
	if err := s.coord.OnConnect(context.Background(), sessionID, conn.ID, resumeToken); err != nil {
		s.logger.Error("replay setup failed", "error", err, "connection_id", conn.ID)
		s.dropClient(conn.ID)
		return
	}

	go s.readLoop(conn.ID, client)
}

// readLoop consumes heartbeat and signal frames until the socket dies.
func (s *Server) readLoop(connectionID string, client *wsClient) {
	defer s.dropClient(connectionID)

	for {
		var msg clientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("socket read failed", "error", err, "connection_id", connectionID)
			}
			return
		}

		switch msg.Type {
		case "heartbeat":
			if err := s.reg.Heartbeat(connectionID); err != nil {
				// Disconnected server-side; the client must re-register
				return
			}
		case "signal":
			s.handleSignal(connectionID, msg)
		default:
			s.logger.Debug("unknown client message dropped",
				"connection_id", connectionID,
				"type", msg.Type)
		}
	}
}

// handleSignal routes ack/played frames into the coordinator, dropping
// duplicates through the seen-cache.
func (s *Server) handleSignal(connectionID string, msg clientMessage) {
	if msg.ArtifactID == "" {
		s.logger.Debug("signal without artifact id dropped", "connection_id", connectionID)
		return
	}

	key := connectionID + "/" + msg.Signal + "/" + msg.ArtifactID
	if s.signals.Contains(key) {
		return
	}

	// Only accepted signals are cached: an ack that raced ahead of its
	// sent record is dropped by the tracker and must stay retryable.
	if s.coord.OnClientSignal(connectionID, msg.ArtifactID, broadcast.SignalKind(msg.Signal)) {
		s.signals.Seen(key)
	}
}

// dropClient tears down a connection: socket closed, registry updated,
// delivery worker stopped. Idempotent.
func (s *Server) dropClient(connectionID string) {
	s.mu.Lock()
	client, ok := s.clients[connectionID]
	if ok {
		delete(s.clients, connectionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	client.conn.Close()
	s.coord.OnDisconnect(connectionID)
	if err := s.reg.MarkDisconnected(connectionID); err != nil {
		s.logger.Debug("disconnect on teardown failed", "error", err, "connection_id", connectionID)
	}
}

// PushEvent implements broadcast.Pusher: one ordered event frame to one
// connection's socket.
func (s *Server) PushEvent(_ context.Context, connectionID string, frame *broadcast.Frame) error {
	client, ok := s.client(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSocket, connectionID)
	}
	return client.write(&serverMessage{Type: "event", Event: frame})
}

// PushControl implements broadcast.Pusher for control frames.
func (s *Server) PushControl(_ context.Context, connectionID string, ctrl *broadcast.Control) error {
	client, ok := s.client(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSocket, connectionID)
	}
	return client.write(&serverMessage{Type: "control", Control: ctrl})
}

func (s *Server) client(connectionID string) (*wsClient, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[connectionID]
	return client, ok
}
