// ABOUTME: Fans sequencer events out to every registered connection via per-connection workers
// ABOUTME: Computes resume points on reconnect and routes client ack/play signals

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/saga-sync/internal/metrics"
	"github.com/2389/saga-sync/internal/playback"
	"github.com/2389/saga-sync/internal/sequencer"
)

// ErrNoPusher indicates the transport pusher was never wired.
var ErrNoPusher = errors.New("no pusher configured")

// Frame is one ordered event as delivered to a client.
type Frame struct {
	SessionID     string          `json:"session_id"`
	TurnNumber    int64           `json:"turn_number"`
	ResponseIndex int             `json:"response_index"`
	Kind          string          `json:"event_kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ArtifactID    string          `json:"artifact_id,omitempty"`
}

// ControlRecapNeeded tells a client its backlog was truncated and a
// compacted recap should be requested instead of full replay.
const ControlRecapNeeded = "recap_needed"

// Control is an out-of-band frame carrying coordination signals.
type Control struct {
	Kind         string `json:"kind"`
	OmittedTurns int64  `json:"omitted_turns,omitempty"`
}

// SignalKind classifies inbound client signals.
type SignalKind string

const (
	SignalAck    SignalKind = "ack"
	SignalPlayed SignalKind = "played"
)

// Pusher delivers frames to a single connection. Implemented by the
// transport layer. Errors are treated as transient delivery failures.
type Pusher interface {
	PushEvent(ctx context.Context, connectionID string, frame *Frame) error
	PushControl(ctx context.Context, connectionID string, ctrl *Control) error
}

// EventSource defines what the coordinator needs from the sequencer.
type EventSource interface {
	TurnLog(sessionID string, sinceTurn int64) (iter.Seq[*sequencer.Turn], error)
	LastTurn(sessionID string) (int64, error)
}

// ConnectionSet defines what the coordinator needs from the registry.
type ConnectionSet interface {
	ListActive(sessionID string) []string
	MarkDisconnected(connectionID string) error
	ResolveResumption(token string) (connectionID, sessionID string, err error)
}

// DeliveryTracker defines what the coordinator needs from the playback tracker.
type DeliveryTracker interface {
	RecordSent(connectionID string, ref playback.EventRef)
	RecordAck(connectionID, key string) bool
	RecordPlayed(connectionID, key string) bool
	ResumePoint(connectionID string) (playback.Position, playback.Basis)
}

// Config tunes queue sizing, retry, and replay bounds.
type Config struct {
	// QueueSize is the per-connection delivery queue depth. A connection
	// whose queue overflows is disconnected rather than reordered.
	QueueSize int
	// RetryAttempts bounds push attempts per frame before the connection
	// is marked disconnected.
	RetryAttempts int
	// RetryBackoff is the base backoff between attempts, doubled per retry.
	RetryBackoff time.Duration
	// ReplayLimitTurns caps reconnect replay; larger backlogs get a
	// recap_needed control frame plus only the most recent turns.
	ReplayLimitTurns int64
	// ColdJoinWindowTurns bounds cold joins to the most recent turns.
	// Zero means replay from session start.
	ColdJoinWindowTurns int64
}

func (c *Config) withDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.ReplayLimitTurns <= 0 {
		c.ReplayLimitTurns = 50
	}
}

// Coordinator is the only component performing fan-out I/O. It composes the
// sequencer, registry, and tracker: events flow in through OnEventAppended,
// out through per-connection workers, and delivery state lands in the
// tracker per recipient.
type Coordinator struct {
	source  EventSource
	conns   ConnectionSet
	tracker DeliveryTracker
	pusher  Pusher
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. The transport pusher is wired afterwards with
// SetPusher, since transport and coordinator reference each other.
func New(source EventSource, conns ConnectionSet, tracker DeliveryTracker, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		source:  source,
		conns:   conns,
		tracker: tracker,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "broadcast"),
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetPusher wires the transport-layer pusher. Must be called before any
// connection is registered.
func (c *Coordinator) SetPusher(p Pusher) {
	c.pusher = p
}

// OnEventAppended fans a freshly appended event out to every active
// connection in the session. The sequencer invokes it under the session
// lock, so it never blocks: frames are enqueued to each connection's worker
// (or buffered while that connection's replay is still being staged), and a
// full queue disconnects the connection rather than stalling the append
// path or reordering delivery.
func (c *Coordinator) OnEventAppended(sessionID string, event sequencer.TurnEvent) {
	frame := frameFromEvent(sessionID, &event)
	for _, connectionID := range c.conns.ListActive(sessionID) {
		c.enqueueLive(connectionID, frame)
	}
}

// OnConnect computes and enqueues the replay backlog for a connection that
// just joined. With a valid resumption token for the same session the prior
// connection's resume point bounds the replay (warm join); otherwise the
// client cold-joins from session start or the configured recent window.
// Backlogs beyond the replay limit are truncated behind a recap_needed
// control frame.
//
// The connection's worker stays gated until the replay is fully queued:
// live fan-out arriving meanwhile is buffered and flushed behind the
// replay, minus anything the replay already covered, so a client joining
// mid-turn sees each event exactly once and in order.
func (c *Coordinator) OnConnect(ctx context.Context, sessionID, connectionID, resumptionToken string) error {
	last, err := c.source.LastTurn(sessionID)
	if err != nil {
		return fmt.Errorf("resolving session log: %w", err)
	}

	var boundary playback.Position
	warm := false
	if resumptionToken != "" {
		priorID, priorSession, err := c.conns.ResolveResumption(resumptionToken)
		switch {
		case err != nil:
			c.logger.Info("resumption token rejected, falling back to cold join",
				"error", err,
				"session_id", sessionID,
				"connection_id", connectionID)
		case priorSession != sessionID:
			c.logger.Warn("resumption token bound to another session, falling back to cold join",
				"session_id", sessionID,
				"token_session_id", priorSession,
				"connection_id", connectionID)
		default:
			var basis playback.Basis
			boundary, basis = c.tracker.ResumePoint(priorID)
			warm = true
			c.logger.Info("warm join",
				"session_id", sessionID,
				"connection_id", connectionID,
				"prior_connection_id", priorID,
				"resume_turn", boundary.TurnNumber,
				"resume_index", boundary.ResponseIndex,
				"basis", basis)
		}
	}

	sinceTurn := int64(0)
	if warm && boundary.TurnNumber > 0 {
		// Include the boundary turn; events at or before the resume point
		// are filtered out below.
		sinceTurn = boundary.TurnNumber - 1
	} else if !warm && c.cfg.ColdJoinWindowTurns > 0 && last > c.cfg.ColdJoinWindowTurns {
		sinceTurn = last - c.cfg.ColdJoinWindowTurns
	}

	w := c.ensureWorker(connectionID)

	backlog := last - sinceTurn
	truncated := backlog > c.cfg.ReplayLimitTurns
	if truncated {
		omitted := backlog - c.cfg.ReplayLimitTurns
		sinceTurn = last - c.cfg.ReplayLimitTurns
		c.push(w, queueItem{ctrl: &Control{
			Kind:         ControlRecapNeeded,
			OmittedTurns: omitted,
		}})
		c.metrics.TruncatedReplays.Inc()
		c.logger.Info("replay backlog truncated",
			"session_id", sessionID,
			"connection_id", connectionID,
			"omitted_turns", omitted)
	}

	turns, err := c.source.TurnLog(sessionID, sinceTurn)
	if err != nil {
		return fmt.Errorf("reading turn log: %w", err)
	}

	cutoff := playback.Position{}
	if warm && !truncated {
		cutoff = boundary
	}
	replayed := 0
	for turn := range turns {
		for _, event := range turn.Events {
			if warm && !truncated && turn.Number == boundary.TurnNumber && event.ResponseIndex <= boundary.ResponseIndex {
				continue
			}
			c.push(w, queueItem{frame: frameFromEvent(sessionID, &event)})
			cutoff = playback.Position{TurnNumber: event.TurnNumber, ResponseIndex: event.ResponseIndex}
			replayed++
		}
	}
	c.open(w, cutoff)

	c.metrics.Replays.Inc()
	c.logger.Debug("replay enqueued",
		"session_id", sessionID,
		"connection_id", connectionID,
		"events", replayed,
		"warm", warm,
		"truncated", truncated)
	return nil
}

// OnDisconnect stops the connection's delivery worker. Pending frames are
// dropped; the client recovers them via replay on its next connect.
func (c *Coordinator) OnDisconnect(connectionID string) {
	c.removeWorker(connectionID)
}

// OnClientSignal routes an ack or played signal from a connection into the
// playback tracker, reporting whether the tracker accepted it. A rejected
// signal (no sent record yet, or unknown kind) must stay retryable.
func (c *Coordinator) OnClientSignal(connectionID, artifactKey string, kind SignalKind) bool {
	switch kind {
	case SignalAck:
		return c.tracker.RecordAck(connectionID, artifactKey)
	case SignalPlayed:
		return c.tracker.RecordPlayed(connectionID, artifactKey)
	default:
		c.logger.Warn("unknown client signal dropped",
			"connection_id", connectionID,
			"key", artifactKey,
			"kind", kind)
		return false
	}
}

// Close stops all workers and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()

	c.mu.Lock()
	for id, w := range c.workers {
		w.halt()
		delete(c.workers, id)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

func frameFromEvent(sessionID string, event *sequencer.TurnEvent) *Frame {
	return &Frame{
		SessionID:     sessionID,
		TurnNumber:    event.TurnNumber,
		ResponseIndex: event.ResponseIndex,
		Kind:          string(event.Kind),
		Payload:       event.Payload,
		ArtifactID:    event.ArtifactID,
	}
}
