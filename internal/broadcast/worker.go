// ABOUTME: Per-connection delivery worker with a strictly serialized FIFO queue
// ABOUTME: Retries failed pushes on bounded backoff and disconnects dead connections

package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/saga-sync/internal/playback"
)

// errWorkerStopped signals the worker was halted mid-delivery.
var errWorkerStopped = errors.New("delivery worker stopped")

// queueItem is one unit of per-connection delivery: an event frame or a
// control frame, never both.
type queueItem struct {
	frame *Frame
	ctrl  *Control
}

// worker serializes all delivery to one connection. Frames leave the queue
// in enqueue order regardless of retries, so a client can never observe
// reordering.
//
// A worker starts gated: live fan-out is buffered in pending until the
// connection's replay has been queued, then open flushes the buffer behind
// it. gated and pending are guarded by the coordinator's mutex.
type worker struct {
	connectionID string
	queue        chan queueItem
	stop         chan struct{}
	stopOnce     sync.Once

	gated   bool
	pending []*Frame
}

func (w *worker) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// ensureWorker returns the connection's delivery worker, creating it gated
// on first use.
func (c *Coordinator) ensureWorker(connectionID string) *worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerLocked(connectionID)
}

func (c *Coordinator) workerLocked(connectionID string) *worker {
	w, ok := c.workers[connectionID]
	if !ok {
		w = &worker{
			connectionID: connectionID,
			queue:        make(chan queueItem, c.cfg.QueueSize),
			stop:         make(chan struct{}),
			gated:        true,
		}
		c.workers[connectionID] = w
		c.wg.Add(1)
		go c.runWorker(w)
	}
	return w
}

// enqueueLive hands a freshly appended frame to the connection's worker.
// While the worker is gated the frame is buffered; open later flushes the
// buffer behind the replay, dropping what the replay already covered.
func (c *Coordinator) enqueueLive(connectionID string, frame *Frame) {
	c.mu.Lock()
	w := c.workerLocked(connectionID)
	if w.gated {
		if len(w.pending) >= c.cfg.QueueSize {
			c.mu.Unlock()
			c.overflow(connectionID)
			return
		}
		w.pending = append(w.pending, frame)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.push(w, queueItem{frame: frame})
}

// push hands an item to a worker's queue. It never blocks: a full queue
// means the connection cannot keep up, and it is disconnected rather than
// allowed to stall the caller or force reordering.
func (c *Coordinator) push(w *worker, item queueItem) {
	select {
	case w.queue <- item:
	default:
		c.overflow(w.connectionID)
	}
}

// open releases a gated worker once its replay is fully queued. Buffered
// frames at or before the cutoff were covered by the replay and are
// dropped; the rest flush behind it in append order.
func (c *Coordinator) open(w *worker, cutoff playback.Position) {
	c.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.gated = false
	overflowed := false
	for _, frame := range pending {
		pos := playback.Position{TurnNumber: frame.TurnNumber, ResponseIndex: frame.ResponseIndex}
		if !cutoff.Before(pos) {
			continue
		}
		select {
		case w.queue <- queueItem{frame: frame}:
		default:
			overflowed = true
		}
		if overflowed {
			break
		}
	}
	c.mu.Unlock()

	if overflowed {
		c.overflow(w.connectionID)
	}
}

// overflow disconnects a connection that cannot keep up with delivery.
func (c *Coordinator) overflow(connectionID string) {
	c.logger.Warn("delivery queue overflow, disconnecting",
		"connection_id", connectionID)
	c.metrics.DroppedConnections.Inc()
	c.removeWorker(connectionID)
	if err := c.conns.MarkDisconnected(connectionID); err != nil {
		c.logger.Debug("disconnect after overflow failed", "error", err,
			"connection_id", connectionID)
	}
}

// removeWorker halts and forgets a connection's worker.
func (c *Coordinator) removeWorker(connectionID string) {
	c.mu.Lock()
	w, ok := c.workers[connectionID]
	if ok {
		delete(c.workers, connectionID)
	}
	c.mu.Unlock()

	if ok {
		w.halt()
	}
}

// runWorker drains one connection's queue until the worker is halted or a
// frame exhausts its retries.
func (c *Coordinator) runWorker(w *worker) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-w.stop:
			return
		case item := <-w.queue:
			if err := c.deliver(w, item); err != nil {
				return
			}
		}
	}
}

// deliver pushes one item with bounded backoff. A push error is a
// transient DeliveryFailure: it is retried up to the configured attempts,
// isolated to this connection. Exhausting retries marks the connection
// disconnected; it will catch up via replay on reconnect.
func (c *Coordinator) deliver(w *worker, item queueItem) error {
	if c.pusher == nil {
		c.logger.Error("no pusher configured, dropping frame",
			"connection_id", w.connectionID)
		return ErrNoPusher
	}

	for attempt := 0; ; attempt++ {
		var err error
		if item.frame != nil {
			err = c.pusher.PushEvent(c.ctx, w.connectionID, item.frame)
		} else {
			err = c.pusher.PushControl(c.ctx, w.connectionID, item.ctrl)
		}
		if err == nil {
			if item.frame != nil {
				c.metrics.EventsDelivered.Inc()
				c.tracker.RecordSent(w.connectionID, playback.EventRef{
					TurnNumber:    item.frame.TurnNumber,
					ResponseIndex: item.frame.ResponseIndex,
					ArtifactID:    item.frame.ArtifactID,
				})
			}
			return nil
		}

		if attempt+1 >= c.cfg.RetryAttempts {
			c.logger.Warn("delivery failed after retries, disconnecting",
				"error", err,
				"connection_id", w.connectionID,
				"attempts", attempt+1)
			c.metrics.DeliveryFailures.Inc()
			c.metrics.DroppedConnections.Inc()
			c.removeWorker(w.connectionID)
			if derr := c.conns.MarkDisconnected(w.connectionID); derr != nil {
				c.logger.Debug("disconnect after delivery failure failed",
					"error", derr, "connection_id", w.connectionID)
			}
			return err
		}

		c.metrics.DeliveryRetries.Inc()
		backoff := c.cfg.RetryBackoff * time.Duration(1<<attempt)
		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-w.stop:
			return errWorkerStopped
		}
	}
}
