package messaging

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// COALESCING PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// Coalescer batches upstream change events per semester. A burst of grade
// entries for one semester reaches the inner publisher as a single event
// once the window elapses. A change with an empty semester id replaces
// everything pending. Other events pass straight through.
type Coalescer struct {
	inner  shared.EventPublisher
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]shared.UpstreamChangedEvent
	all     *shared.UpstreamChangedEvent
	timer   *time.Timer
	closed  bool
	merged  int64
}

// NewCoalescer creates a Coalescer. A non-positive window disables batching.
func NewCoalescer(inner shared.EventPublisher, window time.Duration, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		inner:   inner,
		window:  window,
		logger:  logger.With("component", "coalescer"),
		pending: make(map[string]shared.UpstreamChangedEvent),
	}
}

var _ shared.EventPublisher = (*Coalescer)(nil)

// Publish queues upstream changes and forwards everything else.
func (c *Coalescer) Publish(event shared.Event) error {
	if event == nil {
		return ErrNilEvent
	}
	up, ok := event.(shared.UpstreamChangedEvent)
	if !ok || c.window <= 0 {
		return c.inner.Publish(event)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrEventBusClosed
	}

	switch {
	case c.all != nil:
		c.merged++
	case up.SemesterID == "":
		c.merged += int64(len(c.pending))
		c.pending = make(map[string]shared.UpstreamChangedEvent)
		c.all = &up
	default:
		if _, dup := c.pending[up.SemesterID]; dup {
			c.merged++
		} else {
			c.pending[up.SemesterID] = up
		}
	}

	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, func() { _ = c.Flush() })
	}
	return nil
}

// Flush forwards pending events now. Semesters are flushed in id order.
func (c *Coalescer) Flush() error {
	c.mu.Lock()
	batch := c.drainLocked()
	c.mu.Unlock()

	var firstErr error
	for _, ev := range batch {
		if err := c.inner.Publish(ev); err != nil {
			c.logger.Error("failed to forward change", "semester_id", ev.SemesterID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Coalescer) drainLocked() []shared.UpstreamChangedEvent {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	if c.all != nil {
		batch := []shared.UpstreamChangedEvent{*c.all}
		c.all = nil
		return batch
	}

	batch := make([]shared.UpstreamChangedEvent, 0, len(c.pending))
	for _, ev := range c.pending {
		batch = append(batch, ev)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].SemesterID < batch[j].SemesterID })
	c.pending = make(map[string]shared.UpstreamChangedEvent)
	return batch
}

// Merged returns how many events were absorbed into an earlier one.
func (c *Coalescer) Merged() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged
}

// Close flushes what is pending and rejects further upstream events.
func (c *Coalescer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.Flush()
}
