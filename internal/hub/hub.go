package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"renung/pkg/types"
)

// DefaultQueueSize is the buffer of the event channel.
const DefaultQueueSize = 1000

// Handler consumes the events the hub serializes.
type Handler interface {
	HandleEvent(connectionID string, env types.Envelope) error
	HandleDisconnect(connectionID string)
}

type eventKind int

const (
	kindMessage eventKind = iota
	kindDisconnect
)

type event struct {
	kind         eventKind
	connectionID string
	envelope     types.Envelope
}

// Stats is a snapshot of hub throughput.
type Stats struct {
	Queued    int    `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Hub runs every connection event through a single goroutine so that events
// are applied in arrival order. Messages and disconnects share one channel.
type Hub struct {
	events   chan event
	shutdown chan struct{}
	done     chan struct{}

	handler Handler
	logger  *log.Logger

	processed atomic.Uint64
	failed    atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub. queueSize <= 0 selects DefaultQueueSize.
func NewHub(handler Handler, queueSize int, logger *log.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		events:  make(chan event, queueSize),
		handler: handler,
		logger:  logger.WithPrefix("hub"),
	}
}

// Start launches the processing goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	if h.done != nil {
		// A loop ended by its context may still be draining.
		<-h.done
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting event hub", "queue", cap(h.events))
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop signals the loop, waits for it to drain queued events and exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("event hub stopped", "processed", h.processed.Load())
	return nil
}

// IsRunning reports whether the loop is accepting events. It turns false on
// Stop or once the context passed to Start is done.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Submit queues an inbound envelope without blocking.
func (h *Hub) Submit(connectionID string, env types.Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- event{kind: kindMessage, connectionID: connectionID, envelope: env}:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// Disconnect queues the teardown of a connection. It blocks while the queue
// is full because a lost disconnect would leave a seat occupied.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	shutdown := h.shutdown
	h.mu.RUnlock()

	select {
	case h.events <- event{kind: kindDisconnect, connectionID: connectionID}:
		return nil
	case <-shutdown:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns queue depth and counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Queued:    len(h.events),
		Processed: h.processed.Load(),
		Failed:    h.failed.Load(),
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev)

		case <-shutdown:
			h.drain()
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.release(shutdown)
			h.drain()
			h.logger.Debug("hub context cancelled")
			return
		}
	}
}

// release marks the hub stopped after its context ends so that Submit and
// Disconnect fail fast instead of queueing to a loop that has exited.
func (h *Hub) release(shutdown <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || (<-chan struct{})(h.shutdown) != shutdown {
		return
	}
	h.running = false
	close(h.shutdown)
}

func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.events:
			h.dispatch(ev)
		default:
			return
		}
	}
}

func (h *Hub) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			h.failed.Add(1)
			h.logger.Error("event handler panicked", "connection", ev.connectionID, "event", ev.envelope.Event, "panic", r)
		}
	}()

	h.processed.Add(1)

	switch ev.kind {
	case kindDisconnect:
		h.handler.HandleDisconnect(ev.connectionID)
	case kindMessage:
		if err := h.handler.HandleEvent(ev.connectionID, ev.envelope); err != nil {
			h.failed.Add(1)
			h.logger.Debug("event not applied", "connection", ev.connectionID, "event", ev.envelope.Event, "err", err)
		}
	}
}
