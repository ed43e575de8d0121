package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"inquirychat/pkg/types"
)

// Broadcaster delivers a payload to every live session of an inquiry
type Broadcaster interface {
	Broadcast(inquiryID int64, payload interface{}) int
}

const statusBufferSize = 1000

// Hub pushes lifecycle changes to the live sessions of an inquiry. The
// inquiry manager publishes into it after a transition commits; a single
// goroutine drains the queue so publishers never wait on socket writes.
type Hub struct {
	statusChannel   chan types.StatusChange
	shutdownChannel chan struct{}
	done            chan struct{}

	broadcaster Broadcaster
	logger      zerolog.Logger

	running bool
	mu      sync.RWMutex

	pushed  atomic.Int64
	dropped atomic.Int64
}

// NewHub creates a hub that delivers through broadcaster
func NewHub(broadcaster Broadcaster, logger zerolog.Logger) *Hub {
	return &Hub{
		statusChannel: make(chan types.StatusChange, statusBufferSize),
		broadcaster:   broadcaster,
		logger:        logger.With().Str("component", "hub").Logger(),
	}
}

// Start launches the dispatch goroutine
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info().Msg("starting status hub")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop signals the dispatch goroutine and waits for it to drain what was
// already queued
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info().Msg("status hub stopped")
	return nil
}

// PublishStatus queues change for delivery without blocking. Changes
// published while the hub is stopped or saturated are dropped; clients
// catch up through the REST surface.
func (h *Hub) PublishStatus(change types.StatusChange) {
	if err := h.enqueue(change); err != nil {
		h.dropped.Add(1)
		h.logger.Warn().
			Err(err).
			Int64("inquiry_id", change.InquiryID).
			Str("status", string(change.Status)).
			Msg("status change dropped")
	}
}

func (h *Hub) enqueue(change types.StatusChange) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	select {
	case h.statusChannel <- change:
		return nil
	default:
		return ErrStatusChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case change := <-h.statusChannel:
			h.deliver(change)

		case <-shutdown:
			h.drain()
			return

		case <-ctx.Done():
			h.mu.Lock()
			if h.shutdownChannel == shutdown {
				h.running = false
			}
			h.mu.Unlock()
			h.drain()
			h.logger.Info().Msg("status hub context cancelled")
			return
		}
	}
}

// drain delivers changes queued before shutdown was signalled
func (h *Hub) drain() {
	for {
		select {
		case change := <-h.statusChannel:
			h.deliver(change)
		default:
			return
		}
	}
}

func (h *Hub) deliver(change types.StatusChange) {
	attempts := h.broadcaster.Broadcast(change.InquiryID, types.StatusEvent(change))
	h.pushed.Add(1)
	h.logger.Debug().
		Int64("inquiry_id", change.InquiryID).
		Str("status", string(change.Status)).
		Int("recipients", attempts).
		Msg("status pushed")
}

// IsRunning reports whether the dispatch goroutine is active
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// GetStats returns hub counters for the health endpoint
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":         h.IsRunning(),
		"queued":          len(h.statusChannel),
		"statuses_pushed": h.pushed.Load(),
		"dropped":         h.dropped.Load(),
	}
}
