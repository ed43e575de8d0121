package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// Broadcaster fans a payload out to every live session of an inquiry and
// returns the number of delivery attempts
type Broadcaster interface {
	Broadcast(inquiryID int64, payload interface{}) int
}

// Config tunes inbound message handling
type Config struct {
	MessagesPerMinute int
	PersistTimeout    time.Duration
}

// DefaultConfig returns the limits used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MessagesPerMinute: 100,
		PersistTimeout:    10 * time.Second,
	}
}

// Router handles chat frames read from admitted connections: it validates
// them, applies the per-user rate limit, persists, then fans the stored
// message out to the inquiry. It implements websocket.InboundHandler.
type Router struct {
	store          interfaces.MessageStore
	broadcaster    Broadcaster
	rateLimiter    *RateLimiter
	persistTimeout time.Duration
	logger         zerolog.Logger

	// Persist and fan-out happen under the inquiry's lock so that delivery
	// order matches id order. Entries are dropped once nobody holds or
	// waits on them.
	locksMu sync.Mutex
	locks   map[int64]*inquiryLock

	delivered atomic.Int64
	rejected  atomic.Int64
}

// NewRouter creates a router that persists to store and delivers through
// broadcaster
func NewRouter(store interfaces.MessageStore, broadcaster Broadcaster, config Config, logger zerolog.Logger) *Router {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultConfig().PersistTimeout
	}
	return &Router{
		store:          store,
		broadcaster:    broadcaster,
		rateLimiter:    NewRateLimiter(config.MessagesPerMinute, time.Minute),
		persistTimeout: config.PersistTimeout,
		logger:         logger.With().Str("component", "router").Logger(),
		locks:          make(map[int64]*inquiryLock),
	}
}

// HandleInbound processes one text frame from sender. Every failure is
// reported to the sender alone as an error event; the session stays open.
func (r *Router) HandleInbound(ctx context.Context, conn interfaces.Connection, sender *types.User, data []byte) {
	event, err := types.ParseInboundEvent(data)
	if err != nil {
		r.reject(conn, sender, err)
		return
	}
	if event.Kind == types.InboundIgnored {
		r.logger.Debug().
			Int64("user_id", sender.ID).
			Str("type", event.Type).
			Msg("ignoring inbound event")
		return
	}

	if !r.rateLimiter.Allow(sender.ID) {
		r.reject(conn, sender, ErrRateLimitExceeded)
		return
	}

	inquiryID := conn.GetInquiryID()
	if inquiryID == 0 {
		r.reject(conn, sender, ErrSenderNotBound)
		return
	}

	if _, err := r.deliver(ctx, inquiryID, sender, event.Chat); err != nil {
		r.reject(conn, sender, err)
	}
}

// deliver persists the message and broadcasts it. Once a frame has been
// read it is persisted and delivered even if the sender disconnects, so the
// store and the other participant agree on what was said.
func (r *Router) deliver(ctx context.Context, inquiryID int64, sender *types.User, chat *types.ChatPayload) (*types.Message, error) {
	lock := r.lockInquiry(inquiryID)
	defer r.unlockInquiry(inquiryID, lock)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()

	message, err := r.store.AppendMessage(persistCtx, inquiryID, sender.ID, chat.Kind, chat.Content)
	if err != nil {
		r.logger.Error().
			Err(err).
			Int64("inquiry_id", inquiryID).
			Int64("user_id", sender.ID).
			Msg("failed to persist message")
		return nil, err
	}

	attempts := r.broadcaster.Broadcast(inquiryID, types.MessageEvent(message))
	r.delivered.Add(1)

	r.logger.Debug().
		Int64("inquiry_id", inquiryID).
		Int64("message_id", message.ID).
		Int("recipients", attempts).
		Msg("message delivered")
	return message, nil
}

func (r *Router) reject(conn interfaces.Connection, sender *types.User, err error) {
	r.rejected.Add(1)
	r.logger.Info().
		Err(err).
		Int64("user_id", sender.ID).
		Int64("inquiry_id", conn.GetInquiryID()).
		Msg("inbound message rejected")
	if writeErr := conn.WriteJSON(types.ErrorEvent(errorText(err))); writeErr != nil {
		r.logger.Debug().Err(writeErr).Int64("user_id", sender.ID).Msg("failed to send error event")
	}
}

type inquiryLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Router) lockInquiry(inquiryID int64) *inquiryLock {
	r.locksMu.Lock()
	lock, ok := r.locks[inquiryID]
	if !ok {
		lock = &inquiryLock{}
		r.locks[inquiryID] = lock
	}
	lock.refs++
	r.locksMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (r *Router) unlockInquiry(inquiryID int64, lock *inquiryLock) {
	lock.mu.Unlock()

	r.locksMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, inquiryID)
	}
	r.locksMu.Unlock()
}

// heldLocks reports how many inquiries currently have a sequencing entry
func (r *Router) heldLocks() int {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	return len(r.locks)
}

// RunCleanup prunes idle rate limiter entries every interval until ctx is
// done
func (r *Router) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := r.rateLimiter.Cleanup(); removed > 0 {
				r.logger.Debug().Int("removed", removed).Msg("rate limiter cleanup")
			}
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns router counters for the health endpoint
func (r *Router) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"messages_delivered": r.delivered.Load(),
		"messages_rejected":  r.rejected.Load(),
		"rate_limited_users": r.rateLimiter.Tracked(),
	}
}
