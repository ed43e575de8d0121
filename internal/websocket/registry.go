package websocket

import (
	"sync"

	"github.com/rs/zerolog"

	"inquirychat/pkg/interfaces"
)

// shardCount spreads inquiry groups over independent locks so traffic on
// one inquiry never waits on another inquiry's lock
const shardCount = 32

// group maps participant user id to that participant's live connection
type group map[int64]interfaces.Connection

type shard struct {
	mu     sync.RWMutex
	groups map[int64]group // inquiryID -> group
}

// Registry tracks live connections by inquiry and, within an inquiry, by
// participant. It holds only a send capability for each connection; the
// handler goroutine behind the connection owns its lifetime.
type Registry struct {
	shards [shardCount]*shard
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "registry").Logger()}
	for i := range r.shards {
		r.shards[i] = &shard{groups: make(map[int64]group)}
	}
	return r
}

func (r *Registry) shardFor(inquiryID int64) *shard {
	return r.shards[uint64(inquiryID)%shardCount]
}

// Register makes conn the authoritative connection for its (inquiry, user)
// pair. A connection it replaces is returned so the caller can close it; the
// registry never closes transports itself.
func (r *Registry) Register(conn interfaces.Connection) (interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	inquiryID, userID := conn.GetInquiryID(), conn.GetUserID()
	if inquiryID == 0 || userID == 0 {
		return nil, ErrConnectionNotBound
	}

	s := r.shardFor(inquiryID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[inquiryID]
	if !ok {
		g = make(group)
		s.groups[inquiryID] = g
	}
	superseded := g[userID]
	g[userID] = conn

	if superseded != nil && superseded.ID() == conn.ID() {
		return nil, nil
	}
	return superseded, nil
}

// Unregister removes conn if it is still the registered connection for its
// pair, pruning the inquiry group when it empties. A superseded connection
// tearing down never removes its replacement. Returns whether anything was
// removed.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	inquiryID, userID := conn.GetInquiryID(), conn.GetUserID()

	s := r.shardFor(inquiryID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[inquiryID]
	if !ok {
		return false
	}
	current, ok := g[userID]
	if !ok || current.ID() != conn.ID() {
		return false
	}

	delete(g, userID)
	if len(g) == 0 {
		delete(s.groups, inquiryID)
	}
	return true
}

// Sessions returns a snapshot of the connections registered for an inquiry
func (r *Registry) Sessions(inquiryID int64) []interfaces.Connection {
	s := r.shardFor(inquiryID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.groups[inquiryID]
	conns := make([]interfaces.Connection, 0, len(g))
	for _, conn := range g {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast sends payload to every connection registered for the inquiry,
// sender included. Delivery happens outside the lock on a snapshot; a failed
// delivery is logged and does not stop the others or unregister anything.
// It returns the number of delivery attempts.
func (r *Registry) Broadcast(inquiryID int64, payload interface{}) int {
	conns := r.Sessions(inquiryID)
	for _, conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			r.logger.Warn().
				Err(err).
				Int64("inquiry_id", inquiryID).
				Int64("user_id", conn.GetUserID()).
				Msg("delivery failed")
		}
	}
	return len(conns)
}

// SessionCount returns the number of live sessions for an inquiry
func (r *Registry) SessionCount(inquiryID int64) int {
	s := r.shardFor(inquiryID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[inquiryID])
}

// GroupCount returns how many inquiries have at least one live session.
// Empty groups are pruned, so this drops to zero once everyone leaves.
func (r *Registry) GroupCount() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.groups)
		s.mu.RUnlock()
	}
	return total
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	connections, groups := 0, 0
	for _, s := range r.shards {
		s.mu.RLock()
		groups += len(s.groups)
		for _, g := range s.groups {
			connections += len(g)
		}
		s.mu.RUnlock()
	}
	return map[string]int{
		"total_connections": connections,
		"active_inquiries":  groups,
	}
}

// CloseAll removes every connection and closes each with code and reason.
// Used during shutdown.
func (r *Registry) CloseAll(code int, reason string) int {
	var conns []interfaces.Connection
	for _, s := range r.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			for _, conn := range g {
				conns = append(conns, conn)
			}
		}
		s.groups = make(map[int64]group)
		s.mu.Unlock()
	}

	for _, conn := range conns {
		if err := conn.CloseWithReason(code, reason); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("close during shutdown failed")
		}
	}
	return len(conns)
}
