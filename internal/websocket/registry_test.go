package websocket

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeConnection records what the registry sends it
type fakeConnection struct {
	id        string
	userID    int64
	inquiryID int64
	failWrite bool

	mu          sync.Mutex
	written     []interface{}
	closeCode   int
	closeReason string
	closed      bool
}

func newFakeConnection(id string, userID, inquiryID int64) *fakeConnection {
	return &fakeConnection{id: id, userID: userID, inquiryID: inquiryID}
}

func (f *fakeConnection) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite || f.closed {
		return ErrConnectionClosed
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConnection) CloseWithReason(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeConnection) ID() string { return f.id }
func (f *fakeConnection) GetUserID() int64 { return f.userID }
func (f *fakeConnection) GetInquiryID() int64 { return f.inquiryID }

func (f *fakeConnection) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func TestRegistry_NewRegistryInitialization(t *testing.T) {
	registry := newTestRegistry()

	stats := registry.GetStats()
	if stats["total_connections"] != 0 {
		t.Errorf("Expected 0 initial connections, got %d", stats["total_connections"])
	}
	if registry.GroupCount() != 0 {
		t.Errorf("Expected 0 initial groups, got %d", registry.GroupCount())
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := newTestRegistry()

	if _, err := registry.Register(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	tests := []struct {
		name      string
		userID    int64
		inquiryID int64
	}{
		{"no user", 0, 1},
		{"no inquiry", 1, 0},
		{"unbound", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Register(newFakeConnection("c", tt.userID, tt.inquiryID))
			if !errors.Is(err, ErrConnectionNotBound) {
				t.Errorf("Expected ErrConnectionNotBound, got %v", err)
			}
		})
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	registry := newTestRegistry()

	patient := newFakeConnection("p", 1, 100)
	doctor := newFakeConnection("d", 2, 100)
	other := newFakeConnection("x", 3, 200)

	for _, conn := range []*fakeConnection{patient, doctor, other} {
		superseded, err := registry.Register(conn)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if superseded != nil {
			t.Errorf("Unexpected superseded connection %s", superseded.ID())
		}
	}

	if n := registry.SessionCount(100); n != 2 {
		t.Errorf("Expected 2 sessions for inquiry 100, got %d", n)
	}
	if n := registry.SessionCount(200); n != 1 {
		t.Errorf("Expected 1 session for inquiry 200, got %d", n)
	}
	if n := registry.GroupCount(); n != 2 {
		t.Errorf("Expected 2 groups, got %d", n)
	}
	if n := len(registry.Sessions(300)); n != 0 {
		t.Errorf("Expected no sessions for unknown inquiry, got %d", n)
	}
}

func TestRegistry_SupersedeSameParticipant(t *testing.T) {
	registry := newTestRegistry()

	first := newFakeConnection("first", 1, 100)
	second := newFakeConnection("second", 1, 100)

	if _, err := registry.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	superseded, err := registry.Register(second)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if superseded == nil || superseded.ID() != "first" {
		t.Fatalf("Expected first connection to be superseded, got %v", superseded)
	}
	if n := registry.SessionCount(100); n != 1 {
		t.Errorf("Expected 1 session after supersede, got %d", n)
	}

	// The old connection tearing down must not remove its replacement
	if registry.Unregister(first) {
		t.Error("Unregister of superseded connection should be a no-op")
	}
	if n := registry.SessionCount(100); n != 1 {
		t.Errorf("Replacement should remain registered, got %d sessions", n)
	}

	registry.Broadcast(100, "ping")
	if first.writes() != 0 {
		t.Error("Superseded connection should not receive broadcasts")
	}
	if second.writes() != 1 {
		t.Errorf("Expected replacement to receive 1 frame, got %d", second.writes())
	}
}

func TestRegistry_ReRegisterSameConnection(t *testing.T) {
	registry := newTestRegistry()

	conn := newFakeConnection("c", 1, 100)
	_, _ = registry.Register(conn)
	superseded, err := registry.Register(conn)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if superseded != nil {
		t.Error("Registering the same connection twice should not supersede it")
	}
}

func TestRegistry_UnregisterPrunesEmptyGroup(t *testing.T) {
	registry := newTestRegistry()

	patient := newFakeConnection("p", 1, 100)
	doctor := newFakeConnection("d", 2, 100)
	_, _ = registry.Register(patient)
	_, _ = registry.Register(doctor)

	if !registry.Unregister(patient) {
		t.Error("Expected patient to be unregistered")
	}
	if registry.GroupCount() != 1 {
		t.Errorf("Group should remain while doctor is connected, got %d groups", registry.GroupCount())
	}
	if !registry.Unregister(doctor) {
		t.Error("Expected doctor to be unregistered")
	}
	if registry.GroupCount() != 0 {
		t.Errorf("Expected group to be pruned, got %d groups", registry.GroupCount())
	}
	if registry.Unregister(doctor) {
		t.Error("Second unregister should report nothing removed")
	}
}

func TestRegistry_UnregisterNonexistent(t *testing.T) {
	registry := newTestRegistry()

	if registry.Unregister(nil) {
		t.Error("Unregister(nil) should report nothing removed")
	}
	if registry.Unregister(newFakeConnection("ghost", 9, 900)) {
		t.Error("Unregister of unknown connection should report nothing removed")
	}
}

func TestRegistry_BroadcastReachesEveryMember(t *testing.T) {
	registry := newTestRegistry()

	var members []*fakeConnection
	for i := int64(1); i <= 4; i++ {
		conn := newFakeConnection(fmt.Sprintf("c%d", i), i, 100)
		members = append(members, conn)
		_, _ = registry.Register(conn)
	}
	outsider := newFakeConnection("x", 99, 200)
	_, _ = registry.Register(outsider)

	attempts := registry.Broadcast(100, map[string]string{"type": "message"})
	if attempts != len(members) {
		t.Errorf("Expected %d delivery attempts, got %d", len(members), attempts)
	}
	for _, conn := range members {
		if conn.writes() != 1 {
			t.Errorf("Connection %s received %d frames, want 1", conn.ID(), conn.writes())
		}
	}
	if outsider.writes() != 0 {
		t.Error("Broadcast leaked to another inquiry")
	}
}

func TestRegistry_BroadcastContinuesPastFailures(t *testing.T) {
	registry := newTestRegistry()

	broken := newFakeConnection("broken", 1, 100)
	broken.failWrite = true
	healthy := newFakeConnection("healthy", 2, 100)
	_, _ = registry.Register(broken)
	_, _ = registry.Register(healthy)

	if attempts := registry.Broadcast(100, "payload"); attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if healthy.writes() != 1 {
		t.Error("Healthy connection should still receive the frame")
	}
	if registry.SessionCount(100) != 2 {
		t.Error("A failed delivery must not unregister the connection")
	}
}

func TestRegistry_BroadcastEmptyInquiry(t *testing.T) {
	registry := newTestRegistry()

	if attempts := registry.Broadcast(12345, "payload"); attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", attempts)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := newTestRegistry()

	conns := []*fakeConnection{
		newFakeConnection("a", 1, 100),
		newFakeConnection("b", 2, 100),
		newFakeConnection("c", 3, 201),
	}
	for _, conn := range conns {
		_, _ = registry.Register(conn)
	}

	closed := registry.CloseAll(1001, ReasonShutdown)
	if closed != len(conns) {
		t.Errorf("Expected %d closed, got %d", len(conns), closed)
	}
	for _, conn := range conns {
		if conn.closeCode != 1001 || conn.closeReason != ReasonShutdown {
			t.Errorf("Connection %s closed with %d %q", conn.ID(), conn.closeCode, conn.closeReason)
		}
	}
	if registry.GroupCount() != 0 {
		t.Errorf("Expected empty registry, got %d groups", registry.GroupCount())
	}
}

func TestRegistry_ConcurrentRegistrationAndUnregistration(t *testing.T) {
	registry := newTestRegistry()

	const inquiries = 50
	const participants = 4

	var wg sync.WaitGroup
	for i := int64(1); i <= inquiries; i++ {
		for u := int64(1); u <= participants; u++ {
			wg.Add(1)
			go func(inquiryID, userID int64) {
				defer wg.Done()
				conn := newFakeConnection(fmt.Sprintf("%d-%d", inquiryID, userID), userID, inquiryID)
				if _, err := registry.Register(conn); err != nil {
					t.Errorf("Register failed: %v", err)
					return
				}
				registry.Broadcast(inquiryID, "hello")
				registry.Unregister(conn)
			}(i, u)
		}
	}
	wg.Wait()

	if n := registry.GroupCount(); n != 0 {
		t.Errorf("Expected all groups pruned, got %d", n)
	}
	if n := registry.GetStats()["total_connections"]; n != 0 {
		t.Errorf("Expected 0 connections, got %d", n)
	}
}

func TestRegistry_ConcurrentSupersede(t *testing.T) {
	registry := newTestRegistry()

	const attempts = 20
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = registry.Register(newFakeConnection(fmt.Sprintf("c%d", n), 1, 100))
		}(i)
	}
	wg.Wait()

	if n := registry.SessionCount(100); n != 1 {
		t.Errorf("Expected exactly one session per participant, got %d", n)
	}
}
