package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inquirychat/internal/database"
	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// recordingConn captures what the router writes back to a sender
type recordingConn struct {
	inquiryID int64
	userID    int64

	mu     sync.Mutex
	events []types.OutboundEvent
}

func (c *recordingConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := v.(types.OutboundEvent)
	if !ok {
		return fmt.Errorf("unexpected payload %T", v)
	}
	c.events = append(c.events, event)
	return nil
}

func (c *recordingConn) Close() error { return nil }
func (c *recordingConn) CloseWithReason(code int, reason string) error { return nil }
func (c *recordingConn) ID() string { return fmt.Sprintf("conn-%d", c.userID) }
func (c *recordingConn) GetUserID() int64 { return c.userID }
func (c *recordingConn) GetInquiryID() int64 { return c.inquiryID }

func (c *recordingConn) errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var texts []string
	for _, e := range c.events {
		if e.Type == types.EventError {
			texts = append(texts, e.Message)
		}
	}
	return texts
}

// recordingBroadcaster stands in for the registry
type recordingBroadcaster struct {
	sessions int

	mu       sync.Mutex
	messages []*types.Message
}

func (b *recordingBroadcaster) Broadcast(inquiryID int64, payload interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event, ok := payload.(types.OutboundEvent); ok {
		if message, ok := event.Data.(*types.Message); ok {
			b.messages = append(b.messages, message)
		}
	}
	return b.sessions
}

func (b *recordingBroadcaster) delivered() []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Message(nil), b.messages...)
}

// failingStore rejects every append
type failingStore struct {
	interfaces.MessageStore
	err error
}

func (s *failingStore) AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error) {
	return nil, s.err
}

type routerFixture struct {
	store       *database.MemoryManager
	broadcaster *recordingBroadcaster
	router      *Router
	patient     *types.User
	inquiry     *types.Inquiry
}

func newRouterFixture(t *testing.T, config Config) *routerFixture {
	t.Helper()
	ctx := context.Background()

	store := database.NewMemoryManager()
	patient := &types.User{Mobile: "13800000001", Name: "patient", Role: types.RolePatient, Enabled: true}
	doctorUser := &types.User{Mobile: "13800000002", Name: "doctor", Role: types.RoleDoctor, Enabled: true}
	for _, u := range []*types.User{patient, doctorUser} {
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}
	doctor := &types.Doctor{UserID: doctorUser.ID, Available: true}
	if err := store.CreateDoctor(ctx, doctor); err != nil {
		t.Fatalf("CreateDoctor failed: %v", err)
	}
	inquiry := &types.Inquiry{
		PatientUserID:      patient.ID,
		DoctorID:           doctor.ID,
		DoctorUserID:       doctorUser.ID,
		SymptomDescription: "headache",
		State:              types.InquiryInProgress,
	}
	if err := store.CreateInquiry(ctx, inquiry); err != nil {
		t.Fatalf("CreateInquiry failed: %v", err)
	}

	broadcaster := &recordingBroadcaster{sessions: 2}
	return &routerFixture{
		store:       store,
		broadcaster: broadcaster,
		router:      NewRouter(store, broadcaster, config, zerolog.Nop()),
		patient:     patient,
		inquiry:     inquiry,
	}
}

func (f *routerFixture) conn() *recordingConn {
	return &recordingConn{inquiryID: f.inquiry.ID, userID: f.patient.ID}
}

func TestRouter_PersistsThenBroadcasts(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())
	conn := f.conn()

	f.router.HandleInbound(context.Background(), conn, f.patient, []byte(`{"type":"message","content":"hello","msgType":"TEXT"}`))

	delivered := f.broadcaster.delivered()
	if len(delivered) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(delivered))
	}
	message := delivered[0]
	if message.Content != "hello" || message.SenderName != "patient" || message.SenderRole != types.RolePatient {
		t.Errorf("Unexpected broadcast message %+v", message)
	}

	stored, err := f.store.ListMessages(context.Background(), f.inquiry.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != message.ID {
		t.Errorf("Broadcast message should be the persisted one, stored %+v", stored)
	}
	if errs := conn.errors(); len(errs) != 0 {
		t.Errorf("Unexpected error events %v", errs)
	}
}

func TestRouter_Defaults(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	f.router.HandleInbound(context.Background(), f.conn(), f.patient, []byte(`{"content":"no type given"}`))

	delivered := f.broadcaster.delivered()
	if len(delivered) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(delivered))
	}
	if delivered[0].Kind != types.MessageText {
		t.Errorf("Expected TEXT default, got %s", delivered[0].Kind)
	}
}

func TestRouter_RejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"unknown kind", `{"type":"message","content":"x","msgType":"VIDEO"}`},
		{"missing content", `{"type":"message"}`},
		{"empty content", `{"type":"message","content":""}`},
		{"oversized content", fmt.Sprintf(`{"content":%q}`, strings.Repeat("a", types.MaxContentBytes+1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, DefaultConfig())
			conn := f.conn()

			f.router.HandleInbound(context.Background(), conn, f.patient, []byte(tt.frame))

			errs := conn.errors()
			if len(errs) != 1 {
				t.Fatalf("Expected 1 error event, got %v", errs)
			}
			if !strings.HasPrefix(errs[0], failurePrefix) {
				t.Errorf("Error text %q should start with %q", errs[0], failurePrefix)
			}
			if n := len(f.broadcaster.delivered()); n != 0 {
				t.Errorf("Invalid frame must not be broadcast, got %d", n)
			}
			stored, _ := f.store.ListMessages(context.Background(), f.inquiry.ID)
			if len(stored) != 0 {
				t.Errorf("Invalid frame must not be persisted, got %d", len(stored))
			}
		})
	}
}

func TestRouter_IgnoresOtherEventTypes(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())
	conn := f.conn()

	f.router.HandleInbound(context.Background(), conn, f.patient, []byte(`{"type":"typing","content":"..."}`))

	if len(conn.events) != 0 {
		t.Errorf("Ignored events must not produce a reply, got %+v", conn.events)
	}
	if n := len(f.broadcaster.delivered()); n != 0 {
		t.Errorf("Ignored events must not be broadcast, got %d", n)
	}
}

func TestRouter_PersistenceFailureAbortsBroadcast(t *testing.T) {
	broadcaster := &recordingBroadcaster{sessions: 2}
	store := &failingStore{err: errors.New("disk full")}
	router := NewRouter(store, broadcaster, DefaultConfig(), zerolog.Nop())

	sender := &types.User{ID: 1, Name: "patient", Role: types.RolePatient}
	conn := &recordingConn{inquiryID: 10, userID: 1}

	router.HandleInbound(context.Background(), conn, sender, []byte(`{"content":"lost"}`))

	if n := len(broadcaster.delivered()); n != 0 {
		t.Errorf("Expected no broadcast after persistence failure, got %d", n)
	}
	errs := conn.errors()
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error event, got %v", errs)
	}
	if errs[0] != failurePrefix+types.ErrInternal.Error() {
		t.Errorf("Store details must not leak to the client, got %q", errs[0])
	}
}

func TestRouter_DeliversAfterSenderContextCancelled(t *testing.T) {
	f := newRouterFixture(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.router.HandleInbound(ctx, f.conn(), f.patient, []byte(`{"content":"sent just before leaving"}`))

	if n := len(f.broadcaster.delivered()); n != 1 {
		t.Errorf("Expected message to be delivered, got %d broadcasts", n)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	f := newRouterFixture(t, Config{MessagesPerMinute: 3})
	conn := f.conn()

	for i := 0; i < 5; i++ {
		f.router.HandleInbound(context.Background(), conn, f.patient, []byte(fmt.Sprintf(`{"content":"m%d"}`, i)))
	}

	if n := len(f.broadcaster.delivered()); n != 3 {
		t.Errorf("Expected 3 delivered messages, got %d", n)
	}
	errs := conn.errors()
	if len(errs) != 2 {
		t.Fatalf("Expected 2 rate limit errors, got %v", errs)
	}
	if !strings.Contains(errs[0], "rate limit") {
		t.Errorf("Unexpected error text %q", errs[0])
	}

	stats := f.router.GetStats()
	if stats["messages_delivered"] != int64(3) || stats["messages_rejected"] != int64(2) {
		t.Errorf("Unexpected stats %v", stats)
	}
}

func TestRouter_OrderMatchesPersistence(t *testing.T) {
	f := newRouterFixture(t, Config{})

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			conn := f.conn()
			for i := 0; i < perSender; i++ {
				f.router.HandleInbound(context.Background(), conn, f.patient, []byte(fmt.Sprintf(`{"content":"%d-%d"}`, s, i)))
			}
		}(s)
	}
	wg.Wait()

	delivered := f.broadcaster.delivered()
	if len(delivered) != senders*perSender {
		t.Fatalf("Expected %d messages, got %d", senders*perSender, len(delivered))
	}
	for i := 1; i < len(delivered); i++ {
		if delivered[i].ID <= delivered[i-1].ID {
			t.Fatalf("Broadcast order diverged from id order at %d: %d after %d", i, delivered[i].ID, delivered[i-1].ID)
		}
		if delivered[i].CreatedAt.Before(delivered[i-1].CreatedAt) {
			t.Fatalf("Creation time went backwards at %d", i)
		}
	}

	stored, err := f.store.ListMessages(context.Background(), f.inquiry.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for i := range stored {
		if stored[i].ID != delivered[i].ID {
			t.Fatalf("Stored order and delivery order differ at %d", i)
		}
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow(1) || !rl.Allow(1) {
		t.Fatal("First two messages should be allowed")
	}
	if rl.Allow(1) {
		t.Error("Third message in the window should be refused")
	}
	if !rl.Allow(2) {
		t.Error("Limits are per user")
	}

	now = now.Add(time.Minute)
	if !rl.Allow(1) {
		t.Error("A new window should reset the count")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10, time.Minute)
	rl.now = func() time.Time { return now }

	rl.Allow(1)
	now = now.Add(4 * time.Minute)
	rl.Allow(2)
	now = now.Add(2 * time.Minute)

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Expected 1 idle entry removed, got %d", removed)
	}
	if rl.Tracked() != 1 {
		t.Errorf("Expected 1 tracked user, got %d", rl.Tracked())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if !rl.Allow(1) {
			t.Fatal("A zero limit should never refuse")
		}
	}
}

// countingStore assigns ids without validating the inquiry
type countingStore struct {
	interfaces.MessageStore

	mu     sync.Mutex
	nextID int64
}

func (s *countingStore) AppendMessage(ctx context.Context, inquiryID, senderID int64, kind types.MessageKind, content string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &types.Message{ID: s.nextID, InquiryID: inquiryID, SenderID: senderID, Kind: kind, Content: content}, nil
}

// stalledBroadcaster holds fan-out for one inquiry until released
type stalledBroadcaster struct {
	stalled int64
	entered chan struct{}
	release chan struct{}
}

func (b *stalledBroadcaster) Broadcast(inquiryID int64, payload interface{}) int {
	if inquiryID == b.stalled {
		close(b.entered)
		<-b.release
	}
	return 1
}

func TestRouter_SlowFanOutDoesNotBlockOtherInquiries(t *testing.T) {
	broadcaster := &stalledBroadcaster{
		stalled: 1,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	router := NewRouter(&countingStore{}, broadcaster, Config{}, zerolog.Nop())
	sender := &types.User{ID: 1, Name: "patient", Role: types.RolePatient}

	stalledDone := make(chan struct{})
	go func() {
		defer close(stalledDone)
		router.HandleInbound(context.Background(), &recordingConn{inquiryID: 1, userID: 1}, sender, []byte(`{"content":"slow"}`))
	}()
	select {
	case <-broadcaster.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Fan-out for the stalled inquiry never started")
	}

	for _, inquiryID := range []int64{2, 36, 65} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			router.HandleInbound(context.Background(), &recordingConn{inquiryID: inquiryID, userID: 1}, sender, []byte(`{"content":"fast"}`))
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("Delivery to inquiry %d waited on another inquiry's fan-out", inquiryID)
		}
	}

	if n := router.heldLocks(); n != 1 {
		t.Errorf("Expected only the stalled inquiry to hold a lock, got %d", n)
	}

	close(broadcaster.release)
	<-stalledDone
	if n := router.heldLocks(); n != 0 {
		t.Errorf("Expected lock entries to be released, got %d", n)
	}
}
