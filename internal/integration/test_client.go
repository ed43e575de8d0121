package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inquirychat/pkg/types"
)

// Event is an outbound frame as a client sees it
type Event struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ChatMessage decodes the payload of a message event
func (e Event) ChatMessage() (*types.Message, error) {
	if e.Type != types.EventMessage {
		return nil, fmt.Errorf("expected %s event, got %s", types.EventMessage, e.Type)
	}
	var m types.Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// StatusChange decodes the payload of a status event
func (e Event) StatusChange() (*types.StatusChange, error) {
	if e.Type != types.EventStatus {
		return nil, fmt.Errorf("expected %s event, got %s", types.EventStatus, e.Type)
	}
	var change types.StatusChange
	if err := json.Unmarshal(e.Data, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

// TestClient is a websocket participant of one inquiry channel
type TestClient struct {
	UserID    int64
	InquiryID int64

	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	readErr error
	closed  bool
}

// DialTestClient opens a channel connection with token as query credential
func DialTestClient(ctx context.Context, wsURL, token string, userID, inquiryID int64) (*TestClient, error) {
	url := fmt.Sprintf("%s?token=%s&inquiryId=%d", wsURL, token, inquiryID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	tc := &TestClient{
		UserID:    userID,
		InquiryID: inquiryID,
		conn:      conn,
		events:    make(chan Event, 1000),
		done:      make(chan struct{}),
	}
	go tc.readLoop()
	return tc, nil
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		var event Event
		if err := tc.conn.ReadJSON(&event); err != nil {
			tc.mu.Lock()
			tc.readErr = err
			tc.mu.Unlock()
			return
		}
		select {
		case tc.events <- event:
		default:
			tc.mu.Lock()
			tc.readErr = errors.New("event buffer full")
			tc.mu.Unlock()
			return
		}
	}
}

// Send writes a chat frame. An empty kind leaves msgType out.
func (tc *TestClient) Send(kind types.MessageKind, content string) error {
	frame := map[string]string{"type": types.EventMessage, "content": content}
	if kind != "" {
		frame["msgType"] = string(kind)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return tc.SendRaw(data)
}

// SendRaw writes data as a single text frame
func (tc *TestClient) SendRaw(data []byte) error {
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return tc.conn.WriteMessage(websocket.TextMessage, data)
}

// Next returns the next event or an error after timeout
func (tc *TestClient) Next(timeout time.Duration) (Event, error) {
	select {
	case event := <-tc.events:
		return event, nil
	case <-time.After(timeout):
		return Event{}, fmt.Errorf("no event within %s", timeout)
	case <-tc.done:
		// Deliver anything read before the connection ended
		select {
		case event := <-tc.events:
			return event, nil
		default:
		}
		return Event{}, fmt.Errorf("connection ended: %w", tc.Err())
	}
}

// Expect returns the next event and fails unless it has eventType
func (tc *TestClient) Expect(eventType string, timeout time.Duration) (Event, error) {
	event, err := tc.Next(timeout)
	if err != nil {
		return event, err
	}
	if event.Type != eventType {
		return event, fmt.Errorf("expected %s event, got %s (%s)", eventType, event.Type, event.Message)
	}
	return event, nil
}

// ReceiveMessages collects count message events in arrival order
func (tc *TestClient) ReceiveMessages(count int, timeout time.Duration) ([]*types.Message, error) {
	deadline := time.Now().Add(timeout)
	messages := make([]*types.Message, 0, count)
	for len(messages) < count {
		event, err := tc.Expect(types.EventMessage, time.Until(deadline))
		if err != nil {
			return messages, err
		}
		m, err := event.ChatMessage()
		if err != nil {
			return messages, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// ExpectSilence fails if any event arrives within d
func (tc *TestClient) ExpectSilence(d time.Duration) error {
	select {
	case event := <-tc.events:
		return fmt.Errorf("unexpected %s event", event.Type)
	case <-time.After(d):
		return nil
	}
}

// WaitClosed blocks until the server ends the connection and returns the
// close frame, if one was received
func (tc *TestClient) WaitClosed(timeout time.Duration) (*websocket.CloseError, error) {
	select {
	case <-tc.done:
	case <-time.After(timeout):
		return nil, fmt.Errorf("connection still open after %s", timeout)
	}
	var ce *websocket.CloseError
	if errors.As(tc.Err(), &ce) {
		return ce, nil
	}
	return nil, fmt.Errorf("connection ended without a close frame: %w", tc.Err())
}

// Err returns the error that ended the read loop
func (tc *TestClient) Err() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.readErr
}

// Close closes the client side without a close handshake
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return nil
	}
	tc.closed = true
	tc.mu.Unlock()
	return tc.conn.Close()
}
