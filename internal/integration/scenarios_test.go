package integration

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"inquirychat/pkg/types"
)

const eventTimeout = 3 * time.Second

// TestConsultationWorkflow walks one inquiry from creation to completion
// with both participants connected
func TestConsultationWorkflow(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)

	patient := h.Connect(t, h.Patient, inquiry.ID)
	doctor := h.Connect(t, h.Doctor, inquiry.ID)

	// Chat is open before the doctor accepts
	if err := patient.Send(types.MessageText, "I have had a cough for a week"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for _, c := range []*TestClient{patient, doctor} {
		msgs, err := c.ReceiveMessages(1, eventTimeout)
		if err != nil {
			t.Fatalf("user %d: %v", c.UserID, err)
		}
		if msgs[0].SenderID != h.Patient.ID || msgs[0].SenderRole != types.RolePatient {
			t.Errorf("Unexpected sender on %+v", msgs[0])
		}
	}

	h.Transition(t, inquiry.ID, "accept")
	for _, c := range []*TestClient{patient, doctor} {
		event, err := c.Expect(types.EventStatus, eventTimeout)
		if err != nil {
			t.Fatalf("user %d: %v", c.UserID, err)
		}
		change, err := event.StatusChange()
		if err != nil {
			t.Fatal(err)
		}
		if change.Status != types.InquiryInProgress {
			t.Errorf("Expected IN_PROGRESS, got %s", change.Status)
		}
	}

	if err := doctor.Send(types.MessageImage, "https://files.example.com/xray.png"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msgs, err := patient.ReceiveMessages(1, eventTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Kind != types.MessageImage {
		t.Errorf("Expected IMAGE, got %s", msgs[0].Kind)
	}
	if _, err := doctor.ReceiveMessages(1, eventTimeout); err != nil {
		t.Fatal(err)
	}

	completed := h.Transition(t, inquiry.ID, "complete")
	if completed.State != types.InquiryCompleted {
		t.Errorf("Expected COMPLETED, got %s", completed.State)
	}
	for _, c := range []*TestClient{patient, doctor} {
		if _, err := c.Expect(types.EventStatus, eventTimeout); err != nil {
			t.Fatalf("user %d: %v", c.UserID, err)
		}
	}

	// The channel stays usable after completion
	if err := patient.Send("", "thank you"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := doctor.ReceiveMessages(1, eventTimeout); err != nil {
		t.Fatal(err)
	}
	if _, err := patient.ReceiveMessages(1, eventTimeout); err != nil {
		t.Fatal(err)
	}

	var history []types.Message
	path := fmt.Sprintf("/api/messages/inquiry/%d", inquiry.ID)
	if code := h.Do(t, h.Doctor, http.MethodGet, path, "", &history); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 persisted messages, got %d", len(history))
	}
	if history[2].Content != "thank you" || history[2].Kind != types.MessageText {
		t.Errorf("Unexpected last message %+v", history[2])
	}

	var newer []types.Message
	path = fmt.Sprintf("/api/messages/inquiry/%d/new?afterId=%d", inquiry.ID, history[0].ID)
	if code := h.Do(t, h.Patient, http.MethodGet, path, "", &newer); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(newer) != 2 || newer[0].ID != history[1].ID {
		t.Errorf("Polling returned %+v", newer)
	}
}

// TestConcurrentSendersShareOneOrder checks that both participants observe
// the same order, and that it matches the persisted id order
func TestConcurrentSendersShareOneOrder(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)

	patient := h.Connect(t, h.Patient, inquiry.ID)
	doctor := h.Connect(t, h.Doctor, inquiry.ID)

	const perSender = 40
	var wg sync.WaitGroup
	for _, c := range []*TestClient{patient, doctor} {
		wg.Add(1)
		go func(c *TestClient) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := c.Send(types.MessageText, fmt.Sprintf("%d-%d", c.UserID, i)); err != nil {
					t.Errorf("Send failed: %v", err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	fromPatient, err := patient.ReceiveMessages(2*perSender, 10*time.Second)
	if err != nil {
		t.Fatalf("patient: %v", err)
	}
	fromDoctor, err := doctor.ReceiveMessages(2*perSender, 10*time.Second)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}

	for i := range fromPatient {
		if fromPatient[i].ID != fromDoctor[i].ID {
			t.Fatalf("Order diverges at %d: %d vs %d", i, fromPatient[i].ID, fromDoctor[i].ID)
		}
		if i > 0 && fromPatient[i].ID <= fromPatient[i-1].ID {
			t.Fatalf("Delivery order does not follow id order at %d", i)
		}
	}

	// Each sender's own messages keep their send order
	last := map[int64]int{h.Patient.ID: -1, h.Doctor.ID: -1}
	for _, m := range fromPatient {
		var sender int64
		var seq int
		if _, err := fmt.Sscanf(m.Content, "%d-%d", &sender, &seq); err != nil {
			t.Fatalf("Unexpected content %q", m.Content)
		}
		if seq != last[sender]+1 {
			t.Errorf("Sender %d: expected seq %d, got %d", sender, last[sender]+1, seq)
		}
		last[sender] = seq
	}
}

// TestChannelIsolation checks that traffic never crosses inquiries
func TestChannelIsolation(t *testing.T) {
	h := NewHarness(t, nil)
	first := h.CreateInquiry(t)
	second := h.CreateInquiry(t)

	firstPatient := h.Connect(t, h.Patient, first.ID)
	secondDoctor := h.Connect(t, h.Doctor, second.ID)

	if err := firstPatient.Send(types.MessageText, "only for the first inquiry"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := firstPatient.ReceiveMessages(1, eventTimeout); err != nil {
		t.Fatal(err)
	}
	if err := secondDoctor.ExpectSilence(300 * time.Millisecond); err != nil {
		t.Errorf("Second inquiry received traffic: %v", err)
	}

	h.Transition(t, second.ID, "accept")
	if _, err := secondDoctor.Expect(types.EventStatus, eventTimeout); err != nil {
		t.Fatal(err)
	}
	if err := firstPatient.ExpectSilence(300 * time.Millisecond); err != nil {
		t.Errorf("First inquiry received another inquiry's status: %v", err)
	}
}

func TestOutsiderIsRejected(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)

	client, err := DialTestClient(context.Background(), h.WSURL, h.Token(t, h.Outsider), h.Outsider.ID, inquiry.ID)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	ce, err := client.WaitClosed(eventTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if ce.Code != websocket.CloseInvalidFramePayloadData || ce.Text != "forbidden" {
		t.Errorf("Expected 1007 forbidden, got %d %q", ce.Code, ce.Text)
	}

	var resp map[string]interface{}
	path := fmt.Sprintf("/api/messages/inquiry/%d", inquiry.ID)
	if code := h.Do(t, h.Outsider, http.MethodGet, path, "", &resp); code != http.StatusForbidden {
		t.Errorf("Expected 403 on history, got %d", code)
	}
}

func TestReconnectSupersedesPreviousSession(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)

	stale := h.Connect(t, h.Patient, inquiry.ID)
	fresh := h.Connect(t, h.Patient, inquiry.ID)
	doctor := h.Connect(t, h.Doctor, inquiry.ID)

	ce, err := stale.WaitClosed(eventTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if ce.Code != websocket.CloseNormalClosure || ce.Text != "superseded" {
		t.Errorf("Expected 1000 superseded, got %d %q", ce.Code, ce.Text)
	}

	if err := doctor.Send(types.MessageText, "are you there?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := fresh.ReceiveMessages(1, eventTimeout); err != nil {
		t.Errorf("Replacement session missed the message: %v", err)
	}
}

func TestInvalidFramesKeepSessionOpen(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)
	patient := h.Connect(t, h.Patient, inquiry.ID)
	doctor := h.Connect(t, h.Doctor, inquiry.ID)

	frames := []string{
		`not json`,
		`{"type": "message"}`,
		`{"type": "message", "content": ""}`,
		`{"type": "message", "content": "x", "msgType": "VIDEO"}`,
	}
	for _, frame := range frames {
		if err := patient.SendRaw([]byte(frame)); err != nil {
			t.Fatalf("SendRaw failed: %v", err)
		}
		event, err := patient.Expect(types.EventError, eventTimeout)
		if err != nil {
			t.Fatalf("frame %q: %v", frame, err)
		}
		if !strings.HasPrefix(event.Message, "消息处理失败: ") {
			t.Errorf("Unexpected error text %q", event.Message)
		}
	}

	// Unknown event types are dropped silently
	if err := patient.SendRaw([]byte(`{"type": "typing"}`)); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}
	if err := patient.ExpectSilence(200 * time.Millisecond); err != nil {
		t.Errorf("Ignored type produced a reply: %v", err)
	}
	if err := doctor.ExpectSilence(50 * time.Millisecond); err != nil {
		t.Errorf("Rejected frames reached the other participant: %v", err)
	}

	if err := patient.Send(types.MessageText, "still here"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := doctor.ReceiveMessages(1, eventTimeout); err != nil {
		t.Errorf("Session did not survive invalid frames: %v", err)
	}
}

func TestRateLimitRejectsExcessMessages(t *testing.T) {
	h := NewHarness(t, map[string]string{"ROUTER_MESSAGES_PER_MINUTE": "3"})
	inquiry := h.CreateInquiry(t)
	patient := h.Connect(t, h.Patient, inquiry.ID)

	for i := 0; i < 5; i++ {
		if err := patient.Send(types.MessageText, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	var delivered, rejected int
	for i := 0; i < 5; i++ {
		event, err := patient.Next(eventTimeout)
		if err != nil {
			t.Fatal(err)
		}
		switch event.Type {
		case types.EventMessage:
			delivered++
		case types.EventError:
			rejected++
			if !strings.Contains(event.Message, "rate limit") {
				t.Errorf("Unexpected error text %q", event.Message)
			}
		}
	}
	if delivered != 3 || rejected != 2 {
		t.Errorf("Expected 3 delivered and 2 rejected, got %d and %d", delivered, rejected)
	}

	var history []types.Message
	path := fmt.Sprintf("/api/messages/inquiry/%d", inquiry.ID)
	h.Do(t, h.Patient, http.MethodGet, path, "", &history)
	if len(history) != 3 {
		t.Errorf("Expected 3 persisted messages, got %d", len(history))
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	h := NewHarness(t, nil)
	inquiry := h.CreateInquiry(t)
	patient := h.Connect(t, h.Patient, inquiry.ID)

	if err := h.App.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	ce, err := patient.WaitClosed(eventTimeout)
	if err != nil {
		t.Fatal(err)
	}
	if ce.Code != websocket.CloseGoingAway {
		t.Errorf("Expected 1001, got %d", ce.Code)
	}
}
