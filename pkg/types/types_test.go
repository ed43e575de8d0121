package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseInboundEvent(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind InboundKind
		wantMsg  MessageKind
		wantErr  error
	}{
		{"text message", `{"type":"message","content":"hello","msgType":"TEXT"}`, InboundChat, MessageText, nil},
		{"image message", `{"type":"message","content":"/files/a.png","msgType":"IMAGE"}`, InboundChat, MessageImage, nil},
		{"missing type defaults to message", `{"content":"hi"}`, InboundChat, MessageText, nil},
		{"missing msgType defaults to text", `{"type":"message","content":"hi"}`, InboundChat, MessageText, nil},
		{"unknown type ignored", `{"type":"typing"}`, InboundIgnored, "", nil},
		{"unknown msgType", `{"type":"message","content":"hi","msgType":"VIDEO"}`, 0, "", ErrInvalidMessageKind},
		{"missing content", `{"type":"message","msgType":"TEXT"}`, 0, "", ErrMissingContent},
		{"empty content", `{"type":"message","content":"","msgType":"TEXT"}`, 0, "", ErrMissingContent},
		{"not json", `hello`, 0, "", ErrMalformedEvent},
		{"json array", `[1,2]`, 0, "", ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := ParseInboundEvent([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseInboundEvent() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrBadRequest) {
					t.Errorf("error %v should classify as ErrBadRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseInboundEvent() unexpected error: %v", err)
			}
			if event.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", event.Kind, tt.wantKind)
			}
			if tt.wantKind == InboundChat && event.Chat.Kind != tt.wantMsg {
				t.Errorf("Chat.Kind = %v, want %v", event.Chat.Kind, tt.wantMsg)
			}
		})
	}
}

func TestParseInboundEvent_ContentSizeBoundary(t *testing.T) {
	atLimit, _ := json.Marshal(map[string]string{"content": strings.Repeat("x", MaxContentBytes)})
	if _, err := ParseInboundEvent(atLimit); err != nil {
		t.Errorf("content at limit rejected: %v", err)
	}

	overLimit, _ := json.Marshal(map[string]string{"content": strings.Repeat("x", MaxContentBytes+1)})
	if _, err := ParseInboundEvent(overLimit); !errors.Is(err, ErrContentTooLarge) {
		t.Errorf("expected ErrContentTooLarge, got %v", err)
	}
}

func TestOutboundEvent_Shapes(t *testing.T) {
	data, err := json.Marshal(ConnectedEvent())
	if err != nil {
		t.Fatalf("marshal connected: %v", err)
	}
	if string(data) != `{"type":"connected","message":"连接成功"}` {
		t.Errorf("connected event = %s", data)
	}

	data, _ = json.Marshal(MessageEvent(&Message{ID: 7, InquiryID: 3, SenderID: 1, SenderName: "p", SenderRole: RolePatient, Kind: MessageText, Content: "hi"}))
	var decoded struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal message event: %v", err)
	}
	if decoded.Type != EventMessage {
		t.Errorf("message event type = %q", decoded.Type)
	}
	for _, key := range []string{"id", "inquiryId", "senderId", "senderName", "senderRole", "type", "content", "createdAt"} {
		if _, ok := decoded.Data[key]; !ok {
			t.Errorf("message event data missing %q: %s", key, data)
		}
	}
}

func TestIsValidMobile(t *testing.T) {
	tests := []struct {
		mobile string
		want   bool
	}{
		{"13800138000", true},
		{"19212345678", true},
		{"12800138000", false},
		{"1380013800", false},
		{"138001380001", false},
		{"1380013800a", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsValidMobile(tt.mobile); got != tt.want {
			t.Errorf("IsValidMobile(%q) = %v, want %v", tt.mobile, got, tt.want)
		}
	}
}

func TestKind(t *testing.T) {
	if Kind(ErrInvalidMessageKind) != ErrBadRequest {
		t.Error("ErrInvalidMessageKind should classify as ErrBadRequest")
	}
	if Kind(errors.New("boom")) != ErrInternal {
		t.Error("unclassified errors should be internal")
	}
}

func TestInquiry_HasParticipant(t *testing.T) {
	inq := &Inquiry{PatientUserID: 1, DoctorUserID: 2, State: InquiryCompleted}
	if !inq.HasParticipant(1) || !inq.HasParticipant(2) {
		t.Error("patient and doctor must be participants regardless of state")
	}
	if inq.HasParticipant(3) {
		t.Error("unrelated user must not be a participant")
	}
}
