package types

import (
	"encoding/json"
	"time"
)

// Outbound event types
const (
	EventMessage   = "message"
	EventError     = "error"
	EventConnected = "connected"
	EventStatus    = "status"
)

// ConnectedText is the acknowledgement text clients display on admission
const ConnectedText = "连接成功"

// OutboundEvent is the envelope of every server→client frame
type OutboundEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// StatusChange is the payload of a status event pushed after a lifecycle
// transition
type StatusChange struct {
	InquiryID int64        `json:"inquiryId"`
	Status    InquiryState `json:"status"`
	At        time.Time    `json:"at"`
}

func MessageEvent(m *Message) OutboundEvent {
	return OutboundEvent{Type: EventMessage, Data: m}
}

func ErrorEvent(text string) OutboundEvent {
	return OutboundEvent{Type: EventError, Message: text}
}

func ConnectedEvent() OutboundEvent {
	return OutboundEvent{Type: EventConnected, Message: ConnectedText}
}

func StatusEvent(change StatusChange) OutboundEvent {
	return OutboundEvent{Type: EventStatus, Data: change}
}

// InboundKind tags the parsed variant of a client→server frame
type InboundKind int

const (
	// InboundIgnored is any event type the server does not handle. Such
	// events are dropped without an error reply.
	InboundIgnored InboundKind = iota
	InboundChat
)

// ChatPayload is the body of an inbound chat event
type ChatPayload struct {
	Kind    MessageKind
	Content string
}

// InboundEvent is a client frame after boundary parsing. Chat is set only
// when Kind is InboundChat.
type InboundEvent struct {
	Kind InboundKind
	Type string
	Chat *ChatPayload
}

type rawInbound struct {
	Type    *string `json:"type"`
	Content *string `json:"content"`
	MsgType *string `json:"msgType"`
}

// ParseInboundEvent decodes one client frame. A missing "type" means
// "message" and a missing "msgType" means TEXT. Any other type yields an
// InboundIgnored event and a nil error. Errors wrap ErrBadRequest.
func ParseInboundEvent(data []byte) (InboundEvent, error) {
	var raw rawInbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return InboundEvent{}, ErrMalformedEvent
	}

	eventType := EventMessage
	if raw.Type != nil {
		eventType = *raw.Type
	}
	if eventType != EventMessage {
		return InboundEvent{Kind: InboundIgnored, Type: eventType}, nil
	}

	payload := &ChatPayload{Kind: MessageText}
	if raw.MsgType != nil {
		payload.Kind = MessageKind(*raw.MsgType)
	}
	if raw.Content == nil {
		return InboundEvent{}, ErrMissingContent
	}
	payload.Content = *raw.Content

	if err := payload.Validate(); err != nil {
		return InboundEvent{}, err
	}

	return InboundEvent{Kind: InboundChat, Type: eventType, Chat: payload}, nil
}
