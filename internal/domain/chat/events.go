package chat

import (
	"time"

	"github.com/ehr/chat/internal/domain/identity"
)

// Real-time event names emitted by the chat service.
const (
	EventChatRequest          = "chatRequest"
	EventPendingChatRequests  = "pendingChatRequests"
	EventRequestStatusUpdate  = "requestStatusUpdate"
	EventRequestResponse      = "requestResponse"
	EventResponseConfirmation = "responseConfirmation"
	EventNewMessage           = "newMessage"
	EventMessageSent          = "messageSent"
	EventMessageRead          = "messageRead"
)

type chatRequestPayload struct {
	ConversationID string           `json:"conversationId"`
	Patient        identity.Profile `json:"patient"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type statusPayload struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

type readPayload struct {
	MessageID string `json:"messageId"`
}
